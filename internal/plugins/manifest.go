package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// DefaultEntryPoint is the exported factory symbol looked up when the
// manifest does not declare one.
const DefaultEntryPoint = "CreateDriver"

// manifestFiles are the accepted manifest file names, probed in order.
// Both serializations carry the same schema.
var manifestFiles = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// Manifest is the declarative metadata shipped next to a plugin artifact.
type Manifest struct {
	Plugin       PluginMeta        `json:"plugin"`
	Driver       DriverMeta        `json:"driver"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Platform     map[string]string `json:"platform,omitempty"`
}

// PluginMeta identifies the plugin itself.
type PluginMeta struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Author      string `json:"author"`
	Description string `json:"description,omitempty"`
	License     string `json:"license,omitempty"`
	Homepage    string `json:"homepage,omitempty"`
}

// DriverMeta describes the driver the plugin provides.
type DriverMeta struct {
	EntryPoint   string         `json:"entry_point,omitempty"`
	Priority     int            `json:"priority"`
	Devices      []string       `json:"devices,omitempty"`
	Transports   []string       `json:"transports"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

// EntryPoint returns the declared factory symbol, or the default.
func (m *Manifest) EntryPoint() string {
	if m.Driver.EntryPoint != "" {
		return m.Driver.EntryPoint
	}
	return DefaultEntryPoint
}

// ArtifactName resolves the platform-specific artifact file name. An entry
// in the manifest's platform map overrides the naming convention.
func (m *Manifest) ArtifactName() (string, error) {
	if override, ok := m.Platform[runtime.GOOS]; ok && override != "" {
		return override, nil
	}
	switch runtime.GOOS {
	case "linux", "freebsd":
		return "lib" + m.Plugin.Name + ".so", nil
	case "darwin":
		return "lib" + m.Plugin.Name + ".dylib", nil
	default:
		return "", fmt.Errorf("%w: no artifact convention for %s", ErrArtifactMissing, runtime.GOOS)
	}
}

// LoadManifest reads and validates the manifest inside dir, trying both
// serialized forms.
func LoadManifest(dir string, validator *Validator) (*Manifest, error) {
	for _, name := range manifestFiles {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		m, err := ParseManifest(data, filepath.Ext(name), validator)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: no manifest file in %s", ErrInvalidManifest, dir)
}

// ParseManifest decodes one serialized form. YAML input is normalized to
// JSON first so a single schema validates both.
func ParseManifest(data []byte, ext string, validator *Validator) (*Manifest, error) {
	jsonData := data
	if ext == ".yaml" || ext == ".yml" {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: invalid YAML: %v", ErrInvalidManifest, err)
		}
		var err error
		jsonData, err = json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
	}

	if err := validator.Validate(jsonData); err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return &m, nil
}
