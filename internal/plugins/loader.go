package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sync"

	"go.uber.org/zap"

	"github.com/fleetcore-io/fleetcore/internal/driver"
)

// LoadError reports why one plugin failed to load. Failures are scoped to
// the plugin: the scan continues for the remaining directories.
type LoadError struct {
	Path  string
	Stage string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.Path, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Loaded records one successfully loaded plugin.
type Loaded struct {
	Manifest *Manifest    `json:"manifest"`
	Info     *driver.Info `json:"driver"`
	Path     string       `json:"path"`
	Builtin  bool         `json:"builtin"`
}

// Loader scans a directory for plugin manifests, resolves the matching
// implementation, and registers the produced drivers. Loaded shared
// objects are held for the process lifetime; unloading is not supported.
type Loader struct {
	dir       string
	registry  *driver.Registry
	validator *Validator
	logger    *zap.Logger

	mu      sync.Mutex
	loaded  map[string]*Loaded
	handles []*plugin.Plugin
}

func NewLoader(dir string, registry *driver.Registry, logger *zap.Logger) (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest validator: %w", err)
	}

	return &Loader{
		dir:       dir,
		registry:  registry,
		validator: validator,
		logger:    logger,
		loaded:    make(map[string]*Loaded),
	}, nil
}

// LoadAll scans the plugin directory and loads every plugin subdirectory
// found. A failure in one plugin is logged and skipped so the remaining
// plugins still load. It returns the number of plugins loaded by this
// call; a missing directory is not an error, just zero plugins.
func (l *Loader) LoadAll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Info("plugin directory does not exist, skipping scan",
				zap.String("dir", l.dir))
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read plugin directory %s: %w", l.dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		if !entry.IsDir() {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		info, err := l.loadPlugin(path)
		if err != nil {
			if errors.Is(err, ErrAlreadyLoaded) {
				continue
			}
			l.logger.Warn("failed to load plugin",
				zap.String("path", path),
				zap.Error(err))
			continue
		}

		loaded++
		l.logger.Info("plugin loaded",
			zap.String("name", info.Manifest.Plugin.Name),
			zap.String("version", info.Manifest.Plugin.Version),
			zap.String("driver", info.Info.Name),
			zap.String("priority", info.Info.Priority.String()),
			zap.Bool("builtin", info.Builtin))
	}

	return loaded, nil
}

// loadPlugin loads the plugin rooted at path: manifest, implementation,
// priority banding, registration.
func (l *Loader) loadPlugin(path string) (*Loaded, error) {
	manifest, err := LoadManifest(path, l.validator)
	if err != nil {
		return nil, &LoadError{Path: path, Stage: "manifest", Err: err}
	}

	name := manifest.Plugin.Name
	l.mu.Lock()
	_, exists := l.loaded[name]
	l.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyLoaded, name)
	}

	drv, builtin, err := l.resolveDriver(path, manifest)
	if err != nil {
		return nil, err
	}

	priority := driver.PriorityFromLevel(uint8(manifest.Driver.Priority))
	info, err := l.registry.Register(drv, priority)
	if err != nil {
		return nil, &LoadError{Path: path, Stage: "register", Err: err}
	}

	entry := &Loaded{
		Manifest: manifest,
		Info:     info,
		Path:     path,
		Builtin:  builtin,
	}

	l.mu.Lock()
	l.loaded[name] = entry
	l.mu.Unlock()

	return entry, nil
}

// resolveDriver obtains the driver instance: a registered builtin factory
// wins, otherwise the platform artifact next to the manifest is opened
// and its entry point invoked.
func (l *Loader) resolveDriver(path string, manifest *Manifest) (driver.Driver, bool, error) {
	if fn, ok := lookupFactory(manifest.Plugin.Name); ok {
		drv, err := fn()
		if err != nil {
			return nil, false, &LoadError{Path: path, Stage: "factory", Err: err}
		}
		return drv, true, nil
	}

	artifact, err := manifest.ArtifactName()
	if err != nil {
		return nil, false, &LoadError{Path: path, Stage: "artifact", Err: err}
	}

	artifactPath := filepath.Join(path, artifact)
	if _, err := os.Stat(artifactPath); err != nil {
		return nil, false, &LoadError{
			Path:  path,
			Stage: "artifact",
			Err:   fmt.Errorf("%w: %s", ErrArtifactMissing, artifactPath),
		}
	}

	handle, err := plugin.Open(artifactPath)
	if err != nil {
		return nil, false, &LoadError{
			Path:  path,
			Stage: "artifact",
			Err:   fmt.Errorf("%w: %v", ErrArtifactMissing, err),
		}
	}

	sym, err := handle.Lookup(manifest.EntryPoint())
	if err != nil {
		return nil, false, &LoadError{
			Path:  path,
			Stage: "entry_point",
			Err:   fmt.Errorf("%w: %v", ErrEntryPointMissing, err),
		}
	}

	drv, err := invokeEntryPoint(sym)
	if err != nil {
		return nil, false, &LoadError{Path: path, Stage: "entry_point", Err: err}
	}

	// The handle stays referenced so the shared object is never collected.
	l.mu.Lock()
	l.handles = append(l.handles, handle)
	l.mu.Unlock()

	return drv, false, nil
}

func invokeEntryPoint(sym plugin.Symbol) (driver.Driver, error) {
	switch fn := sym.(type) {
	case func() driver.Driver:
		drv := fn()
		if drv == nil {
			return nil, fmt.Errorf("%w: entry point returned nil", ErrEntryPointMissing)
		}
		return drv, nil
	case func() (driver.Driver, error):
		drv, err := fn()
		if err != nil {
			return nil, fmt.Errorf("entry point failed: %w", err)
		}
		if drv == nil {
			return nil, fmt.Errorf("%w: entry point returned nil", ErrEntryPointMissing)
		}
		return drv, nil
	default:
		return nil, fmt.Errorf("%w: unexpected entry point signature %T", ErrEntryPointMissing, sym)
	}
}

// Plugins returns the plugins loaded so far, in no particular order.
func (l *Loader) Plugins() []*Loaded {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Loaded, 0, len(l.loaded))
	for _, entry := range l.loaded {
		out = append(out, entry)
	}
	return out
}

// Directory returns the directory this loader scans.
func (l *Loader) Directory() string { return l.dir }
