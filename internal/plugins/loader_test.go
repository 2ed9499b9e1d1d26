package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fleetcore-io/fleetcore/internal/driver"
	"github.com/fleetcore-io/fleetcore/internal/driver/drivertest"
)

func writePluginDir(t *testing.T, root, name string, priority int) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	manifest := fmt.Sprintf(`{
  "plugin": {"name": %q, "version": "1.0.0", "author": "test"},
  "driver": {"priority": %d, "transports": ["serial"]}
}`, name, priority)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o644))
	return dir
}

func registerTestFactory(t *testing.T, name string) {
	t.Helper()
	RegisterFactory(name, func() (driver.Driver, error) {
		return drivertest.NewDriver(name, "1.0.0", driver.ChannelSerial), nil
	})
	t.Cleanup(func() { unregisterFactory(name) })
}

func TestLoadAllContinuesPastFailures(t *testing.T) {
	root := t.TempDir()

	// One valid plugin backed by a builtin factory, one whose artifact
	// and entry point cannot be resolved, one with a broken manifest.
	writePluginDir(t, root, "good-plugin", 80)
	registerTestFactory(t, "good-plugin")

	writePluginDir(t, root, "broken-artifact", 42)

	brokenDir := filepath.Join(root, "broken-manifest")
	require.NoError(t, os.MkdirAll(brokenDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(brokenDir, "plugin.json"), []byte(`{"nope"`), 0o644))

	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)

	registry := driver.NewRegistry()
	loader, err := NewLoader(root, registry, logger)
	require.NoError(t, err)

	loaded, err := loader.LoadAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, loaded, "only the valid plugin loads")
	assert.Equal(t, 1, registry.Len())

	info, ok := registry.Get("good-plugin")
	require.True(t, ok)
	assert.Equal(t, driver.PriorityHigh, info.Priority, "level 80 lands in the high band")

	failures := logs.FilterMessage("failed to load plugin").All()
	assert.Len(t, failures, 2, "each bad plugin logs exactly one failure")
}

func TestLoadAllMissingDirectoryIsNotAnError(t *testing.T) {
	registry := driver.NewRegistry()
	loader, err := NewLoader(filepath.Join(t.TempDir(), "does-not-exist"), registry, zap.NewNop())
	require.NoError(t, err)

	loaded, err := loader.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, loaded)
	assert.Zero(t, registry.Len())
}

func TestLoadAllRescanSkipsLoadedPlugins(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "stable-plugin", 10)
	registerTestFactory(t, "stable-plugin")

	registry := driver.NewRegistry()
	loader, err := NewLoader(root, registry, zap.NewNop())
	require.NoError(t, err)

	loaded, err := loader.LoadAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, loaded)

	// Dropping a second plugin and rescanning loads only the new one.
	writePluginDir(t, root, "late-plugin", 200)
	registerTestFactory(t, "late-plugin")

	loaded, err = loader.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.Equal(t, 2, registry.Len())

	late, ok := registry.Get("late-plugin")
	require.True(t, ok)
	assert.Equal(t, driver.PriorityCritical, late.Priority)

	entries := loader.Plugins()
	assert.Len(t, entries, 2)
}

func TestLoadPluginFactoryError(t *testing.T) {
	root := t.TempDir()
	dir := writePluginDir(t, root, "faulty-factory", 30)

	RegisterFactory("faulty-factory", func() (driver.Driver, error) {
		return nil, fmt.Errorf("hardware library not present")
	})
	t.Cleanup(func() { unregisterFactory("faulty-factory") })

	registry := driver.NewRegistry()
	loader, err := NewLoader(root, registry, zap.NewNop())
	require.NoError(t, err)

	_, err = loader.loadPlugin(dir)
	require.Error(t, err)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "factory", le.Stage)
	assert.Zero(t, registry.Len())
}

func TestLoadPluginMissingArtifact(t *testing.T) {
	root := t.TempDir()
	dir := writePluginDir(t, root, "no-artifact", 30)

	registry := driver.NewRegistry()
	loader, err := NewLoader(root, registry, zap.NewNop())
	require.NoError(t, err)

	_, err = loader.loadPlugin(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArtifactMissing)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "artifact", le.Stage)
}

func TestLoadPluginDuplicateDriverName(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "twin-a", 30)
	writePluginDir(t, root, "twin-b", 30)

	// Both manifests resolve factories producing the same driver name,
	// so the second registration must fail without disturbing the first.
	RegisterFactory("twin-a", func() (driver.Driver, error) {
		return drivertest.NewDriver("twin", "1.0.0"), nil
	})
	RegisterFactory("twin-b", func() (driver.Driver, error) {
		return drivertest.NewDriver("twin", "2.0.0"), nil
	})
	t.Cleanup(func() {
		unregisterFactory("twin-a")
		unregisterFactory("twin-b")
	})

	registry := driver.NewRegistry()
	loader, err := NewLoader(root, registry, zap.NewNop())
	require.NoError(t, err)

	loaded, err := loader.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.Equal(t, 1, registry.Len())
}
