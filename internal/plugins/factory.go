package plugins

import (
	"sync"

	"github.com/fleetcore-io/fleetcore/internal/driver"
)

// Factory produces the driver instance for a statically linked plugin.
type Factory func() (driver.Driver, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a builtin driver available under a plugin name.
// The loader consults builtins before resolving a shared-object artifact,
// so statically linked drivers and test drivers follow the same loading
// path as dynamic plugins. Typically called from an init function.
func RegisterFactory(name string, fn Factory) {
	if name == "" || fn == nil {
		return
	}
	factoriesMu.Lock()
	factories[name] = fn
	factoriesMu.Unlock()
}

func lookupFactory(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	fn, ok := factories[name]
	return fn, ok
}

func unregisterFactory(name string) {
	factoriesMu.Lock()
	delete(factories, name)
	factoriesMu.Unlock()
}
