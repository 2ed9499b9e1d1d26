package driver

import (
	"fmt"
	"sort"
	"sync"
)

// Info describes a registered driver. Immutable after registration; the
// priority is assigned once at load time.
type Info struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Priority Priority `json:"priority"`
	Driver   Driver   `json:"-"`

	seq int
}

// Registry maps driver names to instances and yields them in probe order:
// descending priority, ties broken by registration order.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Info
	ordered []*Info
	nextSeq int
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Info)}
}

// Register adds a driver under its reported name. Duplicate names are
// rejected.
func (r *Registry) Register(drv Driver, priority Priority) (*Info, error) {
	name := drv.Name()
	if name == "" {
		return nil, fmt.Errorf("driver reports an empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return nil, fmt.Errorf("driver %q already registered", name)
	}

	info := &Info{
		Name:     name,
		Version:  drv.Version(),
		Priority: priority,
		Driver:   drv,
		seq:      r.nextSeq,
	}
	r.nextSeq++
	r.byName[name] = info
	r.ordered = append(r.ordered, info)
	sort.SliceStable(r.ordered, func(i, j int) bool {
		if r.ordered[i].Priority != r.ordered[j].Priority {
			return r.ordered[i].Priority > r.ordered[j].Priority
		}
		return r.ordered[i].seq < r.ordered[j].seq
	})

	return info, nil
}

// Get looks a driver up by name.
func (r *Registry) Get(name string) (*Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byName[name]
	return info, ok
}

// ByPriority returns all registered drivers in probe order.
func (r *Registry) ByPriority() []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Info, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
