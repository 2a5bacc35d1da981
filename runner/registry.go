package runner

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an adapter from the arguments that follow the runner name on the command line.
// rep is shared with the session driving the adapter.
type Factory func(args []string, rep *Reporting) (Adapter, error)

var (
	registryMut sync.RWMutex
	registry    = map[string]Factory{}
)

// Register makes a runner available by name. Adapters call it from init.
func Register(name string, f Factory) {
	registryMut.Lock()
	defer registryMut.Unlock()
	registry[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	registryMut.RLock()
	defer registryMut.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown runner %q", name)
	}
	return f, nil
}

// Names lists registered runners in lexical order.
func Names() []string {
	registryMut.RLock()
	defer registryMut.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
