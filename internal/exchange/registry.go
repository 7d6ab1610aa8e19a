package exchange

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a per-connection Protocol instance.
type Factory func(cfg Config) (Protocol, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a protocol factory under an exchange name. Called from
// the venue packages' init functions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("exchange: duplicate registration for " + name)
	}
	registry[name] = factory
}

// New creates a protocol for the named exchange.
func New(name string, cfg Config) (Protocol, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("exchange %q not registered (known: %v)", name, Names())
	}
	return factory(cfg)
}

// Names returns the registered exchange names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
