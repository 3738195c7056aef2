package vfs

import (
	"fmt"
	"sort"
	"sync"
)

// AdapterFactory creates an adapter instance from a config
type AdapterFactory func(cfg *Config) (Adapter, error)

var (
	adapterFactories = make(map[string]AdapterFactory)
	factoryMutex     sync.RWMutex
)

// RegisterAdapterFactory registers an adapter factory under a type name.
// Adapter packages call it from init.
func RegisterAdapterFactory(name string, factory AdapterFactory) {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()
	adapterFactories[name] = factory
}

// CreateAdapter creates an adapter instance of the named type
func CreateAdapter(name string, cfg *Config) (Adapter, error) {
	factoryMutex.RLock()
	factory, exists := adapterFactories[name]
	factoryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: adapter %s not registered", ErrValidation, name)
	}

	return factory(cfg)
}

// AdapterTypes lists the registered adapter type names.
func AdapterTypes() []string {
	factoryMutex.RLock()
	defer factoryMutex.RUnlock()

	names := make([]string, 0, len(adapterFactories))
	for name := range adapterFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
