package runtime

import (
	"fmt"
	"sort"
	"sync"
)

// RuntimeTypeWazero is the name of the wazero engine.
const RuntimeTypeWazero = "wazero"

// Factory is a function that creates a new Runtime
type Factory func(config Config) (Runtime, error)

var (
	factoriesMu      sync.RWMutex
	runtimeFactories = make(map[string]Factory)
)

// Register registers a runtime factory
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, exists := runtimeFactories[name]; exists {
		panic(fmt.Sprintf("runtime %s already registered", name))
	}
	runtimeFactories[name] = factory
}

// NewRuntime creates a new Runtime by name and config
func NewRuntime(runtimeType string, config Config) (Runtime, error) {
	// Default to wazero if not specified
	if runtimeType == "" {
		runtimeType = RuntimeTypeWazero
	}

	factoriesMu.RLock()
	factory, ok := runtimeFactories[runtimeType]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown runtime type: %s: %w", runtimeType, ErrRuntimeNotFound)
	}

	config.Default()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return factory(config)
}

// List returns all registered runtime types
func List() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	types := make([]string, 0, len(runtimeFactories))
	for t := range runtimeFactories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
