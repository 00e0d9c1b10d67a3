package method

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Method)
)

// Register adds a method to the registry. Called by method
// implementations in their init() functions; the registry is closed once
// package initialization completes.
func Register(m Method) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[m.Name()] = m
}

// Get retrieves a merge method by name.
func Get(name string) (Method, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	m, ok := registry[name]
	if !ok {
		return nil, &UnknownMethodError{Name: name, Available: names()}
	}
	return m, nil
}

// Names returns all registered method names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return names()
}

func names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// UnknownMethodError is returned when a config names a merge method that
// is not registered.
type UnknownMethodError struct {
	Name      string
	Available []string
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("unknown merge method %q (available: %v)", e.Name, e.Available)
}
