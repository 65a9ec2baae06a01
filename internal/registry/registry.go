// Package registry maps (module, class) names from configuration to
// constructors. Modules register their factories from init functions.
package registry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnknownClass is returned by Create when no factory is registered.
var ErrUnknownClass = errors.New("registry: unknown class")

// Key identifies a factory.
type Key struct {
	Module string
	Class  string
}

func (k Key) String() string { return k.Module + "/" + k.Class }

// Registry holds factories producing values of type T.
type Registry[T any] struct {
	kind string

	mu        sync.RWMutex
	factories map[Key]func() (T, error)
}

// New creates an empty registry. kind names the registered capability in errors.
func New[T any](kind string) *Registry[T] {
	return &Registry[T]{kind: kind, factories: make(map[Key]func() (T, error))}
}

// Register adds a factory. Registering the same key twice panics: it can
// only happen when two modules claim the same class name.
func (r *Registry[T]) Register(module, class string, factory func() (T, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := Key{Module: module, Class: class}
	if _, ok := r.factories[k]; ok {
		panic(fmt.Sprintf("registry: %s %s registered twice", r.kind, k))
	}
	r.factories[k] = factory
}

// Create instantiates the class registered under (module, class). A panic in
// the factory is reported as an error.
func (r *Registry[T]) Create(module, class string) (v T, err error) {
	r.mu.RLock()
	f, ok := r.factories[Key{Module: module, Class: class}]
	r.mu.RUnlock()
	if !ok {
		return v, fmt.Errorf("%w: %s %s/%s", ErrUnknownClass, r.kind, module, class)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("registry: construct %s %s/%s: panic: %v", r.kind, module, class, p)
		}
	}()
	v, err = f()
	if err != nil {
		return v, fmt.Errorf("registry: construct %s %s/%s: %w", r.kind, module, class, err)
	}
	return v, nil
}

// Keys lists the registered keys in sorted order.
func (r *Registry[T]) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		return cmp.Or(cmp.Compare(a.Module, b.Module), cmp.Compare(a.Class, b.Class))
	})
	return keys
}
