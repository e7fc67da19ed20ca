package adapter

import (
	"fmt"
	"io"
	"sync"
)

// Factory builds an adapter for one endpoint. It must not perform I/O.
type Factory func(id ChainIdentity, endpoint string) (ChainAdapter, error)

type registryKey struct {
	family   Family
	endpoint string
}

// Registry hands out one adapter per (family, endpoint). Entries live until
// Discard is called.
type Registry struct {
	mu        sync.Mutex
	factories map[Family]Factory
	adapters  map[registryKey]ChainAdapter
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[Family]Factory),
		adapters:  make(map[registryKey]ChainAdapter),
	}
}

// Register installs the factory for a family, replacing any previous one.
func (r *Registry) Register(family Family, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[family] = f
}

// Get returns the adapter for (id.Family, endpoint), constructing it on
// first use.
func (r *Registry) Get(id ChainIdentity, endpoint string) (ChainAdapter, error) {
	key := registryKey{family: id.Family, endpoint: endpoint}

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.adapters[key]; ok {
		return a, nil
	}
	factory, ok := r.factories[id.Family]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, id.Family)
	}
	a, err := factory(id.WithDefaults(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("build %s adapter: %w", id.Family, err)
	}
	r.adapters[key] = a
	return a, nil
}

// Discard evicts an adapter, closing it when it holds resources.
func (r *Registry) Discard(family Family, endpoint string) bool {
	key := registryKey{family: family, endpoint: endpoint}

	r.mu.Lock()
	a, ok := r.adapters[key]
	delete(r.adapters, key)
	r.mu.Unlock()

	if c, isCloser := a.(io.Closer); ok && isCloser {
		_ = c.Close()
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.adapters)
}
