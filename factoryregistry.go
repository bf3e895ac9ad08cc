package injector

import "github.com/meshkit/injector/registry"

// factoryHandle adapts *Factory to registry.Keyed without renaming
// Factory's own ID field.
type factoryHandle struct{ f *Factory }

func (h factoryHandle) ID() string { return h.f.ID }

// FactoryRegistry is insert-once factory storage keyed by factory id,
// built on the generic registry package.
type FactoryRegistry struct {
	reg *registry.Registry[factoryHandle]
}

func newFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{reg: registry.New[factoryHandle]()}
}

// Add inserts f, rejecting a duplicate id.
func (r *FactoryRegistry) Add(f *Factory) error {
	if err := r.reg.Add(factoryHandle{f}); err != nil {
		return newEngineError(ErrAlreadyAdded, err)
	}
	return nil
}

// Remove deletes the factory with the given id.
func (r *FactoryRegistry) Remove(id string) error {
	if err := r.reg.Remove(id); err != nil {
		return newEngineError(ErrNotFound, err)
	}
	return nil
}

// Lookup resolves id to its Factory.
func (r *FactoryRegistry) Lookup(id string) (*Factory, error) {
	h, err := r.reg.Lookup(id)
	if err != nil {
		return nil, newEngineError(ErrNotFound, err)
	}
	return h.f, nil
}

// All returns every registered factory in registration order.
func (r *FactoryRegistry) All() []*Factory {
	handles := r.reg.All()
	out := make([]*Factory, len(handles))
	for i, h := range handles {
		out[i] = h.f
	}
	return out
}

// DependingOn returns every factory whose Requires contains key, in
// registration order.
func (r *FactoryRegistry) DependingOn(key string) []*Factory {
	handles := r.reg.Where(func(h factoryHandle) bool { return h.f.dependsOn(key) })
	out := make([]*Factory, len(handles))
	for i, h := range handles {
		out[i] = h.f
	}
	return out
}
