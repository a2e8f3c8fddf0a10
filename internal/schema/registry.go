package schema

import (
	"fmt"
	"sync"
)

// Registry holds sealed entity descriptors for the process lifetime.
//
// Registration is expected at startup, lookups from concurrently handled
// requests afterward. Concurrent registration of the same entity is
// idempotent: first writer wins and later identical registrations are
// no-ops, so racing first users converge on one immutable descriptor.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*Entity)}
}

// Register seals and stores an entity descriptor. Registering a name that
// is already present returns the stored descriptor untouched.
func (r *Registry) Register(e *Entity) error {
	if err := e.seal(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entities[e.Name]; ok {
		return nil
	}
	r.entities[e.Name] = e
	return nil
}

// Entity looks up a registered entity by name.
func (r *Registry) Entity(name string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[name]
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", name)
	}
	return e, nil
}

// Names returns the registered entity names, unordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entities))
	for name := range r.entities {
		names = append(names, name)
	}
	return names
}

// Validate checks cross-entity invariants: every relation and every
// association field must point at a registered entity and an existing
// target field.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entities {
		for i := range e.Relations {
			rel := &e.Relations[i]
			target, ok := r.entities[rel.Target]
			if !ok {
				return fmt.Errorf("entity %s: relation %q targets unregistered entity %q", e.Name, rel.Name, rel.Target)
			}
			for _, p := range rel.On {
				if _, ok := e.Field(p.Local); !ok {
					return fmt.Errorf("entity %s: relation %q join column %q is not a field", e.Name, rel.Name, p.Local)
				}
				if _, ok := target.Field(p.Remote); !ok {
					return fmt.Errorf("entity %s: relation %q join column %q is not a field of %s", e.Name, rel.Name, p.Remote, target.Name)
				}
			}
		}
		for i := range e.Fields {
			f := &e.Fields[i]
			if f.Kind != KindAssociation {
				continue
			}
			rel, _ := e.Relation(f.Relation)
			target, ok := r.entities[rel.Target]
			if !ok {
				return fmt.Errorf("entity %s: association %q traverses relation to unregistered entity %q", e.Name, f.Name, rel.Target)
			}
			if _, ok := target.Field(f.TargetField); !ok {
				return fmt.Errorf("entity %s: association %q targets unknown field %s.%s", e.Name, f.Name, target.Name, f.TargetField)
			}
		}
	}
	return nil
}
