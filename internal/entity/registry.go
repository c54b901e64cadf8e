package entity

import (
	"fmt"

	errs "github.com/alexjbarnes/liftsync/internal/errors"
	"github.com/alexjbarnes/liftsync/internal/models"
)

// Registry holds the adapters of every synced kind and their dependency
// order. Parents always sort before their children.
type Registry struct {
	adapters map[models.EntityType]*Adapter
	order    []models.EntityType
	rank     map[models.EntityType]int
}

// NewRegistry validates the parent references of adapters and computes a
// topological order. Kinds with no dependency between them keep their
// registration order. A reference to an unregistered kind or a cycle is
// an error.
func NewRegistry(adapters ...*Adapter) (*Registry, error) {
	r := &Registry{
		adapters: make(map[models.EntityType]*Adapter, len(adapters)),
		rank:     make(map[models.EntityType]int, len(adapters)),
	}

	for _, a := range adapters {
		if _, dup := r.adapters[a.Kind]; dup {
			return nil, fmt.Errorf("entity kind %s registered twice", a.Kind)
		}

		owners := 0
		for _, ref := range a.Refs {
			if ref.Owner {
				owners++
			}
		}

		if owners > 1 {
			return nil, fmt.Errorf("entity kind %s has %d owner references", a.Kind, owners)
		}

		r.adapters[a.Kind] = a
	}

	indegree := make(map[models.EntityType]int, len(adapters))

	for _, a := range adapters {
		for _, ref := range a.Refs {
			if _, ok := r.adapters[ref.Kind]; !ok {
				return nil, fmt.Errorf("%w: %s references unregistered kind %s", errs.ErrUnknownEntity, a.Kind, ref.Kind)
			}

			indegree[a.Kind]++
		}
	}

	// Kahn's algorithm, always taking the earliest registered ready kind.
	done := make(map[models.EntityType]bool, len(adapters))

	for len(r.order) < len(adapters) {
		var next *Adapter

		for _, a := range adapters {
			if !done[a.Kind] && indegree[a.Kind] == 0 {
				next = a
				break
			}
		}

		if next == nil {
			return nil, fmt.Errorf("entity dependency cycle among %v", r.remaining(adapters, done))
		}

		done[next.Kind] = true
		r.rank[next.Kind] = len(r.order)
		r.order = append(r.order, next.Kind)

		for _, a := range adapters {
			for _, ref := range a.Refs {
				if ref.Kind == next.Kind {
					indegree[a.Kind]--
				}
			}
		}
	}

	return r, nil
}

func (r *Registry) remaining(adapters []*Adapter, done map[models.EntityType]bool) []models.EntityType {
	var out []models.EntityType

	for _, a := range adapters {
		if !done[a.Kind] {
			out = append(out, a.Kind)
		}
	}

	return out
}

// Default returns the registry of the six built-in kinds.
func Default() *Registry {
	r, err := NewRegistry(Schema(), WorkoutDay(), Exercise(), WorkoutSession(), ExerciseLog(), SetLog())
	if err != nil {
		panic(fmt.Sprintf("built-in entity graph: %v", err))
	}

	return r
}

// Adapter returns the adapter for kind.
func (r *Registry) Adapter(kind models.EntityType) (*Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownEntity, kind)
	}

	return a, nil
}

// Order returns every kind, parents first.
func (r *Registry) Order() []models.EntityType {
	return append([]models.EntityType(nil), r.order...)
}

// Rank is the position of kind in Order. Unknown kinds sort last.
func (r *Registry) Rank(kind models.EntityType) int {
	if n, ok := r.rank[kind]; ok {
		return n
	}

	return len(r.order)
}

// Roots returns the kinds with no owner, in dependency order. Pull starts
// from these.
func (r *Registry) Roots() []*Adapter {
	var out []*Adapter

	for _, kind := range r.order {
		a := r.adapters[kind]
		if _, owned := a.Owner(); !owned {
			out = append(out, a)
		}
	}

	return out
}

// OwnedChildren returns the kinds whose owner reference points at kind.
func (r *Registry) OwnedChildren(kind models.EntityType) []*Adapter {
	var out []*Adapter

	for _, k := range r.order {
		a := r.adapters[k]
		if owner, ok := a.Owner(); ok && owner.Kind == kind {
			out = append(out, a)
		}
	}

	return out
}
