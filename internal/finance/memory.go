package finance

import (
	"context"
	"sort"
	"sync"
)

// InMemory is a process-local entity store. All mutations happen under one
// lock, so CompareAndSetStatus is atomic.
type InMemory struct {
	mu       sync.RWMutex
	entities map[Ref]Entity
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{entities: make(map[Ref]Entity)}
}

func (s *InMemory) Create(ctx context.Context, e Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.Ref()] = e
	return nil
}

func (s *InMemory) Load(ctx context.Context, ref Ref) (Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[ref]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return e, nil
}

// CompareAndSetStatus applies t only if the stored status equals expected.
func (s *InMemory) CompareAndSetStatus(ctx context.Context, ref Ref, expected Status, t Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[ref]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != expected {
		return false, nil
	}
	s.entities[ref] = e.Apply(t)
	return true, nil
}

func (s *InMemory) List(ctx context.Context, f Filter) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Entity
	for _, e := range s.entities {
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.OwnerUserID != "" && e.OwnerUserID != f.OwnerUserID {
			continue
		}
		res = append(res, e)
	}
	// ULIDs sort by creation time.
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	if limit := f.NormalizedLimit(); len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// DeleteIfStatus removes the entity only while it is still in expected.
func (s *InMemory) DeleteIfStatus(ctx context.Context, ref Ref, expected Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[ref]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != expected {
		return false, nil
	}
	delete(s.entities, ref)
	return true, nil
}
