package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store is the persistence contract for policies. Every write path
// validates the definition before it touches storage; a failed validation
// is never partially applied.
type Store interface {
	Create(ctx context.Context, p *Policy) error
	Get(ctx context.Context, id string) (*Policy, error)
	// List returns all policies ordered by id.
	List(ctx context.Context) ([]*Policy, error)
	// Update replaces an existing policy, re-validating the definition.
	Update(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory Store backed by an indexed map.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewMemoryStore creates an empty in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*Policy)}
}

// Load validates and inserts a batch of definitions. The batch is
// all-or-nothing: any invalid or duplicate definition rejects the whole
// load without touching the index.
func (s *MemoryStore) Load(ctx context.Context, defs []*Policy) error {
	seen := make(map[string]bool, len(defs))
	for _, p := range defs {
		if err := Validate(p); err != nil {
			return err
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: %q appears twice in load", ErrDuplicatePolicy, p.ID)
		}
		seen[p.ID] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range defs {
		if _, exists := s.policies[p.ID]; exists {
			return fmt.Errorf("%w: %q", ErrDuplicatePolicy, p.ID)
		}
	}
	for _, p := range defs {
		s.policies[p.ID] = clone(p)
	}
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, p *Policy) error {
	if err := Validate(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.policies[p.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicatePolicy, p.ID)
	}
	s.policies[p.ID] = clone(p)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPolicyNotFound, id)
	}
	return clone(p), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, p *Policy) error {
	if err := Validate(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.policies[p.ID]; !exists {
		return fmt.Errorf("%w: %q", ErrPolicyNotFound, p.ID)
	}
	s.policies[p.ID] = clone(p)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.policies[id]; !exists {
		return fmt.Errorf("%w: %q", ErrPolicyNotFound, id)
	}
	delete(s.policies, id)
	return nil
}

// clone copies a policy so callers never share rule slices with the index.
func clone(p *Policy) *Policy {
	cp := *p
	cp.Rules = make([]Rule, len(p.Rules))
	copy(cp.Rules, p.Rules)
	return &cp
}
