package duty

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store is the persistence contract for duties.
type Store interface {
	Save(ctx context.Context, d *Duty) error
	Get(ctx context.Context, id string) (*Duty, error)
	// List returns all duties ordered by creation time then id.
	List(ctx context.Context) ([]*Duty, error)
	// FindDue returns a snapshot of non-terminal duties whose expiry is
	// at or before now (see Duty.Due), so a Tick pass is bounded by the
	// snapshot size.
	FindDue(ctx context.Context, now time.Time) ([]*Duty, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	duties map[string]*Duty
}

// NewMemoryStore creates an empty in-memory duty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{duties: make(map[string]*Duty)}
}

func (s *MemoryStore) Save(ctx context.Context, d *Duty) error {
	if d.ID == "" {
		return fmt.Errorf("duty save: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.duties[d.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Duty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.duties[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDutyNotFound, id)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Duty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Duty, 0, len(s.duties))
	for _, d := range s.duties {
		cp := *d
		out = append(out, &cp)
	}
	sortDuties(out)
	return out, nil
}

func (s *MemoryStore) FindDue(ctx context.Context, now time.Time) ([]*Duty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Duty
	for _, d := range s.duties {
		if d.Due(now) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sortDuties(out)
	return out, nil
}

func sortDuties(out []*Duty) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}
