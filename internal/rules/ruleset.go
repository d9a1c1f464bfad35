package rules

import (
	"context"
	"sort"
	"sync"
)

// Store is the persistence collaborator the engine reads rules from and
// writes runtime state back to.
type Store interface {
	ListByUser(ctx context.Context, userID string) ([]*Rule, error)
	SaveRuntime(ctx context.Context, r *Rule) error
}

// Set is a per-user, hot-reloadable view of the rule store. The engine takes
// a fresh snapshot at the start of every tick, so edits made through the API
// while the loop runs are picked up on the next tick without restarting.
type Set struct {
	userID string
	store  Store

	mu   sync.RWMutex
	last []*Rule
}

// NewSet creates a rule set bound to one user.
func NewSet(userID string, store Store) *Set {
	return &Set{userID: userID, store: store}
}

// Snapshot re-reads the backing store and returns the enabled rules in
// deterministic evaluation order: priority ascending, then rule id. On store
// failure the previous snapshot is returned so a transient persistence error
// does not blank out a tick.
func (s *Set) Snapshot(ctx context.Context) ([]*Rule, error) {
	loaded, err := s.store.ListByUser(ctx, s.userID)
	if err != nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.last, err
	}

	active := make([]*Rule, 0, len(loaded))
	for _, r := range loaded {
		if r.Enabled {
			active = append(active, r)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].ID < active[j].ID
	})

	s.mu.Lock()
	s.last = active
	s.mu.Unlock()
	return active, nil
}

// Cached returns the most recent snapshot without touching the store.
func (s *Set) Cached() []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Rule, len(s.last))
	copy(out, s.last)
	return out
}

// SaveRuntime writes a rule's mutable runtime fields back to the store.
func (s *Set) SaveRuntime(ctx context.Context, r *Rule) error {
	return s.store.SaveRuntime(ctx, r)
}
