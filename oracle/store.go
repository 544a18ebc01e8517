package oracle

import (
	"context"
	"sync"
)

// RoundStore persists accepted rounds. Commit is an unconditional write and
// validation is entirely the caller's job: committing to an existing
// RoundID overwrites the stored record, and the latest pointer always moves
// to the committed round even when its id is lower than the previous
// latest.
type RoundStore interface {
	// Latest returns the most recently committed round, or nil when no
	// round has ever been committed.
	Latest(ctx context.Context) (*Round, error)
	// Get returns the round stored under roundID, or nil when absent.
	Get(ctx context.Context, roundID uint64) (*Round, error)
	// Commit writes the round and repoints latest at it as a single atomic
	// operation.
	Commit(ctx context.Context, round Round) error
}

var _ RoundStore = (*MemoryStore)(nil)

// MemoryStore is the in-process RoundStore used by tests and ephemeral
// deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	rounds    map[uint64]Round
	latest    Round
	hasLatest bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rounds: make(map[uint64]Round)}
}

func (s *MemoryStore) Latest(_ context.Context) (*Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasLatest {
		return nil, nil
	}
	r := s.latest.clone()
	return &r, nil
}

func (s *MemoryStore) Get(_ context.Context, roundID uint64) (*Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	round, exists := s.rounds[roundID]
	if !exists {
		return nil, nil
	}
	r := round.clone()
	return &r, nil
}

func (s *MemoryStore) Commit(_ context.Context, round Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := round.clone()
	s.rounds[r.RoundID] = r
	s.latest = r
	s.hasLatest = true
	return nil
}
