// Package memstore is an in-memory LogStore and BallotStore used by unit
// tests and the rafttest harness. It is grounded on the teacher's kv.Store
// map-plus-mutex style and on the original source's in-memory
// RaftStorage variant (lol-core/src/storage/mod.rs).
package memstore

import (
	"context"
	"sync"

	"github.com/lanraft/lanraft/pkg/raft"
)

// Store is a LogStore and BallotStore backed by a plain map. Not durable
// across process restarts; intended for tests.
type Store struct {
	mu      sync.RWMutex
	entries map[uint64]raft.LogEntry
	head    uint64
	last    uint64
	ballot  raft.Ballot
}

// New returns an empty Store.
func New() *Store {
	return &Store{entries: make(map[uint64]raft.LogEntry)}
}

func (s *Store) InsertEntry(_ context.Context, i uint64, e raft.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[i] = e
	if s.head == 0 || i < s.head {
		s.head = i
	}
	if i > s.last {
		s.last = i
	}
	return nil
}

func (s *Store) DeleteEntry(_ context.Context, i uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, i)
	return nil
}

func (s *Store) DeleteEntriesBefore(_ context.Context, i uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.entries {
		if idx < i {
			delete(s.entries, idx)
		}
	}
	if s.head < i {
		s.head = i
	}
	return nil
}

func (s *Store) DeleteEntriesFrom(_ context.Context, i uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.entries {
		if idx >= i {
			delete(s.entries, idx)
		}
	}
	if i == 0 {
		s.last = 0
		return nil
	}
	s.last = i - 1
	return nil
}

func (s *Store) GetEntry(_ context.Context, i uint64) (raft.LogEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[i]
	return e, ok, nil
}

func (s *Store) GetHeadIndex(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head, nil
}

func (s *Store) GetLastIndex(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, nil
}

func (s *Store) SaveBallot(_ context.Context, b raft.Ballot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ballot = b
	return nil
}

func (s *Store) LoadBallot(_ context.Context) (raft.Ballot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ballot, nil
}

var (
	_ raft.LogStore    = (*Store)(nil)
	_ raft.BallotStore = (*Store)(nil)
)
