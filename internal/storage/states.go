package storage

import (
	"context"
	"sync"
	"time"

	logx "watchbot/pkg/logx"
)

// StateStore wraps a Backend with the watch state policy:
//   - Get never fails; a missing or unreadable record reads as the empty state
//   - writes for one id are serialized
type StateStore struct {
	backend Backend
	log     logx.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStateStore(b Backend, log logx.Logger) *StateStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &StateStore{backend: b, log: log.With(logx.String("comp", "state")), now: time.Now, locks: map[string]*sync.Mutex{}}
}

func (s *StateStore) Backend() Backend { return s.backend }

func (s *StateStore) lock(id string) func() {
	s.mu.Lock()
	l := s.locks[id]
	if l == nil {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Get loads the state for id. Problems are logged and the empty state is
// returned; the next successful Put repairs the record.
func (s *StateStore) Get(ctx context.Context, id string) WatchState {
	st, ok, err := s.backend.LoadState(ctx, id)
	if err != nil {
		s.log.Error("state record unreadable; using empty state", logx.String("watcher", id), logx.Err(err))
		return WatchState{}
	}
	if !ok {
		s.log.Debug("no state record; using empty state", logx.String("watcher", id))
		return WatchState{}
	}
	if err := st.Validate(); err != nil {
		s.log.Error("state record invalid; using empty state", logx.String("watcher", id), logx.Err(err))
		return WatchState{}
	}
	return st
}

// Put replaces the record for id, stamping UpdatedAt.
func (s *StateStore) Put(ctx context.Context, id string, st WatchState) error {
	unlock := s.lock(id)
	defer unlock()
	return s.putLocked(ctx, id, st)
}

func (s *StateStore) putLocked(ctx context.Context, id string, st WatchState) error {
	st.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	return s.backend.SaveState(ctx, id, st)
}

// Update runs a read-modify-write under the id lock. When fn returns an error
// nothing is written.
func (s *StateStore) Update(ctx context.Context, id string, fn func(st *WatchState) error) (WatchState, error) {
	unlock := s.lock(id)
	defer unlock()

	st := s.Get(ctx, id)
	if err := fn(&st); err != nil {
		return WatchState{}, err
	}
	if err := s.putLocked(ctx, id, st); err != nil {
		return WatchState{}, err
	}
	return st, nil
}
