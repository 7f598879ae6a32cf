package session

import (
	"sort"
	"sync"
	"time"

	"github.com/whep-bench/whepbench/internal/stats"
	"github.com/whep-bench/whepbench/internal/whep"
)

// Store aggregates the latest snapshot of every session. It is written by the
// single event-stream consumer and read concurrently by observers (HTTP
// handlers, the report).
type Store struct {
	mu       sync.RWMutex
	sessions map[int]*SessionState
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[int]*SessionState),
	}
}

func (s *Store) Get(id int) (*SessionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// GetAll returns copies of every session ordered by id.
func (s *Store) GetAll() []*SessionState {
	s.mu.RLock()
	result := make([]*SessionState, 0, len(s.sessions))
	for _, st := range s.sessions {
		result = append(result, st.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Starting records a session that began negotiating.
func (s *Store) Starting(id int, at time.Time) *SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &SessionState{ID: id, State: Negotiating, StartedAt: at}
	s.sessions[id] = st
	return st.Clone()
}

// MarkConnected records the connectivity instant. It only applies once.
func (s *Store) MarkConnected(id int, at time.Time) *SessionState {
	return s.mutate(id, at, func(st *SessionState) {
		if st.ConnectedAt != nil || st.State.IsTerminal() {
			return
		}
		t := at
		st.ConnectedAt = &t
		st.State = Connected
	})
}

// RecordStats stores the latest stats sample.
func (s *Store) RecordStats(id int, at time.Time, sample stats.Stats) *SessionState {
	return s.mutate(id, at, func(st *SessionState) {
		if st.State.IsTerminal() {
			return
		}
		st.Stats = sample
		st.StatsCount++
	})
}

// MarkEnded moves the session to its terminal state. A nil err means the
// session ended normally.
func (s *Store) MarkEnded(id int, at time.Time, err error) *SessionState {
	return s.mutate(id, at, func(st *SessionState) {
		if st.State.IsTerminal() {
			return
		}
		t := at
		st.EndedAt = &t
		if err != nil {
			st.State = Failed
			st.Error = err.Error()
			st.ErrorClass = whep.Class(err)
			return
		}
		st.State = Disconnected
	})
}

// mutate applies fn to the session, creating it if the stream skipped its
// start event.
func (s *Store) mutate(id int, at time.Time, fn func(*SessionState)) *SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		st = &SessionState{ID: id, State: Negotiating, StartedAt: at}
		s.sessions[id] = st
	}
	fn(st)
	return st.Clone()
}

// ActiveCount returns the number of non-terminal sessions.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, st := range s.sessions {
		if !st.State.IsTerminal() {
			count++
		}
	}
	return count
}

// Counts tallies sessions per state.
func (s *Store) Counts() map[State]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[State]int, len(stateNames))
	for _, st := range s.sessions {
		counts[st.State]++
	}
	return counts
}
