package viewsync

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaot623/crawlwatch/internal/domain"
)

// ScopeStatus is the sync status of a watched scope.
type ScopeStatus string

const (
	StatusLoading      ScopeStatus = "loading"
	StatusLive         ScopeStatus = "live"
	StatusError        ScopeStatus = "error"
	StatusReconnecting ScopeStatus = "reconnecting"
)

// ScopeState describes one watched scope.
type ScopeState struct {
	Status ScopeStatus
	// Err is the last snapshot or subscription failure, cleared once the scope is live.
	Err      error
	SyncedAt time.Time
}

// State is an immutable view of runs and pages. Values shared between
// successive states must not be modified.
type State struct {
	Version uint64

	// Runs ordered by created_at descending, then id.
	Runs []domain.Run
	// Pages of every run with watched pages, in the same order.
	Pages map[string][]domain.Page
	// PageCounts is the number of known pages per run.
	PageCounts map[string]int
	Scopes     map[Scope]ScopeState

	// Malformed counts dropped change events.
	Malformed int
	// RunIDRewrites counts page updates that tried to move a page to another run.
	RunIDRewrites int

	runIndex map[string]domain.Run
}

func emptyState() *State {
	return &State{
		Runs:       []domain.Run{},
		Pages:      map[string][]domain.Page{},
		PageCounts: map[string]int{},
		Scopes:     map[Scope]ScopeState{},
		runIndex:   map[string]domain.Run{},
	}
}

// Run looks up a run by id.
func (s *State) Run(id string) (domain.Run, bool) {
	run, ok := s.runIndex[id]
	return run, ok
}

// PagesOf returns the pages of runID in view order.
func (s *State) PagesOf(runID string) []domain.Page {
	return s.Pages[runID]
}

// PageCount returns the number of known pages of runID.
func (s *State) PageCount(runID string) int {
	return s.PageCounts[runID]
}

// Scope returns the status of a watched scope.
func (s *State) Scope(scope Scope) (ScopeState, bool) {
	st, ok := s.Scopes[scope]
	return st, ok
}

// Listener receives every published state.
type Listener func(*State)

// ViewStore holds the current state and notifies listeners when it changes.
type ViewStore struct {
	current atomic.Pointer[State]

	mu        sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64
}

// NewViewStore creates a store holding an empty state.
func NewViewStore() *ViewStore {
	s := &ViewStore{listeners: make(map[uint64]Listener)}
	s.current.Store(emptyState())
	return s
}

// CurrentState returns the latest state. Safe from any goroutine.
func (s *ViewStore) CurrentState() *State {
	return s.current.Load()
}

// Subscribe registers a listener and returns a function removing it.
// Listeners run on the view's processing goroutine and must not call back
// into the View synchronously.
func (s *ViewStore) Subscribe(listener Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners, id)
		})
	}
}

func (s *ViewStore) publish(state *State, notify bool) {
	s.current.Store(state)
	if !notify {
		return
	}
	s.mu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l(state)
	}
}
