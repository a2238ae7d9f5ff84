package viewsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xiaot623/crawlwatch/internal/domain"
)

// fakeBackend is a scripted store: an in-memory table that serves snapshots
// and pushes a change to every live subscription matching it.
type fakeBackend struct {
	t *testing.T

	mu         sync.Mutex
	runs       map[string]domain.Run
	pages      map[string]domain.Page
	subs       []*fakeSubscription
	loadErr    error
	loads      map[Scope]int
	beforeLoad func(Scope)
}

var (
	_ SnapshotLoader = (*fakeBackend)(nil)
	_ ChangeSource   = (*fakeBackend)(nil)
)

func newFakeBackend(t *testing.T) *fakeBackend {
	return &fakeBackend{
		t:     t,
		runs:  make(map[string]domain.Run),
		pages: make(map[string]domain.Page),
		loads: make(map[Scope]int),
	}
}

func (b *fakeBackend) Load(ctx context.Context, scope Scope) (*Snapshot, error) {
	b.mu.Lock()
	hook := b.beforeLoad
	b.mu.Unlock()
	if hook != nil {
		hook(scope)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.loads[scope]++
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	snap := &Snapshot{Scope: scope}
	if scope.Collection == domain.CollectionRuns {
		for _, r := range b.runs {
			snap.Runs = append(snap.Runs, r)
		}
		return snap, nil
	}
	for _, p := range b.pages {
		if scope.coversRun(p.RunID) {
			snap.Pages = append(snap.Pages, p)
		}
	}
	return snap, nil
}

func (b *fakeBackend) Subscribe(ctx context.Context, scope Scope, onEvent func(domain.Change)) (Subscription, error) {
	sub := newFakeSubscription(scope, onEvent)
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *fakeBackend) setLoadErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loadErr = err
}

func (b *fakeBackend) setBeforeLoad(hook func(Scope)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.beforeLoad = hook
}

func (b *fakeBackend) loadCount(scope Scope) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loads[scope]
}

// live returns the subscriptions of scope that have not ended.
func (b *fakeBackend) live(scope Scope) []*fakeSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*fakeSubscription
	for _, s := range b.subs {
		if s.scope == scope && !s.ended() {
			out = append(out, s)
		}
	}
	return out
}

// dropAll ends every live subscription as a transport failure would.
func (b *fakeBackend) dropAll(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.end(err)
	}
}

func (b *fakeBackend) putRun(run domain.Run, emit bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old, existed := b.runs[run.ID]
	b.runs[run.ID] = run
	if !emit {
		return
	}
	if existed {
		b.emitLocked(runChange(b.t, domain.OperationUpdate, run, &old))
	} else {
		b.emitLocked(runChange(b.t, domain.OperationInsert, run, nil))
	}
}

func (b *fakeBackend) putPage(page domain.Page, emit bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old, existed := b.pages[page.ID]
	b.pages[page.ID] = page
	if !emit {
		return
	}
	if existed {
		b.emitLocked(pageChange(b.t, domain.OperationUpdate, page, &old))
	} else {
		b.emitLocked(pageChange(b.t, domain.OperationInsert, page, nil))
	}
}

func (b *fakeBackend) deletePage(id string, emit bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old, existed := b.pages[id]
	delete(b.pages, id)
	if !emit || !existed {
		return
	}
	b.emitLocked(pageChange(b.t, domain.OperationDelete, old, &old))
}

// emit pushes a change without touching the table.
func (b *fakeBackend) emit(c domain.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitLocked(c)
}

func (b *fakeBackend) emitLocked(c domain.Change) {
	for _, s := range b.subs {
		if s.ended() || s.scope.Collection != c.Collection {
			continue
		}
		if s.scope.ParentID != "" && s.scope.ParentID != c.ParentID {
			continue
		}
		s.events <- c
	}
}

// fakeSubscription delivers queued changes on its own goroutine, like a
// transport read loop. Changes still queued when it ends are lost.
type fakeSubscription struct {
	scope   Scope
	onEvent func(domain.Change)
	events  chan domain.Change
	quit    chan struct{}
	done    chan struct{}
	stopped chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newFakeSubscription(scope Scope, onEvent func(domain.Change)) *fakeSubscription {
	s := &fakeSubscription{
		scope:   scope,
		onEvent: onEvent,
		events:  make(chan domain.Change, 1024),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go func() {
		defer close(s.stopped)
		for {
			select {
			case <-s.quit:
				return
			case c := <-s.events:
				s.onEvent(c)
			}
		}
	}()
	return s
}

func (s *fakeSubscription) Done() <-chan struct{} { return s.done }

func (s *fakeSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSubscription) Unsubscribe() {
	s.end(nil)
	<-s.stopped
}

func (s *fakeSubscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.quit)
		close(s.done)
	})
}

func (s *fakeSubscription) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
