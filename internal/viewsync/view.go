package viewsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaot623/crawlwatch/internal/domain"
	"github.com/xiaot623/crawlwatch/internal/metrics"
)

var (
	// ErrNotActive is returned when watching a scope on an inactive view.
	ErrNotActive = errors.New("view is not active")
	// ErrAlreadyActive is returned by Activate on an active view.
	ErrAlreadyActive = errors.New("view is already active")
)

// Options configures a View.
type Options struct {
	// QueueSize bounds the processing queue; producers block when it is full.
	QueueSize int
	// MaxBatch bounds how many queued items one notification covers.
	MaxBatch        int
	SnapshotTimeout time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	Logger          *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 512
	}
	if o.SnapshotTimeout <= 0 {
		o.SnapshotTimeout = 15 * time.Second
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 250 * time.Millisecond
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = max(30*time.Second, o.ReconnectMin)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// View owns a ViewStore and the subscriptions feeding it. All snapshot
// results and change events of every watched scope go through one queue
// consumed by a single goroutine, the only writer of the view.
type View struct {
	loader SnapshotLoader
	source ChangeSource
	store  *ViewStore
	opts   Options
	log    *slog.Logger

	gen atomic.Uint64

	mu       sync.Mutex
	active   bool
	ctx      context.Context
	cancel   context.CancelFunc
	queue    chan item
	loopDone chan struct{}
	watches  map[Scope]*watch
}

type watch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewView creates an inactive view.
func NewView(loader SnapshotLoader, source ChangeSource, opts Options) *View {
	opts = opts.withDefaults()
	return &View{
		loader: loader,
		source: source,
		store:  NewViewStore(),
		opts:   opts,
		log:    opts.Logger.With("component", "viewsync"),
	}
}

// Store returns the view's store.
func (v *View) Store() *ViewStore {
	return v.store
}

// Activate starts the processing goroutine with an empty view. Subscriptions
// end when ctx is done; Deactivate releases the view.
func (v *View) Activate(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active {
		return ErrAlreadyActive
	}
	v.ctx, v.cancel = context.WithCancel(ctx)
	v.queue = make(chan item, v.opts.QueueSize)
	v.loopDone = make(chan struct{})
	v.watches = make(map[Scope]*watch)
	v.active = true

	r := newReconciler(v.log)
	v.store.publish(r.state(), false)
	go v.run(r, v.queue, v.loopDone)
	v.log.Info("view activated")
	return nil
}

// Deactivate tears down every subscription and stops the processing
// goroutine. Listeners are not called once it returns.
func (v *View) Deactivate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.active {
		return
	}
	for scope, w := range v.watches {
		w.cancel()
		<-w.done
		delete(v.watches, scope)
	}
	v.send(controlItem{stop: true})
	<-v.loopDone
	v.cancel()
	v.active = false
	v.log.Info("view deactivated")
}

// Watch starts synchronizing scope. Watching a watched scope does nothing.
func (v *View) Watch(scope Scope) error {
	if err := scope.Validate(); err != nil {
		return fmt.Errorf("failed to watch %s: %w", scope, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.active {
		return ErrNotActive
	}
	if _, ok := v.watches[scope]; ok {
		return nil
	}
	v.send(controlItem{apply: func(r *reconciler) bool { return r.watch(scope) }})

	ctx, cancel := context.WithCancel(v.ctx)
	w := &watch{cancel: cancel, done: make(chan struct{})}
	v.watches[scope] = w
	s := v.newSubscriber(scope)
	go func() {
		defer close(w.done)
		s.run(ctx)
	}()
	v.log.Info("watching scope", "scope", scope.String())
	return nil
}

// Unwatch stops synchronizing scope. Events of the scope still queued are
// discarded, and when it returns the rows no other watched scope covers are
// gone from the view.
func (v *View) Unwatch(scope Scope) {
	v.mu.Lock()
	defer v.mu.Unlock()
	w, ok := v.watches[scope]
	if !ok {
		return
	}
	delete(v.watches, scope)
	w.cancel()
	<-w.done
	v.send(controlItem{apply: func(r *reconciler) bool { return r.unwatch(scope) }})
	v.log.Info("unwatched scope", "scope", scope.String())
}

// Watching reports whether scope is watched.
func (v *View) Watching(scope Scope) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.watches[scope]
	return ok
}

// send hands a control item to the loop and waits until it has been applied
// and published. Callers hold mu.
func (v *View) send(c controlItem) {
	c.done = make(chan struct{})
	v.queue <- c
	<-c.done
}

// item is a unit of work for the processing goroutine.
type item interface {
	isItem()
}

// Scope items carry the done channel of the watch that produced them. Once it
// is closed the item is discarded, even if it is already queued.

// beginItem opens a subscription generation of a scope.
type beginItem struct {
	scope   Scope
	gen     uint64
	retired <-chan struct{}
}

type eventItem struct {
	scope   Scope
	gen     uint64
	retired <-chan struct{}
	change  domain.Change
}

type snapshotItem struct {
	scope   Scope
	gen     uint64
	retired <-chan struct{}
	snap    *Snapshot
}

type statusItem struct {
	scope   Scope
	gen     uint64
	retired <-chan struct{}
	status  ScopeStatus
	err     error
}

type controlItem struct {
	apply func(*reconciler) bool
	stop  bool
	done  chan struct{}
}

func (beginItem) isItem()    {}
func (eventItem) isItem()    {}
func (snapshotItem) isItem() {}
func (statusItem) isItem()   {}
func (controlItem) isItem()  {}

// run is the processing loop. It blocks for one item, drains whatever is
// already queued up to MaxBatch, and publishes once for the whole batch.
func (v *View) run(r *reconciler, queue <-chan item, done chan<- struct{}) {
	defer close(done)
	var acks []chan struct{}
	for {
		it := <-queue
		n := 1
		changed, stop := v.handle(r, it, &acks)
	drain:
		for n < v.opts.MaxBatch && !stop {
			select {
			case it := <-queue:
				n++
				c, s := v.handle(r, it, &acks)
				changed = changed || c
				stop = s
			default:
				break drain
			}
		}
		if changed {
			metrics.ViewBatchSize.Observe(float64(n))
			v.store.publish(r.state(), !stop)
		}
		for _, ack := range acks {
			close(ack)
		}
		acks = acks[:0]
		if stop {
			return
		}
	}
}

func (v *View) handle(r *reconciler, it item, acks *[]chan struct{}) (changed, stop bool) {
	switch it := it.(type) {
	case controlItem:
		*acks = append(*acks, it.done)
		if it.apply != nil {
			changed = it.apply(r)
		}
		return changed, it.stop
	case beginItem:
		if retired(it.retired) || !r.begin(it.scope, it.gen) {
			metrics.ViewStaleEvents.Inc()
		}
		return false, false
	case eventItem:
		if retired(it.retired) || r.current(it.scope, it.gen) == nil {
			metrics.ViewStaleEvents.Inc()
			v.log.Debug("discarding stale event", "scope", it.scope.String(), "event_id", it.change.EventID)
			return false, false
		}
		return r.applyChange(it.scope, it.change), false
	case snapshotItem:
		ss := r.current(it.scope, it.gen)
		if retired(it.retired) || ss == nil {
			metrics.ViewStaleEvents.Inc()
			return false, false
		}
		r.mergeSnapshot(ss, it.snap)
		return true, false
	case statusItem:
		ss := r.current(it.scope, it.gen)
		if retired(it.retired) || ss == nil {
			metrics.ViewStaleEvents.Inc()
			return false, false
		}
		return r.setStatus(ss, it.status, it.err), false
	}
	return false, false
}

func retired(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
