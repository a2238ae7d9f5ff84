package viewsync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/xiaot623/crawlwatch/internal/domain"
	"github.com/xiaot623/crawlwatch/internal/metrics"
)

// subscriber keeps one scope synchronized. Each attempt is a generation:
// the generation is announced to the loop, the change subscription is
// opened, and only then is the snapshot loaded, so no change committed after
// the snapshot can be missed. When the subscription drops, events of the old
// generation still queued are discarded and a new generation starts.
type subscriber struct {
	scope   Scope
	loader  SnapshotLoader
	source  ChangeSource
	queue   chan<- item
	nextGen func() uint64
	timeout time.Duration
	backoff *backoff.ExponentialBackOff
	log     *slog.Logger
}

func (v *View) newSubscriber(scope Scope) *subscriber {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = v.opts.ReconnectMin
	b.MaxInterval = v.opts.ReconnectMax
	b.Reset()
	return &subscriber{
		scope:   scope,
		loader:  v.loader,
		source:  v.source,
		queue:   v.queue,
		nextGen: func() uint64 { return v.gen.Add(1) },
		timeout: v.opts.SnapshotTimeout,
		backoff: b,
		log:     v.log.With("scope", scope.String()),
	}
}

func (s *subscriber) run(ctx context.Context) {
	collection := string(s.scope.Collection)
	for {
		gen := s.nextGen()
		if !s.send(ctx, beginItem{scope: s.scope, gen: gen, retired: ctx.Done()}) {
			return
		}
		err := s.sync(ctx, gen)
		if ctx.Err() != nil {
			return
		}
		metrics.ViewSubscriptionDrops.WithLabelValues(collection).Inc()
		s.log.Warn("subscription dropped", "generation", gen, "error", err)
		if !s.send(ctx, statusItem{scope: s.scope, gen: gen, retired: ctx.Done(), status: StatusReconnecting, err: err}) {
			return
		}
		if !sleep(ctx, s.backoff.NextBackOff()) {
			return
		}
	}
}

// sync runs one generation and returns why it ended.
func (s *subscriber) sync(ctx context.Context, gen uint64) error {
	sub, err := s.source.Subscribe(ctx, s.scope, func(change domain.Change) {
		s.send(ctx, eventItem{scope: s.scope, gen: gen, retired: ctx.Done(), change: change})
	})
	if err != nil {
		return dropError(err)
	}
	defer sub.Unsubscribe()
	s.log.Debug("subscribed", "generation", gen)

	for {
		snap, err := s.load(ctx)
		if err == nil {
			s.send(ctx, snapshotItem{scope: s.scope, gen: gen, retired: ctx.Done(), snap: snap})
			s.backoff.Reset()
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.ViewSnapshotErrors.WithLabelValues(string(s.scope.Collection)).Inc()
		s.log.Error("snapshot failed", "generation", gen, "error", err)
		s.send(ctx, statusItem{scope: s.scope, gen: gen, retired: ctx.Done(), status: StatusError, err: err})

		timer := time.NewTimer(s.backoff.NextBackOff())
		select {
		case <-sub.Done():
			timer.Stop()
			return dropError(sub.Err())
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	select {
	case <-sub.Done():
		return dropError(sub.Err())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscriber) load(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	snap, err := s.loader.Load(ctx, s.scope)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, &FetchError{Scope: s.scope, Err: err}
	}
	if snap == nil {
		return nil, &FetchError{Scope: s.scope, Err: errors.New("empty snapshot")}
	}
	out := *snap
	out.Scope = s.scope
	return &out, nil
}

// send queues it for the loop, blocking while the queue is full.
func (s *subscriber) send(ctx context.Context, it item) bool {
	select {
	case s.queue <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
