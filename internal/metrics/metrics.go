// Package metrics holds the Prometheus collectors shared by the feed server
// and the view synchronization engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FeedConnections tracks open change-stream connections by collection.
	FeedConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crawlwatch_feed_connections",
		Help: "Open change-stream connections by collection",
	}, []string{"collection"})

	// FeedChangesPublished counts changes published by the backing store.
	FeedChangesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlwatch_feed_changes_published_total",
		Help: "Changes published to the feed by collection and operation",
	}, []string{"collection", "operation"})

	// FeedSlowSubscribers counts connections dropped because their buffer filled up.
	FeedSlowSubscribers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawlwatch_feed_slow_subscribers_total",
		Help: "Change-stream connections closed because their send buffer was full",
	})

	// ViewEventsApplied counts stream events applied by the reconciler.
	ViewEventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlwatch_view_events_applied_total",
		Help: "Stream events applied to views by collection and operation",
	}, []string{"collection", "operation"})

	// ViewMalformedEvents counts dropped events by reason.
	ViewMalformedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlwatch_view_malformed_events_total",
		Help: "Stream events dropped as malformed, by reason",
	}, []string{"reason"})

	// ViewStaleEvents counts events discarded because their subscription
	// generation had been replaced or torn down.
	ViewStaleEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawlwatch_view_stale_events_total",
		Help: "Queued events discarded after resubscribe or teardown",
	})

	// ViewSnapshots counts merged snapshots by collection and kind (initial, resync).
	ViewSnapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlwatch_view_snapshots_total",
		Help: "Snapshots merged into views by collection and kind",
	}, []string{"collection", "kind"})

	// ViewSnapshotErrors counts failed snapshot loads.
	ViewSnapshotErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlwatch_view_snapshot_errors_total",
		Help: "Failed snapshot loads by collection",
	}, []string{"collection"})

	// ViewSubscriptionDrops counts dropped change subscriptions.
	ViewSubscriptionDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlwatch_view_subscription_drops_total",
		Help: "Dropped change subscriptions by collection",
	}, []string{"collection"})

	// ViewBatchSize tracks how many queued items each notification covered.
	ViewBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crawlwatch_view_batch_size",
		Help:    "Queue items applied per listener notification",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 to 512
	})
)
