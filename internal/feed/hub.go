// Package feed fans committed changes out to change-stream subscribers.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/xiaot623/crawlwatch/internal/domain"
	"github.com/xiaot623/crawlwatch/internal/metrics"
)

// Scope selects the changes a subscriber receives. An empty RunID on the
// pages collection means every page.
type Scope struct {
	Collection domain.Collection
	RunID      string
}

// Subscriber represents a single change-stream connection.
type Subscriber struct {
	ID    string
	Scope Scope
	Send  chan []byte
}

// Hub manages all change-stream subscribers.
type Hub struct {
	// Subscribers indexed by subscriber ID
	subscribers map[string]*Subscriber

	// scopes maps a scope to the set of subscriber IDs
	scopes map[Scope]map[string]bool

	// Channels for registration/unregistration
	register   chan *Subscriber
	unregister chan *Subscriber

	// Changes waiting to be fanned out, in publish order
	broadcast chan domain.Change

	bufferSize int
	done       chan struct{}
	log        *slog.Logger
	mu         sync.RWMutex
}

// NewHub creates a new Hub whose subscribers buffer up to bufferSize messages.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		scopes:      make(map[Scope]map[string]bool),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan domain.Change, 1024),
		bufferSize:  bufferSize,
		done:        make(chan struct{}),
		log:         slog.Default().With("component", "feed"),
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, sub := range h.subscribers {
				h.remove(sub)
			}
			h.mu.Unlock()
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub.ID] = sub
			if h.scopes[sub.Scope] == nil {
				h.scopes[sub.Scope] = make(map[string]bool)
			}
			h.scopes[sub.Scope][sub.ID] = true
			h.mu.Unlock()
			metrics.FeedConnections.WithLabelValues(string(sub.Scope.Collection)).Inc()
			h.log.Debug("subscriber registered", "id", sub.ID, "collection", sub.Scope.Collection, "run_id", sub.Scope.RunID)

		case sub := <-h.unregister:
			h.mu.Lock()
			h.remove(sub)
			h.mu.Unlock()

		case change := <-h.broadcast:
			h.fanOut(change)
		}
	}
}

// NewSubscriber creates a subscriber for scope. It receives nothing until registered.
func (h *Hub) NewSubscriber(scope Scope) *Subscriber {
	return &Subscriber{
		ID:    uuid.New().String(),
		Scope: scope,
		Send:  make(chan []byte, h.bufferSize),
	}
}

// Register registers a subscriber. Every change published after Register
// returns is delivered to it.
func (h *Hub) Register(sub *Subscriber) bool {
	select {
	case h.register <- sub:
		return true
	case <-h.done:
		return false
	}
}

// Unregister unregisters a subscriber and closes its Send channel.
func (h *Hub) Unregister(sub *Subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Publish stamps change with an event id and queues it for fan-out.
func (h *Hub) Publish(change domain.Change) {
	change.EventID = ulid.Make().String()
	metrics.FeedChangesPublished.WithLabelValues(string(change.Collection), string(change.Operation)).Inc()
	select {
	case h.broadcast <- change:
	case <-h.done:
	}
}

// GetConnectionCount returns the number of registered subscribers.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// GetScopeCount returns the number of distinct scopes with subscribers.
func (h *Hub) GetScopeCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.scopes)
}

func (h *Hub) fanOut(change domain.Change) {
	data, err := json.Marshal(ChangeMessage{
		BaseMessage: BaseMessage{Type: TypeChange, Ts: time.Now().UnixMilli()},
		Change:      change,
	})
	if err != nil {
		h.log.Error("failed to marshal change", "event_id", change.EventID, "error", err)
		return
	}

	targets := []Scope{{Collection: change.Collection}}
	if change.Collection == domain.CollectionPages && change.ParentID != "" {
		targets = append(targets, Scope{Collection: change.Collection, RunID: change.ParentID})
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, scope := range targets {
		for id := range h.scopes[scope] {
			sub, ok := h.subscribers[id]
			if !ok {
				continue
			}
			select {
			case sub.Send <- data:
			default:
				// Buffer full, the subscriber resynchronizes after reconnecting
				h.log.Warn("subscriber buffer full, closing", "id", id)
				metrics.FeedSlowSubscribers.Inc()
				h.remove(sub)
			}
		}
	}
}

// remove drops sub from the indexes. Callers hold mu.
func (h *Hub) remove(sub *Subscriber) {
	if _, ok := h.subscribers[sub.ID]; !ok {
		return
	}
	delete(h.subscribers, sub.ID)
	if ids := h.scopes[sub.Scope]; ids != nil {
		delete(ids, sub.ID)
		if len(ids) == 0 {
			delete(h.scopes, sub.Scope)
		}
	}
	close(sub.Send)
	metrics.FeedConnections.WithLabelValues(string(sub.Scope.Collection)).Dec()
	h.log.Debug("subscriber unregistered", "id", sub.ID)
}
