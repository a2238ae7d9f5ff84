package feedclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xiaot623/crawlwatch/internal/domain"
	"github.com/xiaot623/crawlwatch/internal/feed"
	"github.com/xiaot623/crawlwatch/internal/viewsync"
)

// Subscribe opens a change stream for scope. It returns once the daemon has
// acknowledged the subscription, so every change committed afterwards is
// delivered to onEvent.
func (c *Client) Subscribe(ctx context.Context, scope viewsync.Scope, onEvent func(domain.Change)) (viewsync.Subscription, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("collection", string(scope.Collection))
	if scope.ParentID != "" {
		q.Set("run_id", scope.ParentID)
	}
	target := c.wsURL() + "/v1/changes?" + q.Encode()

	ws, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial change stream (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial change stream: %w", err)
	}

	if err := c.awaitAck(ws); err != nil {
		ws.Close()
		return nil, err
	}

	s := &stream{
		ws:          ws,
		onEvent:     onEvent,
		readTimeout: c.readTimeout,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		log:         c.log.With("scope", scope.String()),
	}
	go s.readLoop()
	return s, nil
}

func (c *Client) awaitAck(ws *websocket.Conn) error {
	ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read subscription ack: %w", err)
	}
	var base feed.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return fmt.Errorf("failed to decode subscription ack: %w", err)
	}
	switch base.Type {
	case feed.TypeSubscribed:
		return nil
	case feed.TypeError:
		var msg feed.ErrorMessage
		_ = json.Unmarshal(data, &msg)
		return fmt.Errorf("subscription rejected: %s: %s", msg.Code, msg.Message)
	default:
		return fmt.Errorf("unexpected message before ack: %q", base.Type)
	}
}

func (c *Client) wsURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://")
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://")
	default:
		return c.baseURL
	}
}

// stream is a live change subscription over a WebSocket.
type stream struct {
	ws          *websocket.Conn
	onEvent     func(domain.Change)
	readTimeout time.Duration
	log         *slog.Logger

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	mu  sync.Mutex
	err error
}

func (s *stream) Done() <-chan struct{} { return s.done }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe closes the connection and waits for the read loop to exit.
func (s *stream) Unsubscribe() {
	s.quitOnce.Do(func() {
		close(s.quit)
		s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.ws.Close()
	})
	<-s.done
}

func (s *stream) stopping() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *stream) readLoop() {
	defer close(s.done)

	extend := func() { s.ws.SetReadDeadline(time.Now().Add(s.readTimeout)) }
	extend()
	s.ws.SetPingHandler(func(data string) error {
		extend()
		err := s.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		extend()

		var base feed.BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			s.log.Warn("skipping undecodable message", "error", err)
			continue
		}
		switch base.Type {
		case feed.TypeChange:
			change := decodeChange(data)
			if s.stopping() {
				return
			}
			s.onEvent(change)
		case feed.TypeError:
			var msg feed.ErrorMessage
			_ = json.Unmarshal(data, &msg)
			s.fail(fmt.Errorf("feed error: %s: %s", msg.Code, msg.Message))
			s.ws.Close()
			return
		default:
			s.log.Debug("ignoring message", "type", base.Type)
		}
	}
}

// decodeChange extracts the change of a change frame. Fields that do not
// decode are left zero so the view rejects and counts the event instead of
// it vanishing on the wire.
func decodeChange(data []byte) domain.Change {
	var msg feed.ChangeMessage
	if err := json.Unmarshal(data, &msg); err == nil {
		return msg.Change
	}

	var frame struct {
		Change map[string]json.RawMessage `json:"change"`
	}
	var change domain.Change
	if err := json.Unmarshal(data, &frame); err != nil {
		return change
	}
	fields := map[string]any{
		"event_id":     &change.EventID,
		"collection":   &change.Collection,
		"operation":    &change.Operation,
		"entity_id":    &change.EntityID,
		"parent_id":    &change.ParentID,
		"new":          &change.New,
		"old":          &change.Old,
		"committed_at": &change.CommittedAt,
	}
	for name, dst := range fields {
		if raw, ok := frame.Change[name]; ok {
			_ = json.Unmarshal(raw, dst)
		}
	}
	return change
}

// fail records why the stream ended unless it was unsubscribed.
func (s *stream) fail(err error) {
	if s.stopping() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
