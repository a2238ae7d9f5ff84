package v1

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/xiaot623/crawlwatch/internal/domain"
	"github.com/xiaot623/crawlwatch/internal/feed"
)

// StreamChanges upgrades to a WebSocket delivering the changes of one scope.
// The first message is a subscribed ack sent once every later commit is
// guaranteed to reach the connection.
// GET /v1/changes?collection=runs|pages[&run_id=R]
func (h *Handler) StreamChanges(c echo.Context) error {
	scope := feed.Scope{
		Collection: domain.Collection(c.QueryParam("collection")),
		RunID:      c.QueryParam("run_id"),
	}
	if err := h.service.ValidateScope(scope); err != nil {
		return serviceError(c, err)
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn("failed to upgrade websocket", "error", err)
		return nil
	}
	ws.SetReadLimit(h.cfg.MaxMessageSize)

	sub, err := h.service.Subscribe(scope)
	if err != nil {
		h.closeWithError(ws, feed.ErrorCodeUnavailable, err.Error(), websocket.CloseTryAgainLater)
		return nil
	}

	ack, err := json.Marshal(feed.SubscribedMessage{
		BaseMessage:    feed.BaseMessage{Type: feed.TypeSubscribed, Ts: time.Now().UnixMilli()},
		SubscriptionID: sub.ID,
		Collection:     scope.Collection,
		RunID:          scope.RunID,
	})
	if err == nil {
		ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		err = ws.WriteMessage(websocket.TextMessage, ack)
	}
	if err != nil {
		h.log.Warn("failed to send subscribed ack", "subscriber", sub.ID, "error", err)
		h.service.Unsubscribe(sub)
		ws.Close()
		return nil
	}

	go h.writePump(ws, sub)
	go h.readPump(ws, sub)
	return nil
}

// readPump discards client messages and detects closed connections.
func (h *Handler) readPump(ws *websocket.Conn, sub *feed.Subscriber) {
	defer func() {
		h.service.Unsubscribe(sub)
		ws.Close()
	}()

	ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket error", "subscriber", sub.ID, "error", err)
			}
			return
		}
	}
}

// writePump writes queued changes and keepalive pings.
func (h *Handler) writePump(ws *websocket.Conn, sub *feed.Subscriber) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-sub.Send:
			if !ok {
				// Hub dropped the subscriber; the client must resubscribe.
				h.closeWithError(ws, feed.ErrorCodeSubscriptionClosed, "subscription closed", websocket.CloseTryAgainLater)
				return
			}
			ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Warn("failed to write change", "subscriber", sub.ID, "error", err)
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeWithError sends an error frame followed by a close frame.
func (h *Handler) closeWithError(ws *websocket.Conn, code, message string, closeCode int) {
	defer ws.Close()

	data, err := json.Marshal(feed.ErrorMessage{
		BaseMessage: feed.BaseMessage{Type: feed.TypeError, Ts: time.Now().UnixMilli()},
		Code:        code,
		Message:     message,
	})
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, message))
}
