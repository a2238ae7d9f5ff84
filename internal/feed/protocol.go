package feed

import "github.com/xiaot623/crawlwatch/internal/domain"

// Message types from feed to subscriber
const (
	TypeSubscribed = "subscribed"
	TypeChange     = "change"
	TypeError      = "error"
)

// Error codes
const (
	// ErrorCodeUnavailable rejects a subscription because the feed is shutting down.
	ErrorCodeUnavailable = "FEED_UNAVAILABLE"
	// ErrorCodeSubscriptionClosed ends a subscription the hub dropped, either
	// because its buffer filled up or because the feed stopped. Changes may
	// have been lost; the subscriber must resnapshot.
	ErrorCodeSubscriptionClosed = "SUBSCRIPTION_CLOSED"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// SubscribedMessage is sent once the connection is registered; every change
// committed after it is delivered on the connection.
type SubscribedMessage struct {
	BaseMessage
	SubscriptionID string            `json:"subscription_id"`
	Collection     domain.Collection `json:"collection"`
	RunID          string            `json:"run_id,omitempty"`
}

// ChangeMessage carries one change event.
type ChangeMessage struct {
	BaseMessage
	Change domain.Change `json:"change"`
}

// ErrorMessage is sent right before the server closes a subscription.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}
