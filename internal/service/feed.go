package service

import (
	"github.com/xiaot623/crawlwatch/internal/domain"
	"github.com/xiaot623/crawlwatch/internal/feed"
)

// Health is the daemon status reported on /health.
type Health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Scopes      int    `json:"scopes"`
}

// Health reports the change feed's connection counts.
func (s *Service) Health() Health {
	return Health{
		Status:      "healthy",
		Connections: s.hub.GetConnectionCount(),
		Scopes:      s.hub.GetScopeCount(),
	}
}

// ValidateScope checks a change-stream scope.
func (s *Service) ValidateScope(scope feed.Scope) error {
	if !scope.Collection.Valid() {
		return invalid("collection must be runs or pages")
	}
	if scope.Collection == domain.CollectionRuns && scope.RunID != "" {
		return invalid("run_id filters pages only")
	}
	return nil
}

// Subscribe registers a change-stream subscriber for scope. Every change
// committed after it returns reaches the subscriber's Send channel.
func (s *Service) Subscribe(scope feed.Scope) (*feed.Subscriber, error) {
	if err := s.ValidateScope(scope); err != nil {
		return nil, err
	}
	sub := s.hub.NewSubscriber(scope)
	if !s.hub.Register(sub) {
		return nil, ErrFeedClosed
	}
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its Send channel.
func (s *Service) Unsubscribe(sub *feed.Subscriber) {
	s.hub.Unregister(sub)
}
