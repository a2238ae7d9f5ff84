// Package service holds the crawl-run operations of the feed daemon: input
// validation, run and page lifecycle rules, and change-stream subscriptions.
package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/crawlwatch/internal/config"
	"github.com/xiaot623/crawlwatch/internal/feed"
	"github.com/xiaot623/crawlwatch/internal/repository"
)

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrPageNotFound = errors.New("page not found")
	// ErrFeedClosed is returned by Subscribe once the hub has stopped.
	ErrFeedClosed = errors.New("change feed is closed")
)

// ValidationError reports a rejected request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

type Service struct {
	store  repository.Store
	hub    *feed.Hub
	config *config.Config
	now    func() time.Time
}

func New(store repository.Store, hub *feed.Hub, cfg *config.Config) *Service {
	return &Service{
		store:  store,
		hub:    hub,
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Config returns the daemon configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// notFound maps the repository's sentinel onto target.
func notFound(err, target error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return target
	}
	return err
}
