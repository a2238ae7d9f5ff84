// Package repository persists runs and pages and publishes every committed
// mutation as a change event.
package repository

import (
	"context"
	"errors"

	"github.com/xiaot623/crawlwatch/internal/domain"
)

// ErrNotFound is returned by mutations that target a missing row.
var ErrNotFound = errors.New("not found")

// ChangePublisher receives committed mutations in commit order.
type ChangePublisher interface {
	Publish(change domain.Change)
}

// Store defines the interface for data persistence.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context) ([]domain.Run, error)
	UpdateRun(ctx context.Context, runID string, mutate func(*domain.Run) error) (*domain.Run, error)
	DeleteRun(ctx context.Context, runID string) error

	// Page operations
	CreatePage(ctx context.Context, page *domain.Page) (bool, error)
	GetPage(ctx context.Context, pageID string) (*domain.Page, error)
	ListPages(ctx context.Context, runID string) ([]domain.Page, error)
	UpdatePage(ctx context.Context, pageID string, mutate func(*domain.Page) error) (*domain.Page, error)
	DeletePage(ctx context.Context, pageID string) error

	// Lifecycle
	Close() error
}
