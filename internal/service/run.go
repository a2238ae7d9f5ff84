package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/crawlwatch/internal/domain"
)

// ListRuns returns every run, newest first.
func (s *Service) ListRuns(ctx context.Context) ([]domain.Run, error) {
	runs, err := s.store.ListRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// GetRun returns a run or ErrRunNotFound.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return run, nil
}

// CreateRun creates a pending run.
func (s *Service) CreateRun(ctx context.Context, req domain.CreateRunRequest) (*domain.Run, error) {
	if req.Name == "" {
		return nil, invalid("name is required")
	}
	if req.URL == "" {
		return nil, invalid("url is required")
	}

	run := &domain.Run{
		Name:      req.Name,
		URL:       req.URL,
		Status:    domain.RunStatusPending,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// UpdateRun changes the status or error count of a run. Entering running
// stamps started_at once; entering a terminal status stamps finished_at.
func (s *Service) UpdateRun(ctx context.Context, runID string, req domain.UpdateRunRequest) (*domain.Run, error) {
	if req.Status != nil && !req.Status.Valid() {
		return nil, invalid("invalid status: %s", *req.Status)
	}
	if req.ErrorCount != nil && *req.ErrorCount < 0 {
		return nil, invalid("error_count must not be negative")
	}

	run, err := s.store.UpdateRun(ctx, runID, func(run *domain.Run) error {
		if req.Status != nil {
			s.transitionRun(run, *req.Status)
		}
		if req.ErrorCount != nil {
			run.ErrorCount = *req.ErrorCount
		}
		return nil
	})
	if err != nil {
		return nil, notFound(err, ErrRunNotFound)
	}
	return run, nil
}

func (s *Service) transitionRun(run *domain.Run, status domain.RunStatus) {
	if status == run.Status {
		return
	}
	now := s.now()
	run.Status = status
	if status == domain.RunStatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if status.Terminal() {
		run.FinishedAt = &now
	}
}

// DeleteRun deletes a run and its pages.
func (s *Service) DeleteRun(ctx context.Context, runID string) error {
	if err := s.store.DeleteRun(ctx, runID); err != nil {
		return notFound(err, ErrRunNotFound)
	}
	return nil
}
