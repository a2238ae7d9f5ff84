package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/crawlwatch/internal/domain"
)

// ListPages returns the pages of a run, or every page when runID is empty.
func (s *Service) ListPages(ctx context.Context, runID string) ([]domain.Page, error) {
	pages, err := s.store.ListPages(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	return pages, nil
}

// GetPage returns a page or ErrPageNotFound.
func (s *Service) GetPage(ctx context.Context, pageID string) (*domain.Page, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get page: %w", err)
	}
	if page == nil {
		return nil, ErrPageNotFound
	}
	return page, nil
}

// CreatePage records a page of a run. Recording a url the run already has
// returns the existing page with created false.
func (s *Service) CreatePage(ctx context.Context, runID string, req domain.CreatePageRequest) (*domain.Page, bool, error) {
	if req.URL == "" {
		return nil, false, invalid("url is required")
	}
	if !validScore(req.Score) {
		return nil, false, invalid("score must be between 0 and 1")
	}

	page := &domain.Page{
		RunID:     runID,
		URL:       req.URL,
		Title:     req.Title,
		Score:     req.Score,
		Status:    domain.PageStatusPending,
		CreatedAt: s.now(),
	}
	created, err := s.store.CreatePage(ctx, page)
	if err != nil {
		return nil, false, notFound(err, ErrRunNotFound)
	}
	return page, created, nil
}

// UpdatePage records scan progress of a page. Completing a scan stamps
// last_scanned_at.
func (s *Service) UpdatePage(ctx context.Context, pageID string, req domain.UpdatePageRequest) (*domain.Page, error) {
	if req.Status != nil && !req.Status.Valid() {
		return nil, invalid("invalid status: %s", *req.Status)
	}
	if !validScore(req.Score) {
		return nil, invalid("score must be between 0 and 1")
	}
	if req.TotalHits != nil && *req.TotalHits < 0 {
		return nil, invalid("total_hits must not be negative")
	}

	page, err := s.store.UpdatePage(ctx, pageID, func(page *domain.Page) error {
		if req.Title != nil {
			page.Title = *req.Title
		}
		if req.Score != nil {
			page.Score = req.Score
		}
		if req.TotalHits != nil {
			page.TotalHits = *req.TotalHits
		}
		if req.Notes != nil {
			page.Notes = *req.Notes
		}
		if req.Status != nil {
			page.Status = *req.Status
			if page.Status == domain.PageStatusCompleted {
				now := s.now()
				page.LastScannedAt = &now
			}
		}
		return nil
	})
	if err != nil {
		return nil, notFound(err, ErrPageNotFound)
	}
	return page, nil
}

// DeletePage deletes a page.
func (s *Service) DeletePage(ctx context.Context, pageID string) error {
	if err := s.store.DeletePage(ctx, pageID); err != nil {
		return notFound(err, ErrPageNotFound)
	}
	return nil
}

func validScore(score *float64) bool {
	return score == nil || (*score >= 0 && *score <= 1)
}
