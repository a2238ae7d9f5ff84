package domain

import "time"

// Run represents a single crawl job.
type Run struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	URL        string     `json:"url"`
	Status     RunStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ErrorCount int        `json:"error_count"`
}

// Page represents a URL discovered within a run.
type Page struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	URL       string     `json:"url"`
	Title     string     `json:"title,omitempty"`
	Score     *float64   `json:"score,omitempty"` // 0.0-1.0
	Status    PageStatus `json:"status"`
	TotalHits int        `json:"total_hits"`
	// Notes holds why a page was skipped or failed.
	Notes         string     `json:"notes,omitempty"`
	LastScannedAt *time.Time `json:"last_scanned_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// EntityID returns the run id.
func (r Run) EntityID() string { return r.ID }

// Created returns the run creation time.
func (r Run) Created() time.Time { return r.CreatedAt }

// EntityID returns the page id.
func (p Page) EntityID() string { return p.ID }

// Created returns the page creation time.
func (p Page) Created() time.Time { return p.CreatedAt }
