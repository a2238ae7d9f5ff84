// Package viewsync keeps an in-memory view of runs and pages in sync with the
// backing store by merging snapshots with a live stream of change events.
package viewsync

import (
	"fmt"

	"github.com/xiaot623/crawlwatch/internal/domain"
)

// Scope identifies one watched slice of a collection. ParentID filters pages
// by run; an empty ParentID means the whole collection.
type Scope struct {
	Collection domain.Collection
	ParentID   string
}

// RunsScope is the scope of every run.
func RunsScope() Scope {
	return Scope{Collection: domain.CollectionRuns}
}

// PagesScope is the scope of the pages of runID, or of every page when runID is empty.
func PagesScope(runID string) Scope {
	return Scope{Collection: domain.CollectionPages, ParentID: runID}
}

// Validate reports whether the scope can be watched.
func (s Scope) Validate() error {
	if !s.Collection.Valid() {
		return fmt.Errorf("unknown collection %q", s.Collection)
	}
	if s.Collection == domain.CollectionRuns && s.ParentID != "" {
		return fmt.Errorf("runs scope cannot be filtered by parent")
	}
	return nil
}

func (s Scope) String() string {
	if s.ParentID == "" {
		return string(s.Collection)
	}
	return string(s.Collection) + "/" + s.ParentID
}

// coversRun reports whether a page owned by runID falls inside a pages scope.
func (s Scope) coversRun(runID string) bool {
	return s.Collection == domain.CollectionPages && (s.ParentID == "" || s.ParentID == runID)
}
