// Package domain defines the core domain models for crawlwatch.
package domain

// RunStatus represents the status of a crawl run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether a run in this status will not change any more.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted ||
		s == RunStatusFailed ||
		s == RunStatusCancelled
}

// PageStatus represents the scan status of a discovered page.
type PageStatus string

const (
	PageStatusPending   PageStatus = "pending"
	PageStatusScanning  PageStatus = "scanning"
	PageStatusCompleted PageStatus = "completed"
	PageStatusSkipped   PageStatus = "skipped"
	PageStatusFailed    PageStatus = "failed"
)

// Valid reports whether s is a known page status.
func (s PageStatus) Valid() bool {
	switch s {
	case PageStatusPending, PageStatusScanning, PageStatusCompleted, PageStatusSkipped, PageStatusFailed:
		return true
	}
	return false
}

// Collection names one of the two synchronized tables.
type Collection string

const (
	CollectionRuns  Collection = "runs"
	CollectionPages Collection = "pages"
)

// Valid reports whether c names a known collection.
func (c Collection) Valid() bool {
	return c == CollectionRuns || c == CollectionPages
}

// Operation is the kind of row mutation carried by a change event.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)
