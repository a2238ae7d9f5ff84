package domain

import (
	"encoding/json"
	"time"
)

// Change is a row-level mutation event as emitted by the backing store.
//
// New carries the row after the mutation (insert, update) and Old the row
// before it (update, delete) when the store knows it.
type Change struct {
	EventID     string          `json:"event_id"`
	Collection  Collection      `json:"collection"`
	Operation   Operation       `json:"operation"`
	EntityID    string          `json:"entity_id"`
	ParentID    string          `json:"parent_id,omitempty"` // owning run for pages
	New         json.RawMessage `json:"new,omitempty"`
	Old         json.RawMessage `json:"old,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`
}
