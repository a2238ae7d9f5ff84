package viewsync

import (
	"errors"
	"fmt"
)

// ErrSubscriptionDropped marks the end of a change subscription that was not
// requested by the view. The view resnapshots and resubscribes.
var ErrSubscriptionDropped = errors.New("subscription dropped")

// FetchError reports a failed snapshot load. No row of a failed load is merged.
type FetchError struct {
	Scope Scope
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to load snapshot for %s: %v", e.Scope, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// MalformedReason classifies a dropped change event.
type MalformedReason string

const (
	ReasonMissingID         MalformedReason = "missing_id"
	ReasonUnknownOperation  MalformedReason = "unknown_operation"
	ReasonUnknownCollection MalformedReason = "unknown_collection"
	ReasonMissingState      MalformedReason = "missing_state"
	ReasonUndecodableState  MalformedReason = "undecodable_state"
	ReasonIDMismatch        MalformedReason = "id_mismatch"
	ReasonOutOfScope        MalformedReason = "out_of_scope"
)

// MalformedEventError describes a change event that cannot be applied.
type MalformedEventError struct {
	EventID string
	Reason  MalformedReason
	Err     error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event %q: %s: %v", e.EventID, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed event %q: %s", e.EventID, e.Reason)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

func malformed(eventID string, reason MalformedReason, err error) *MalformedEventError {
	return &MalformedEventError{EventID: eventID, Reason: reason, Err: err}
}

// dropError wraps the transport cause of a dropped subscription.
func dropError(cause error) error {
	switch {
	case cause == nil:
		return ErrSubscriptionDropped
	case errors.Is(cause, ErrSubscriptionDropped):
		return cause
	default:
		return fmt.Errorf("%w: %w", ErrSubscriptionDropped, cause)
	}
}
