package viewsync

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xiaot623/crawlwatch/internal/domain"
)

// Mutation is a decoded change event for entities of type T. It is one of
// Insert, Update or Delete; consumers dispatch through a Visitor.
type Mutation[T Entity] interface {
	ID() string
	Accept(v Visitor[T])
	sealed()
}

// Visitor handles every kind of Mutation.
type Visitor[T Entity] interface {
	VisitInsert(m Insert[T])
	VisitUpdate(m Update[T])
	VisitDelete(m Delete[T])
}

// Insert adds a new entity.
type Insert[T Entity] struct {
	New T
}

// Update replaces the full state of an entity. Old is set when the store sent it.
type Update[T Entity] struct {
	New T
	Old *T
}

// Delete removes an entity. Old is set when the store sent it.
type Delete[T Entity] struct {
	EntityID string
	Old      *T
}

func (m Insert[T]) ID() string          { return m.New.EntityID() }
func (m Insert[T]) Accept(v Visitor[T]) { v.VisitInsert(m) }
func (Insert[T]) sealed()               {}
func (m Update[T]) ID() string          { return m.New.EntityID() }
func (m Update[T]) Accept(v Visitor[T]) { v.VisitUpdate(m) }
func (Update[T]) sealed()               {}
func (m Delete[T]) ID() string          { return m.EntityID }
func (m Delete[T]) Accept(v Visitor[T]) { v.VisitDelete(m) }
func (Delete[T]) sealed()               {}

// Decode turns a wire change into a typed mutation. It fails with a
// *MalformedEventError when the change cannot be applied.
func Decode[T Entity](c domain.Change) (Mutation[T], error) {
	if c.EntityID == "" {
		return nil, malformed(c.EventID, ReasonMissingID, nil)
	}
	switch c.Operation {
	case domain.OperationInsert:
		newState, err := decodeState[T](c, c.New, true)
		if err != nil {
			return nil, err
		}
		return Insert[T]{New: *newState}, nil
	case domain.OperationUpdate:
		newState, err := decodeState[T](c, c.New, true)
		if err != nil {
			return nil, err
		}
		oldState, err := decodeState[T](c, c.Old, false)
		if err != nil {
			return nil, err
		}
		return Update[T]{New: *newState, Old: oldState}, nil
	case domain.OperationDelete:
		oldState, err := decodeState[T](c, c.Old, false)
		if err != nil {
			return nil, err
		}
		return Delete[T]{EntityID: c.EntityID, Old: oldState}, nil
	default:
		return nil, malformed(c.EventID, ReasonUnknownOperation, fmt.Errorf("operation %q", c.Operation))
	}
}

func decodeState[T Entity](c domain.Change, raw json.RawMessage, required bool) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		if required {
			return nil, malformed(c.EventID, ReasonMissingState, nil)
		}
		return nil, nil
	}
	var state T
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, malformed(c.EventID, ReasonUndecodableState, err)
	}
	if state.EntityID() != c.EntityID {
		return nil, malformed(c.EventID, ReasonIDMismatch,
			fmt.Errorf("state id %q, event id %q", state.EntityID(), c.EntityID))
	}
	return &state, nil
}

// malformedReason extracts the reason of a decode failure.
func malformedReason(err error) MalformedReason {
	var me *MalformedEventError
	if errors.As(err, &me) {
		return me.Reason
	}
	return ReasonUndecodableState
}
