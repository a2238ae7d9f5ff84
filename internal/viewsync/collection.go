package viewsync

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Entity is a row the view can hold.
type Entity interface {
	EntityID() string
	Created() time.Time
}

// compareEntities orders by creation time descending, then id ascending.
func compareEntities[T Entity](a, b T) int {
	if c := b.Created().Compare(a.Created()); c != 0 {
		return c
	}
	return strings.Compare(a.EntityID(), b.EntityID())
}

// orderedSet keeps entities sorted with an id index. Published slices and
// maps are copies cached until the next mutation, so readers never observe a
// later change.
type orderedSet[T Entity] struct {
	items []T
	index map[string]T

	published      []T
	publishedIndex map[string]T
}

func newOrderedSet[T Entity]() *orderedSet[T] {
	return &orderedSet[T]{index: make(map[string]T)}
}

func (s *orderedSet[T]) Len() int { return len(s.items) }

func (s *orderedSet[T]) Get(id string) (T, bool) {
	item, ok := s.index[id]
	return item, ok
}

// Upsert adds item or replaces the entity with the same id, moving it only if
// its position changed. It reports whether the id was already present.
func (s *orderedSet[T]) Upsert(item T) bool {
	s.invalidate()
	id := item.EntityID()
	old, existed := s.index[id]
	if existed {
		i, _ := slices.BinarySearchFunc(s.items, old, compareEntities[T])
		if old.Created().Equal(item.Created()) {
			s.items[i] = item
			s.index[id] = item
			return true
		}
		s.items = slices.Delete(s.items, i, i+1)
	}
	i, _ := slices.BinarySearchFunc(s.items, item, compareEntities[T])
	s.items = slices.Insert(s.items, i, item)
	s.index[id] = item
	return existed
}

// Remove deletes id and returns the removed entity.
func (s *orderedSet[T]) Remove(id string) (T, bool) {
	old, ok := s.index[id]
	if !ok {
		return old, false
	}
	s.invalidate()
	i, _ := slices.BinarySearchFunc(s.items, old, compareEntities[T])
	s.items = slices.Delete(s.items, i, i+1)
	delete(s.index, id)
	return old, true
}

// Reset replaces the content with items, sorting once.
func (s *orderedSet[T]) Reset(items []T) {
	s.invalidate()
	s.index = make(map[string]T, len(items))
	s.items = s.items[:0]
	for _, item := range items {
		if _, dup := s.index[item.EntityID()]; dup {
			continue
		}
		s.index[item.EntityID()] = item
		s.items = append(s.items, item)
	}
	slices.SortFunc(s.items, compareEntities[T])
}

// All returns the entities in order. The slice must not be modified.
func (s *orderedSet[T]) All() []T {
	if s.published == nil {
		s.published = slices.Clone(s.items)
		if s.published == nil {
			s.published = []T{}
		}
	}
	return s.published
}

// Index returns the id index. The map must not be modified.
func (s *orderedSet[T]) Index() map[string]T {
	if s.publishedIndex == nil {
		s.publishedIndex = maps.Clone(s.index)
	}
	return s.publishedIndex
}

func (s *orderedSet[T]) invalidate() {
	s.published = nil
	s.publishedIndex = nil
}
