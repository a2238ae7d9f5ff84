package viewsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/xiaot623/crawlwatch/internal/domain"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mkRun(id string, createdSec int, status domain.RunStatus) domain.Run {
	return domain.Run{
		ID:        id,
		Name:      "run " + id,
		URL:       "https://" + id + ".test",
		Status:    status,
		CreatedAt: epoch.Add(time.Duration(createdSec) * time.Second),
	}
}

func mkPage(id, runID string, createdSec int) domain.Page {
	return domain.Page{
		ID:        id,
		RunID:     runID,
		URL:       "https://site.test/" + id,
		Status:    domain.PageStatusPending,
		CreatedAt: epoch.Add(time.Duration(createdSec) * time.Second),
	}
}

func ids[T Entity](items []T) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.EntityID())
	}
	return out
}

func TestOrderedSetOrdering(t *testing.T) {
	s := newOrderedSet[domain.Run]()
	s.Upsert(mkRun("b", 1, domain.RunStatusPending))
	s.Upsert(mkRun("c", 2, domain.RunStatusPending))
	s.Upsert(mkRun("a", 1, domain.RunStatusPending))
	s.Upsert(mkRun("d", 0, domain.RunStatusPending))

	assert.Equal(t, []string{"c", "a", "b", "d"}, ids(s.All()))
	assert.Equal(t, 4, s.Len())
}

func TestOrderedSetUpsertReplacesInPlace(t *testing.T) {
	s := newOrderedSet[domain.Run]()
	s.Upsert(mkRun("a", 1, domain.RunStatusPending))
	s.Upsert(mkRun("b", 2, domain.RunStatusPending))

	existed := s.Upsert(mkRun("a", 1, domain.RunStatusRunning))
	assert.True(t, existed)
	assert.Equal(t, []string{"b", "a"}, ids(s.All()))
	got, ok := s.Get("a")
	assert.True(t, ok)
	assert.Equal(t, domain.RunStatusRunning, got.Status)

	// A changed created_at moves the entity.
	s.Upsert(mkRun("a", 3, domain.RunStatusRunning))
	assert.Equal(t, []string{"a", "b"}, ids(s.All()))
	assert.Equal(t, 2, s.Len())
}

func TestOrderedSetRemove(t *testing.T) {
	s := newOrderedSet[domain.Page]()
	s.Upsert(mkPage("p1", "R1", 1))
	s.Upsert(mkPage("p2", "R1", 2))

	_, ok := s.Remove("missing")
	assert.False(t, ok)

	removed, ok := s.Remove("p1")
	assert.True(t, ok)
	assert.Equal(t, "p1", removed.ID)
	assert.Equal(t, []string{"p2"}, ids(s.All()))
	_, ok = s.Get("p1")
	assert.False(t, ok)
}

func TestOrderedSetPublishedCopiesAreStable(t *testing.T) {
	s := newOrderedSet[domain.Run]()
	s.Upsert(mkRun("a", 1, domain.RunStatusPending))

	before := s.All()
	beforeIndex := s.Index()
	assert.Same(t, &before[0], &s.All()[0], "unchanged set republishes the cached slice")

	s.Upsert(mkRun("b", 2, domain.RunStatusPending))
	s.Remove("a")

	assert.Equal(t, []string{"a"}, ids(before))
	assert.Contains(t, beforeIndex, "a")
	assert.Equal(t, []string{"b"}, ids(s.All()))
}

func TestOrderedSetResetSortsAndDedups(t *testing.T) {
	s := newOrderedSet[domain.Run]()
	s.Upsert(mkRun("old", 9, domain.RunStatusPending))
	s.Reset([]domain.Run{
		mkRun("x", 1, domain.RunStatusPending),
		mkRun("y", 5, domain.RunStatusPending),
		mkRun("x", 1, domain.RunStatusRunning),
	})

	assert.Equal(t, []string{"y", "x"}, ids(s.All()))
	_, ok := s.Get("old")
	assert.False(t, ok)

	s.Reset(nil)
	assert.Empty(t, s.All())
	assert.NotNil(t, s.All())
}
