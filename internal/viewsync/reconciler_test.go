package viewsync

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/crawlwatch/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startScope watches scope and opens its first generation.
func startScope(t *testing.T, r *reconciler, scope Scope, gen uint64) *scopeSync {
	t.Helper()
	r.watch(scope)
	require.True(t, r.begin(scope, gen))
	ss := r.current(scope, gen)
	require.NotNil(t, ss)
	return ss
}

func TestReconcilerSnapshotThenUpdate(t *testing.T) {
	r := newReconciler(discardLogger())
	ss := startScope(t, r, RunsScope(), 1)

	r.mergeSnapshot(ss, &Snapshot{Scope: RunsScope(), Runs: []domain.Run{mkRun("R1", 0, domain.RunStatusPending)}})
	r.applyChange(RunsScope(), runChange(t, domain.OperationUpdate, mkRun("R1", 0, domain.RunStatusRunning), nil))

	run, ok := r.state().Run("R1")
	require.True(t, ok)
	assert.Equal(t, domain.RunStatusRunning, run.Status)
}

func TestReconcilerInsertsBeforeSnapshot(t *testing.T) {
	r := newReconciler(discardLogger())
	scope := PagesScope("R1")
	ss := startScope(t, r, scope, 1)

	pages := []domain.Page{mkPage("p1", "R1", 1), mkPage("p2", "R1", 2), mkPage("p3", "R1", 3)}
	for _, p := range pages {
		r.applyChange(scope, pageChange(t, domain.OperationInsert, p, nil))
	}
	r.mergeSnapshot(ss, &Snapshot{Scope: scope, Pages: pages})

	st := r.state()
	assert.Equal(t, []string{"p3", "p2", "p1"}, ids(st.PagesOf("R1")))
	assert.Equal(t, 3, st.PageCount("R1"))
}

func TestReconcilerDeleteOfUnknownPage(t *testing.T) {
	r := newReconciler(discardLogger())
	scope := PagesScope("R1")
	ss := startScope(t, r, scope, 1)
	r.mergeSnapshot(ss, &Snapshot{Scope: scope, Pages: []domain.Page{mkPage("p1", "R1", 1)}})
	before := r.state()

	changed := r.applyChange(scope, pageChange(t, domain.OperationDelete, domain.Page{ID: "p9", RunID: "R1"}, nil))

	assert.False(t, changed)
	after := r.state()
	assert.Equal(t, 1, after.PageCount("R1"))
	assert.Equal(t, ids(before.PagesOf("R1")), ids(after.PagesOf("R1")))
	assert.Zero(t, after.Malformed)
}

func TestReconcilerDuplicateInsertIsIdempotent(t *testing.T) {
	once := newReconciler(discardLogger())
	twice := newReconciler(discardLogger())
	scope := PagesScope("R1")
	for _, r := range []*reconciler{once, twice} {
		ss := startScope(t, r, scope, 1)
		r.mergeSnapshot(ss, &Snapshot{Scope: scope})
	}

	insert := pageChange(t, domain.OperationInsert, mkPage("p1", "R1", 1), nil)
	once.applyChange(scope, insert)
	twice.applyChange(scope, insert)
	twice.applyChange(scope, insert)

	a, b := once.state(), twice.state()
	assert.Empty(t, cmp.Diff(a.Pages, b.Pages))
	assert.Empty(t, cmp.Diff(a.PageCounts, b.PageCounts))
	assert.Equal(t, 1, b.PageCount("R1"))
}

func TestReconcilerUpdateOfAbsentIsNoop(t *testing.T) {
	r := newReconciler(discardLogger())
	ss := startScope(t, r, RunsScope(), 1)
	r.mergeSnapshot(ss, &Snapshot{Scope: RunsScope()})

	changed := r.applyChange(RunsScope(), runChange(t, domain.OperationUpdate, mkRun("ghost", 0, domain.RunStatusRunning), nil))

	assert.False(t, changed)
	assert.Empty(t, r.state().Runs)
}

func TestReconcilerSnapshotDoesNotResurrectDeletes(t *testing.T) {
	r := newReconciler(discardLogger())
	scope := PagesScope("R1")
	ss := startScope(t, r, scope, 1)

	r.applyChange(scope, pageChange(t, domain.OperationDelete, mkPage("p2", "R1", 2), nil))
	r.mergeSnapshot(ss, &Snapshot{Scope: scope, Pages: []domain.Page{mkPage("p1", "R1", 1), mkPage("p2", "R1", 2)}})

	st := r.state()
	assert.Equal(t, []string{"p1"}, ids(st.PagesOf("R1")))
	assert.Equal(t, 1, st.PageCount("R1"))
}

func TestReconcilerStreamStateWinsOverSnapshot(t *testing.T) {
	r := newReconciler(discardLogger())
	ss := startScope(t, r, RunsScope(), 1)

	// The update arrives before the run is known and the snapshot predates it.
	r.applyChange(RunsScope(), runChange(t, domain.OperationUpdate, mkRun("R1", 0, domain.RunStatusRunning), nil))
	r.applyChange(RunsScope(), runChange(t, domain.OperationInsert, mkRun("R2", 1, domain.RunStatusPending), nil))
	r.applyChange(RunsScope(), runChange(t, domain.OperationUpdate, mkRun("R2", 1, domain.RunStatusFailed), nil))
	r.mergeSnapshot(ss, &Snapshot{Scope: RunsScope(), Runs: []domain.Run{
		mkRun("R1", 0, domain.RunStatusPending),
		mkRun("R2", 1, domain.RunStatusPending),
	}})

	st := r.state()
	r1, _ := st.Run("R1")
	r2, _ := st.Run("R2")
	assert.Equal(t, domain.RunStatusRunning, r1.Status)
	assert.Equal(t, domain.RunStatusFailed, r2.Status)
	assert.Equal(t, StatusLive, st.Scopes[RunsScope()].Status)
}

func TestReconcilerResnapshotConvergesGap(t *testing.T) {
	r := newReconciler(discardLogger())
	ss := startScope(t, r, RunsScope(), 1)
	r.mergeSnapshot(ss, &Snapshot{Scope: RunsScope(), Runs: []domain.Run{
		mkRun("R1", 0, domain.RunStatusPending),
		mkRun("R2", 1, domain.RunStatusPending),
		mkRun("R3", 2, domain.RunStatusPending),
	}})

	// Reconnect: R2 was deleted and R1 completed during the gap, R3 moves
	// on after the new subscription is up.
	require.True(t, r.begin(RunsScope(), 2))
	assert.Nil(t, r.current(RunsScope(), 1))
	r.applyChange(RunsScope(), runChange(t, domain.OperationUpdate, mkRun("R3", 2, domain.RunStatusRunning), nil))
	ss = r.current(RunsScope(), 2)
	r.mergeSnapshot(ss, &Snapshot{Scope: RunsScope(), Runs: []domain.Run{
		mkRun("R1", 0, domain.RunStatusCompleted),
		mkRun("R3", 2, domain.RunStatusPending),
		mkRun("R4", 3, domain.RunStatusPending),
	}})

	st := r.state()
	assert.Equal(t, []string{"R4", "R3", "R1"}, ids(st.Runs))
	r1, _ := st.Run("R1")
	r3, _ := st.Run("R3")
	assert.Equal(t, domain.RunStatusCompleted, r1.Status)
	assert.Equal(t, domain.RunStatusRunning, r3.Status)
}

// TestReconcilerGlobalEventsTouchResyncingRunScope covers events delivered on
// the global pages scope while a run scope re-reads a snapshot that predates
// them.
func TestReconcilerGlobalEventsTouchResyncingRunScope(t *testing.T) {
	for _, deliveries := range []int{1, 2} {
		t.Run(fmt.Sprintf("delivered %dx", deliveries), func(t *testing.T) {
			r := newReconciler(discardLogger())
			global := PagesScope("")
			r1 := PagesScope("R1")
			p1 := mkPage("p1", "R1", 1)
			p2 := mkPage("p2", "R1", 2)

			ss := startScope(t, r, global, 1)
			r.mergeSnapshot(ss, &Snapshot{Scope: global, Pages: []domain.Page{p1}})
			ss = startScope(t, r, r1, 1)
			r.mergeSnapshot(ss, &Snapshot{Scope: r1, Pages: []domain.Page{p1}})

			// R1 reconnects; its snapshot is read before the events commit.
			require.True(t, r.begin(r1, 2))
			events := []domain.Change{
				pageChange(t, domain.OperationDelete, p1, nil),
				pageChange(t, domain.OperationInsert, p2, nil),
			}
			for i := 0; i < deliveries; i++ {
				for _, c := range events {
					r.applyChange(global, c)
				}
			}
			r.mergeSnapshot(r.current(r1, 2), &Snapshot{Scope: r1, Pages: []domain.Page{p1}})

			st := r.state()
			assert.Equal(t, []string{"p2"}, ids(st.PagesOf("R1")))
			assert.Equal(t, 1, st.PageCount("R1"))
			assert.Equal(t, StatusLive, st.Scopes[r1].Status)

			// Redelivery after the merge leaves the same view.
			for _, c := range events {
				r.applyChange(global, c)
			}
			st = r.state()
			assert.Equal(t, []string{"p2"}, ids(st.PagesOf("R1")))
			assert.Equal(t, 1, st.PageCount("R1"))
			assert.Zero(t, st.Malformed)
		})
	}
}

type multiError []string

func (e multiError) Error() string { return fmt.Sprint([]string(e)) }

func TestReconcilerSetStatusWithUncomparableError(t *testing.T) {
	r := newReconciler(discardLogger())
	ss := startScope(t, r, RunsScope(), 1)

	err := multiError{"dial", "refused"}
	require.NotPanics(t, func() {
		assert.True(t, r.setStatus(ss, StatusReconnecting, err))
		assert.True(t, r.setStatus(ss, StatusReconnecting, err))
	})
	assert.Equal(t, error(err), ss.state.Err)

	assert.True(t, r.setStatus(ss, StatusReconnecting, nil))
	assert.False(t, r.setStatus(ss, StatusReconnecting, nil))
	assert.True(t, r.setStatus(ss, StatusLoading, nil))
}

func TestReconcilerRunIDRewriteIgnored(t *testing.T) {
	r := newReconciler(discardLogger())
	scope := PagesScope("")
	ss := startScope(t, r, scope, 1)
	r.mergeSnapshot(ss, &Snapshot{Scope: scope, Pages: []domain.Page{mkPage("p1", "R1", 1)}})

	moved := mkPage("p1", "R2", 1)
	moved.Title = "Moved"
	r.applyChange(scope, pageChange(t, domain.OperationUpdate, moved, nil))

	st := r.state()
	require.Len(t, st.PagesOf("R1"), 1)
	assert.Equal(t, "Moved", st.PagesOf("R1")[0].Title)
	assert.Equal(t, "R1", st.PagesOf("R1")[0].RunID)
	assert.Empty(t, st.PagesOf("R2"))
	assert.Equal(t, 1, st.PageCount("R1"))
	assert.Zero(t, st.PageCount("R2"))
	assert.Equal(t, 1, st.RunIDRewrites)
}

func TestReconcilerMalformedEventsAreCounted(t *testing.T) {
	r := newReconciler(discardLogger())
	ss := startScope(t, r, PagesScope("R1"), 1)
	r.mergeSnapshot(ss, &Snapshot{Scope: PagesScope("R1"), Pages: []domain.Page{mkPage("p1", "R1", 1)}})

	missingID := pageChange(t, domain.OperationInsert, mkPage("p2", "R1", 2), nil)
	missingID.EntityID = ""
	unknownOp := pageChange(t, domain.OperationInsert, mkPage("p2", "R1", 2), nil)
	unknownOp.Operation = "merge"
	unknownCollection := pageChange(t, domain.OperationInsert, mkPage("p2", "R1", 2), nil)
	unknownCollection.Collection = "sites"
	wrongRun := pageChange(t, domain.OperationInsert, mkPage("p3", "R9", 3), nil)
	runEvent := runChange(t, domain.OperationInsert, mkRun("R1", 0, domain.RunStatusPending), nil)

	for _, c := range []domain.Change{missingID, unknownOp, unknownCollection, wrongRun, runEvent} {
		assert.True(t, r.applyChange(PagesScope("R1"), c))
	}

	st := r.state()
	assert.Equal(t, 5, st.Malformed)
	assert.Equal(t, []string{"p1"}, ids(st.PagesOf("R1")))
	assert.Empty(t, st.PagesOf("R9"))
	assert.Empty(t, st.Runs)
}

func TestReconcilerStaleGeneration(t *testing.T) {
	r := newReconciler(discardLogger())
	startScope(t, r, RunsScope(), 5)

	assert.False(t, r.begin(RunsScope(), 4), "older generation cannot take over")
	assert.Nil(t, r.current(RunsScope(), 4))
	assert.False(t, r.begin(PagesScope("R1"), 6), "unwatched scope")
}

func TestReconcilerUnwatch(t *testing.T) {
	r := newReconciler(discardLogger())
	global := PagesScope("")
	r1 := PagesScope("R1")

	ss := startScope(t, r, r1, 1)
	r.mergeSnapshot(ss, &Snapshot{Scope: r1, Pages: []domain.Page{mkPage("p1", "R1", 1)}})
	ss = startScope(t, r, global, 2)
	r.mergeSnapshot(ss, &Snapshot{Scope: global, Pages: []domain.Page{mkPage("p1", "R1", 1), mkPage("q1", "R2", 1)}})

	assert.Equal(t, 1, r.state().PageCount("R2"))

	// The global scope still covers R1.
	require.True(t, r.unwatch(r1))
	st := r.state()
	assert.Equal(t, 1, st.PageCount("R1"))
	assert.NotContains(t, st.Scopes, r1)

	require.True(t, r.unwatch(global))
	st = r.state()
	assert.Empty(t, st.Pages)
	assert.Empty(t, st.PageCounts)
	assert.False(t, r.unwatch(global))
}

func TestReconcilerWatchedRunWithoutPages(t *testing.T) {
	r := newReconciler(discardLogger())
	scope := PagesScope("R1")
	ss := startScope(t, r, scope, 1)

	st := r.state()
	assert.Contains(t, st.Pages, "R1")
	assert.Equal(t, StatusLoading, st.Scopes[scope].Status)

	r.mergeSnapshot(ss, &Snapshot{Scope: scope})
	st = r.state()
	assert.NotNil(t, st.PagesOf("R1"))
	assert.Zero(t, st.PageCount("R1"))
}

// TestReconcilerConvergence replays random histories. The subscription
// starts when the view holds an older state; the snapshot is read after k
// events and delivered after j of them. The final view must equal the
// ground truth.
func TestReconcilerConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 300; iter++ {
		t.Run(fmt.Sprintf("history-%d", iter), func(t *testing.T) {
			h := newHistory(rng)
			for i := 0; i < rng.Intn(6); i++ {
				h.step(t, rng)
			}
			previous := h.truthPages()
			for i := 0; i < rng.Intn(6); i++ {
				h.step(t, rng)
			}
			// Gap closed; the new subscription sees every later event.
			h.events = nil
			start := h.truthPages()
			n := rng.Intn(12)
			k := rng.Intn(n + 1)
			var snapshot []domain.Page
			if k == 0 {
				snapshot = start
			}
			for i := 0; i < n; i++ {
				h.step(t, rng)
				if i+1 == k {
					snapshot = h.truthPages()
				}
			}
			j := rng.Intn(n + 1)

			r := newReconciler(discardLogger())
			scope := PagesScope("R1")
			ss := startScope(t, r, scope, 1)
			if iter%2 == 1 {
				r.mergeSnapshot(ss, &Snapshot{Scope: scope, Pages: previous})
				require.True(t, r.begin(scope, 2))
				ss = r.current(scope, 2)
			}
			for i, c := range h.events {
				if i == j {
					r.mergeSnapshot(ss, &Snapshot{Scope: scope, Pages: snapshot})
				}
				r.applyChange(scope, c)
			}
			if j == len(h.events) {
				r.mergeSnapshot(ss, &Snapshot{Scope: scope, Pages: snapshot})
			}

			st := r.state()
			want := h.truthPages()
			slices.SortFunc(want, compareEntities[domain.Page])
			if diff := cmp.Diff(want, st.PagesOf("R1"), cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("view diverged from truth (k=%d j=%d) (-want +got):\n%s", k, j, diff)
			}
			assert.Equal(t, len(want), st.PageCount("R1"))
			assert.Equal(t, len(st.PagesOf("R1")), st.PageCount("R1"))
		})
	}
}

// history is an in-memory ground truth table emitting the change of every mutation.
type history struct {
	truth  map[string]domain.Page
	nextID int
	events []domain.Change
}

func newHistory(rng *rand.Rand) *history {
	h := &history{truth: make(map[string]domain.Page)}
	for i := 0; i < rng.Intn(4); i++ {
		h.nextID++
		p := mkPage(fmt.Sprintf("p%02d", h.nextID), "R1", rng.Intn(5))
		h.truth[p.ID] = p
	}
	return h
}

func (h *history) step(t *testing.T, rng *rand.Rand) {
	existing := make([]string, 0, len(h.truth))
	for id := range h.truth {
		existing = append(existing, id)
	}
	slices.Sort(existing)

	switch op := rng.Intn(3); {
	case op == 0 || len(existing) == 0:
		h.nextID++
		p := mkPage(fmt.Sprintf("p%02d", h.nextID), "R1", rng.Intn(5))
		h.truth[p.ID] = p
		h.events = append(h.events, pageChange(t, domain.OperationInsert, p, nil))
	case op == 1:
		old := h.truth[existing[rng.Intn(len(existing))]]
		p := old
		p.TotalHits++
		p.Title = fmt.Sprintf("v%d", p.TotalHits)
		h.truth[p.ID] = p
		h.events = append(h.events, pageChange(t, domain.OperationUpdate, p, &old))
	default:
		old := h.truth[existing[rng.Intn(len(existing))]]
		delete(h.truth, old.ID)
		var oldState *domain.Page
		if rng.Intn(2) == 0 {
			oldState = &old
		}
		c := pageChange(t, domain.OperationDelete, old, oldState)
		h.events = append(h.events, c)
	}
}

func (h *history) truthPages() []domain.Page {
	out := make([]domain.Page, 0, len(h.truth))
	for _, p := range h.truth {
		out = append(out, p)
	}
	return out
}
