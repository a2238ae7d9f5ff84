package viewsync

import (
	"log/slog"
	"time"

	"github.com/xiaot623/crawlwatch/internal/domain"
	"github.com/xiaot623/crawlwatch/internal/metrics"
)

// touch records a stream mutation seen while a scope waits for its snapshot.
type touch[T Entity] struct {
	deleted bool
	state   *T
}

// scopeSync is the reconciler's bookkeeping for one watched scope.
type scopeSync struct {
	gen    uint64
	state  ScopeState
	synced bool

	// Non-nil from the start of a generation until its snapshot is merged.
	runTouched  map[string]touch[domain.Run]
	pageTouched map[string]touch[domain.Page]
}

func (ss *scopeSync) pending() bool {
	return ss.runTouched != nil || ss.pageTouched != nil
}

// reconciler applies snapshots and change events to the view. It is owned by
// the view's processing goroutine and is not safe for concurrent use.
type reconciler struct {
	log       *slog.Logger
	runs      *orderedSet[domain.Run]
	pages     map[string]*orderedSet[domain.Page]
	projector *projector
	scopes    map[Scope]*scopeSync

	malformed int
	rewrites  int
	version   uint64
}

func newReconciler(log *slog.Logger) *reconciler {
	return &reconciler{
		log:       log,
		runs:      newOrderedSet[domain.Run](),
		pages:     make(map[string]*orderedSet[domain.Page]),
		projector: newProjector(),
		scopes:    make(map[Scope]*scopeSync),
	}
}

// watch starts tracking scope.
func (r *reconciler) watch(scope Scope) bool {
	if _, ok := r.scopes[scope]; ok {
		return false
	}
	r.scopes[scope] = &scopeSync{state: ScopeState{Status: StatusLoading}}
	if scope.Collection == domain.CollectionPages && scope.ParentID != "" {
		r.pageSet(scope.ParentID)
	}
	return true
}

// unwatch stops tracking scope and drops the data no other scope covers.
func (r *reconciler) unwatch(scope Scope) bool {
	if _, ok := r.scopes[scope]; !ok {
		return false
	}
	delete(r.scopes, scope)
	switch {
	case scope.Collection == domain.CollectionRuns:
		r.runs.Reset(nil)
	case scope.ParentID != "":
		if _, global := r.scopes[PagesScope("")]; !global {
			r.dropPages(scope.ParentID)
		}
	default:
		for runID := range r.pages {
			if _, watched := r.scopes[PagesScope(runID)]; !watched {
				r.dropPages(runID)
			}
		}
	}
	return true
}

// current returns the bookkeeping of scope if gen is its live generation.
func (r *reconciler) current(scope Scope, gen uint64) *scopeSync {
	ss, ok := r.scopes[scope]
	if !ok || ss.gen != gen {
		return nil
	}
	return ss
}

// begin starts a new subscription generation. Events of older generations
// are stale from now on.
func (r *reconciler) begin(scope Scope, gen uint64) bool {
	ss, ok := r.scopes[scope]
	if !ok || gen < ss.gen {
		return false
	}
	ss.gen = gen
	if scope.Collection == domain.CollectionRuns {
		ss.runTouched = make(map[string]touch[domain.Run])
	} else {
		ss.pageTouched = make(map[string]touch[domain.Page])
	}
	return true
}

// setStatus reports whether the scope state changed. A non-nil err always
// counts as a change; errors are not compared.
func (r *reconciler) setStatus(ss *scopeSync, status ScopeStatus, err error) bool {
	if ss.state.Status == status && err == nil && ss.state.Err == nil {
		return false
	}
	ss.state.Status = status
	ss.state.Err = err
	return true
}

// applyChange applies one stream event delivered on scope.
func (r *reconciler) applyChange(scope Scope, change domain.Change) bool {
	if !change.Collection.Valid() {
		return r.dropMalformed(change, malformed(change.EventID, ReasonUnknownCollection, nil))
	}
	if change.Collection != scope.Collection {
		return r.dropMalformed(change, malformed(change.EventID, ReasonOutOfScope, nil))
	}

	if scope.Collection == domain.CollectionRuns {
		m, err := Decode[domain.Run](change)
		if err != nil {
			return r.dropMalformed(change, err)
		}
		a := &runApplier{r: r}
		m.Accept(a)
		metrics.ViewEventsApplied.WithLabelValues(string(change.Collection), string(change.Operation)).Inc()
		return a.changed
	}

	m, err := Decode[domain.Page](change)
	if err != nil {
		return r.dropMalformed(change, err)
	}
	if runID := mutationRunID(m); scope.ParentID != "" && runID != "" && runID != scope.ParentID {
		return r.dropMalformed(change, malformed(change.EventID, ReasonOutOfScope, nil))
	}
	a := &pageApplier{r: r}
	m.Accept(a)
	metrics.ViewEventsApplied.WithLabelValues(string(change.Collection), string(change.Operation)).Inc()
	return a.changed
}

func (r *reconciler) dropMalformed(change domain.Change, err error) bool {
	reason := malformedReason(err)
	r.malformed++
	metrics.ViewMalformedEvents.WithLabelValues(string(reason)).Inc()
	r.log.Warn("dropping malformed event",
		"event_id", change.EventID,
		"collection", change.Collection,
		"operation", change.Operation,
		"reason", reason,
		"error", err)
	return true
}

// mergeSnapshot unions a snapshot into the view. Ids the stream touched since
// the generation began keep their stream state and deleted ids stay deleted.
// Untouched ids take the snapshot state and untouched ids missing from the
// snapshot are removed.
func (r *reconciler) mergeSnapshot(ss *scopeSync, snap *Snapshot) {
	kind := "initial"
	if ss.synced {
		kind = "resync"
	}
	if snap.Scope.Collection == domain.CollectionRuns {
		r.mergeRuns(ss.runTouched, snap.Runs)
	} else {
		r.mergePages(snap.Scope, ss.pageTouched, snap.Pages)
	}
	ss.runTouched = nil
	ss.pageTouched = nil
	ss.synced = true
	ss.state = ScopeState{Status: StatusLive, SyncedAt: time.Now()}
	metrics.ViewSnapshots.WithLabelValues(string(snap.Scope.Collection), kind).Inc()
	r.log.Info("snapshot merged", "scope", snap.Scope.String(), "kind", kind,
		"runs", len(snap.Runs), "pages", len(snap.Pages))
}

func (r *reconciler) mergeRuns(touched map[string]touch[domain.Run], rows []domain.Run) {
	merged := make([]domain.Run, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		seen[row.ID] = true
		t, ok := touched[row.ID]
		switch {
		case !ok:
			merged = append(merged, row)
		case t.deleted:
		default:
			if cur, present := r.runs.Get(row.ID); present {
				merged = append(merged, cur)
			} else {
				merged = append(merged, *t.state)
			}
		}
	}
	for _, cur := range r.runs.All() {
		if seen[cur.ID] {
			continue
		}
		if _, ok := touched[cur.ID]; ok {
			merged = append(merged, cur)
		}
	}
	r.runs.Reset(merged)
}

func (r *reconciler) mergePages(scope Scope, touched map[string]touch[domain.Page], rows []domain.Page) {
	merged := make([]domain.Page, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if !scope.coversRun(row.RunID) {
			r.log.Warn("ignoring snapshot row outside scope", "scope", scope.String(), "page_id", row.ID, "run_id", row.RunID)
			continue
		}
		seen[row.ID] = true
		cur, present := r.findPage(row.ID)
		if present && !scope.coversRun(cur.RunID) {
			r.keepOwner(cur, row)
			continue
		}
		t, ok := touched[row.ID]
		switch {
		case !ok && present:
			merged = append(merged, r.keepOwner(cur, row))
		case !ok:
			merged = append(merged, row)
		case t.deleted:
		case present:
			merged = append(merged, cur)
		default:
			merged = append(merged, *t.state)
		}
	}

	affected := make(map[string][]domain.Page)
	if scope.ParentID != "" {
		affected[scope.ParentID] = nil
	}
	for runID, set := range r.pages {
		if !scope.coversRun(runID) {
			continue
		}
		affected[runID] = nil
		for _, cur := range set.All() {
			if seen[cur.ID] {
				continue
			}
			if _, ok := touched[cur.ID]; ok {
				merged = append(merged, cur)
			}
		}
	}
	for _, page := range merged {
		affected[page.RunID] = append(affected[page.RunID], page)
	}

	for runID, pages := range affected {
		if len(pages) == 0 && !r.pagesWatched(runID) {
			r.dropPages(runID)
			continue
		}
		r.pageSet(runID).Reset(pages)
		r.projector.rebuild(runID, pages)
	}
}

// pagesWatched reports whether a run-scoped page watch exists for runID.
func (r *reconciler) pagesWatched(runID string) bool {
	_, ok := r.scopes[PagesScope(runID)]
	return ok
}

func (r *reconciler) pageSet(runID string) *orderedSet[domain.Page] {
	set, ok := r.pages[runID]
	if !ok {
		set = newOrderedSet[domain.Page]()
		r.pages[runID] = set
	}
	return set
}

func (r *reconciler) dropPages(runID string) {
	delete(r.pages, runID)
	r.projector.drop(runID)
}

func (r *reconciler) findPage(id string) (domain.Page, bool) {
	runID, ok := r.projector.owner[id]
	if !ok {
		return domain.Page{}, false
	}
	return r.pages[runID].Get(id)
}

// keepOwner returns next with the run id of cur. Pages never move between runs.
func (r *reconciler) keepOwner(cur, next domain.Page) domain.Page {
	if next.RunID == cur.RunID {
		return next
	}
	r.rewrites++
	metrics.ViewMalformedEvents.WithLabelValues("run_id_rewrite").Inc()
	r.log.Warn("ignoring run_id rewrite", "page_id", cur.ID, "run_id", cur.RunID, "new_run_id", next.RunID)
	next.RunID = cur.RunID
	return next
}

func (r *reconciler) touchRun(id string, t touch[domain.Run]) {
	if ss, ok := r.scopes[RunsScope()]; ok && ss.runTouched != nil {
		ss.runTouched[id] = t
	}
}

// touchPage records t in every pending page scope covering runID. An empty
// runID covers all of them.
func (r *reconciler) touchPage(id, runID string, t touch[domain.Page]) {
	for scope, ss := range r.scopes {
		if ss.pageTouched == nil {
			continue
		}
		if runID == "" || scope.coversRun(runID) {
			ss.pageTouched[id] = t
		}
	}
}

// state builds the immutable state published to listeners.
func (r *reconciler) state() *State {
	r.version++
	st := &State{
		Version:       r.version,
		Runs:          r.runs.All(),
		Pages:         make(map[string][]domain.Page, len(r.pages)),
		PageCounts:    r.projector.snapshot(),
		Scopes:        make(map[Scope]ScopeState, len(r.scopes)),
		Malformed:     r.malformed,
		RunIDRewrites: r.rewrites,
		runIndex:      r.runs.Index(),
	}
	for runID, set := range r.pages {
		st.Pages[runID] = set.All()
	}
	for scope, ss := range r.scopes {
		st.Scopes[scope] = ss.state
	}
	return st
}

func mutationRunID(m Mutation[domain.Page]) string {
	switch m := m.(type) {
	case Insert[domain.Page]:
		return m.New.RunID
	case Update[domain.Page]:
		return m.New.RunID
	case Delete[domain.Page]:
		if m.Old != nil {
			return m.Old.RunID
		}
	}
	return ""
}

var (
	_ Visitor[domain.Run]  = (*runApplier)(nil)
	_ Visitor[domain.Page] = (*pageApplier)(nil)
)

// runApplier applies one run mutation.
type runApplier struct {
	r       *reconciler
	changed bool
}

func (a *runApplier) VisitInsert(m Insert[domain.Run]) {
	a.r.runs.Upsert(m.New)
	a.r.touchRun(m.New.ID, touch[domain.Run]{state: &m.New})
	a.changed = true
}

func (a *runApplier) VisitUpdate(m Update[domain.Run]) {
	a.r.touchRun(m.New.ID, touch[domain.Run]{state: &m.New})
	if _, ok := a.r.runs.Get(m.New.ID); !ok {
		return
	}
	a.r.runs.Upsert(m.New)
	a.changed = true
}

func (a *runApplier) VisitDelete(m Delete[domain.Run]) {
	a.r.touchRun(m.EntityID, touch[domain.Run]{deleted: true})
	_, a.changed = a.r.runs.Remove(m.EntityID)
}

// pageApplier applies one page mutation and forwards its net effect to the projector.
type pageApplier struct {
	r       *reconciler
	changed bool
}

func (a *pageApplier) VisitInsert(m Insert[domain.Page]) {
	page := m.New
	if cur, ok := a.r.findPage(page.ID); ok {
		page = a.r.keepOwner(cur, page)
		a.r.pages[cur.RunID].Upsert(page)
	} else {
		a.r.pageSet(page.RunID).Upsert(page)
		a.r.projector.VisitInsert(Insert[domain.Page]{New: page})
	}
	a.r.touchPage(page.ID, page.RunID, touch[domain.Page]{state: &page})
	a.changed = true
}

func (a *pageApplier) VisitUpdate(m Update[domain.Page]) {
	page := m.New
	cur, ok := a.r.findPage(page.ID)
	if ok {
		page = a.r.keepOwner(cur, page)
	}
	a.r.touchPage(page.ID, page.RunID, touch[domain.Page]{state: &page})
	if !ok {
		return
	}
	a.r.pages[cur.RunID].Upsert(page)
	a.r.projector.VisitUpdate(Update[domain.Page]{New: page, Old: &cur})
	a.changed = true
}

func (a *pageApplier) VisitDelete(m Delete[domain.Page]) {
	runID := a.r.projector.owner[m.EntityID]
	if runID == "" && m.Old != nil {
		runID = m.Old.RunID
	}
	a.r.touchPage(m.EntityID, runID, touch[domain.Page]{deleted: true})
	cur, ok := a.r.findPage(m.EntityID)
	if !ok {
		return
	}
	a.r.pages[cur.RunID].Remove(m.EntityID)
	a.r.projector.VisitDelete(Delete[domain.Page]{EntityID: m.EntityID, Old: &cur})
	a.changed = true
}
