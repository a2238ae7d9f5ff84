package viewsync

import "github.com/xiaot623/crawlwatch/internal/domain"

// projector derives page counts as the size of each run's known page id set.
// It receives mutations already reconciled against the page view: inserts of
// new ids and deletes of present ids.
type projector struct {
	sets  map[string]map[string]struct{}
	owner map[string]string

	counts map[string]int // published copy, nil when stale
}

var _ Visitor[domain.Page] = (*projector)(nil)

func newProjector() *projector {
	return &projector{
		sets:  make(map[string]map[string]struct{}),
		owner: make(map[string]string),
	}
}

func (p *projector) VisitInsert(m Insert[domain.Page]) {
	p.add(m.New.RunID, m.New.ID)
}

// VisitUpdate changes nothing: page identity and owner are immutable.
func (p *projector) VisitUpdate(Update[domain.Page]) {}

func (p *projector) VisitDelete(m Delete[domain.Page]) {
	runID, ok := p.owner[m.EntityID]
	if !ok {
		return
	}
	p.counts = nil
	delete(p.owner, m.EntityID)
	set := p.sets[runID]
	delete(set, m.EntityID)
	if len(set) == 0 {
		delete(p.sets, runID)
	}
}

func (p *projector) add(runID, pageID string) {
	if _, ok := p.owner[pageID]; ok {
		return
	}
	p.counts = nil
	set := p.sets[runID]
	if set == nil {
		set = make(map[string]struct{})
		p.sets[runID] = set
	}
	set[pageID] = struct{}{}
	p.owner[pageID] = runID
}

// rebuild replaces the set of runID with the ids of pages.
func (p *projector) rebuild(runID string, pages []domain.Page) {
	p.drop(runID)
	for _, page := range pages {
		p.add(runID, page.ID)
	}
}

// drop forgets every page of runID.
func (p *projector) drop(runID string) {
	set, ok := p.sets[runID]
	if !ok {
		return
	}
	p.counts = nil
	for id := range set {
		delete(p.owner, id)
	}
	delete(p.sets, runID)
}

func (p *projector) count(runID string) int {
	return len(p.sets[runID])
}

// snapshot returns the counts of every run with known pages. The map must not be modified.
func (p *projector) snapshot() map[string]int {
	if p.counts == nil {
		p.counts = make(map[string]int, len(p.sets))
		for runID, set := range p.sets {
			p.counts[runID] = len(set)
		}
	}
	return p.counts
}
