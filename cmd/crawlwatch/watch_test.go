package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/crawlwatch/internal/domain"
	"github.com/xiaot623/crawlwatch/internal/viewsync"
)

func TestSummarize(t *testing.T) {
	runs := viewsync.RunsScope()
	pages := viewsync.PagesScope("R1")
	s := &viewsync.State{
		Version: 7,
		Runs:    []domain.Run{{ID: "R1", Status: domain.RunStatusRunning}},
		Pages: map[string][]domain.Page{
			"R1": {{ID: "p1", RunID: "R1", Status: domain.PageStatusPending}},
		},
		PageCounts: map[string]int{"R1": 1},
		Scopes: map[viewsync.Scope]viewsync.ScopeState{
			runs:  {Status: viewsync.StatusLive},
			pages: {Status: viewsync.StatusReconnecting, Err: errors.New("connection reset")},
		},
		Malformed: 2,
	}

	assert.Equal(t, "v7 runs [live] malformed=2 runs=1 R1:running", summarize(s, runs))
	assert.Equal(t, "v7 pages/R1 [reconnecting] (connection reset) malformed=2 pages=1 p1:pending", summarize(s, pages))
}
