// Package tui renders a live view of crawl runs and their pages.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/xiaot623/crawlwatch/internal/domain"
	"github.com/xiaot623/crawlwatch/internal/viewsync"
)

type Screen int

const (
	ScreenRunList Screen = iota
	ScreenRunDetail
)

// Mutator changes runs and pages on the daemon. Results come back through
// the view like any other change.
type Mutator interface {
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) (*domain.Run, error)
	DeleteRun(ctx context.Context, runID string) error
	DeletePage(ctx context.Context, pageID string) error
}

type App struct {
	view    *viewsync.View
	mutator Mutator

	// changed is signalled by the store listener. It never blocks the view.
	changed     chan struct{}
	unsubscribe func()

	screen      Screen
	state       *viewsync.State
	selectedIdx int
	selectedRun string
	pageIdx     int

	width  int
	height int
	err    error
}

func NewApp(view *viewsync.View, mutator Mutator) *App {
	a := &App{
		view:    view,
		mutator: mutator,
		changed: make(chan struct{}, 1),
		screen:  ScreenRunList,
		state:   view.Store().CurrentState(),
	}
	a.unsubscribe = view.Store().Subscribe(func(*viewsync.State) {
		select {
		case a.changed <- struct{}{}:
		default:
		}
	})
	return a
}

// Close detaches the app from the view.
func (a *App) Close() {
	a.unsubscribe()
}

func (a *App) Init() tea.Cmd {
	// The global pages scope feeds the page counts of the run list.
	return tea.Batch(
		a.watch(viewsync.RunsScope()),
		a.watch(viewsync.PagesScope("")),
		a.waitForChange(),
		a.tickCmd(),
	)
}

type (
	stateMsg   *viewsync.State
	tickMsg    time.Time
	watchedMsg struct {
		scope viewsync.Scope
		err   error
	}
	mutatedMsg struct{ err error }
)

func (a *App) waitForChange() tea.Cmd {
	return func() tea.Msg {
		<-a.changed
		return stateMsg(a.view.Store().CurrentState())
	}
}

// tickCmd refreshes relative ages and reconnect status.
func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) watch(scope viewsync.Scope) tea.Cmd {
	return func() tea.Msg {
		return watchedMsg{scope: scope, err: a.view.Watch(scope)}
	}
}

func (a *App) unwatch(scope viewsync.Scope) tea.Cmd {
	return func() tea.Msg {
		a.view.Unwatch(scope)
		return nil
	}
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case stateMsg:
		a.setState(msg)
		return a, a.waitForChange()

	case tickMsg:
		a.state = a.view.Store().CurrentState()
		return a, a.tickCmd()

	case watchedMsg:
		if msg.err != nil {
			a.err = msg.err
		}
		return a, nil

	case mutatedMsg:
		a.err = msg.err
		return a, nil
	}

	return a, nil
}

func (a *App) setState(s *viewsync.State) {
	a.state = s
	if a.selectedIdx >= len(s.Runs) {
		a.selectedIdx = max(len(s.Runs)-1, 0)
	}
	if n := len(s.PagesOf(a.selectedRun)); a.pageIdx >= n {
		a.pageIdx = max(n-1, 0)
	}
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.screen {
	case ScreenRunList:
		return a.handleRunListKey(msg)
	case ScreenRunDetail:
		return a.handleRunDetailKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	runs := a.state.Runs
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if a.selectedIdx < len(runs) {
			a.selectedRun = runs[a.selectedIdx].ID
			a.pageIdx = 0
			a.screen = ScreenRunDetail
			return a, a.watch(viewsync.PagesScope(a.selectedRun))
		}

	case "x":
		if a.selectedIdx < len(runs) {
			return a, a.cancelRun(runs[a.selectedIdx].ID)
		}

	case "d":
		if a.selectedIdx < len(runs) {
			return a, a.deleteRun(runs[a.selectedIdx].ID)
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	pages := a.state.PagesOf(a.selectedRun)
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "esc", "backspace":
		scope := viewsync.PagesScope(a.selectedRun)
		a.screen = ScreenRunList
		a.selectedRun = ""
		return a, a.unwatch(scope)

	case "up", "k":
		if a.pageIdx > 0 {
			a.pageIdx--
		}

	case "down", "j":
		if a.pageIdx < len(pages)-1 {
			a.pageIdx++
		}

	case "d":
		if a.pageIdx < len(pages) {
			return a, a.deletePage(pages[a.pageIdx].ID)
		}
	}
	return a, nil
}

func (a *App) cancelRun(id string) tea.Cmd {
	return func() tea.Msg {
		_, err := a.mutator.UpdateRunStatus(context.Background(), id, domain.RunStatusCancelled)
		return mutatedMsg{err: err}
	}
}

func (a *App) deleteRun(id string) tea.Cmd {
	return func() tea.Msg {
		return mutatedMsg{err: a.mutator.DeleteRun(context.Background(), id)}
	}
}

func (a *App) deletePage(id string) tea.Cmd {
	return func() tea.Msg {
		return mutatedMsg{err: a.mutator.DeletePage(context.Background(), id)}
	}
}

func (a *App) View() string {
	switch a.screen {
	case ScreenRunList:
		return a.viewRunList()
	case ScreenRunDetail:
		return a.viewRunDetail()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStale    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("Crawl runs") + "  " + a.formatScope(viewsync.RunsScope()) + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	runs := a.state.Runs
	if len(runs) == 0 {
		s += "No runs yet.\n"
	} else {
		for i, run := range runs {
			line := a.formatRunLine(run)
			switch {
			case i == a.selectedIdx:
				line = selectedStyle.Render("▶ " + line)
			case run.Status.Terminal():
				line = "  " + dimStyle.Render(line)
			default:
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] pages  [x] cancel  [d] delete  [q] quit")
	return s
}

func (a *App) formatRunLine(run domain.Run) string {
	status := a.formatStatus(run.Status)
	age := formatAge(run.CreatedAt)
	pages := fmt.Sprintf("%d pages", a.state.PageCount(run.ID))
	return fmt.Sprintf("%-20s %s  %-5s  %-10s  %s", truncate(run.Name, 20), status, age, pages, truncate(run.URL, 40))
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func (a *App) formatStatus(status domain.RunStatus) string {
	switch status {
	case domain.RunStatusRunning:
		return statusRunning.Render("● running")
	case domain.RunStatusCompleted:
		return statusComplete.Render("✓ completed")
	case domain.RunStatusFailed:
		return statusFailed.Render("✗ failed")
	case domain.RunStatusCancelled:
		return dimStyle.Render("- cancelled")
	default:
		return dimStyle.Render("○ " + string(status))
	}
}

// formatScope renders the sync status of a watched scope.
func (a *App) formatScope(scope viewsync.Scope) string {
	st, ok := a.state.Scope(scope)
	if !ok {
		return ""
	}
	switch st.Status {
	case viewsync.StatusLive:
		return statusComplete.Render("live")
	case viewsync.StatusLoading:
		return dimStyle.Render("loading…")
	case viewsync.StatusReconnecting:
		return statusStale.Render("reconnecting")
	default:
		msg := "error"
		if st.Err != nil {
			msg += ": " + st.Err.Error()
		}
		return statusFailed.Render(msg)
	}
}

func (a *App) viewRunDetail() string {
	run, ok := a.state.Run(a.selectedRun)
	if !ok {
		return titleStyle.Render("Run "+a.selectedRun) + "\n\n" +
			dimStyle.Render("(run no longer exists)") + "\n\n" +
			helpStyle.Render("[esc] back  [q] quit")
	}

	scope := viewsync.PagesScope(run.ID)
	s := titleStyle.Render(run.Name) + "  " + a.formatStatus(run.Status) + "  " + a.formatScope(scope) + "\n\n"
	s += labelStyle.Render("URL: ") + run.URL + "\n"
	if run.ErrorCount > 0 {
		s += labelStyle.Render("Errors: ") + statusFailed.Render(fmt.Sprint(run.ErrorCount)) + "\n"
	}
	s += "\n"

	pages := a.state.PagesOf(run.ID)
	s += fmt.Sprintf("Pages (%d)\n", a.state.PageCount(run.ID))
	s += "─────────\n"
	if len(pages) == 0 {
		s += "(no pages yet)\n"
	}
	for i, page := range pages {
		line := formatPageLine(page)
		if i == a.pageIdx {
			line = selectedStyle.Render("▶ " + line)
		} else {
			line = "  " + line
		}
		s += line + "\n"
	}
	if a.pageIdx < len(pages) {
		s += formatPageDetail(pages[a.pageIdx])
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [d] delete page  [esc] back  [q] quit")
	return s
}

func formatPageLine(page domain.Page) string {
	score := "  -  "
	if page.Score != nil {
		score = fmt.Sprintf("%.2f", *page.Score)
	}
	title := page.Title
	if title == "" {
		title = dimStyle.Render("(untitled)")
	}
	return fmt.Sprintf("%-10s %s  %-50s %s", page.Status, score, truncate(page.URL, 50), title)
}

// formatPageDetail renders the scan outcome of the selected page.
func formatPageDetail(page domain.Page) string {
	var s string
	if page.Notes != "" {
		s += labelStyle.Render("Notes: ") + page.Notes + "\n"
	}
	if page.LastScannedAt != nil {
		s += labelStyle.Render("Last scanned: ") + formatAge(*page.LastScannedAt) + "\n"
	}
	if s == "" {
		return ""
	}
	return "\n" + s
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
