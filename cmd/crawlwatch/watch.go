package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xiaot623/crawlwatch/internal/domain"
	"github.com/xiaot623/crawlwatch/internal/viewsync"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the view on every change",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "runs",
		Short: "Watch all runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchScope(cmd, viewsync.RunsScope())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "pages <run-id>",
		Short: "Watch the pages of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchScope(cmd, viewsync.PagesScope(args[0]))
		},
	})
	return cmd
}

// watchScope prints one line per notification until interrupted.
func watchScope(cmd *cobra.Command, scope viewsync.Scope) error {
	cfg, client, err := setup(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	view := newView(cfg, client)
	out := cmd.OutOrStdout()
	unsubscribe := view.Store().Subscribe(func(s *viewsync.State) {
		fmt.Fprintln(out, summarize(s, scope))
	})
	defer unsubscribe()

	if err := view.Activate(ctx); err != nil {
		return err
	}
	defer view.Deactivate()
	if err := view.Watch(scope); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

func summarize(s *viewsync.State, scope viewsync.Scope) string {
	st, _ := s.Scope(scope)
	line := fmt.Sprintf("v%d %s [%s]", s.Version, scope, st.Status)
	if st.Err != nil {
		line += fmt.Sprintf(" (%v)", st.Err)
	}
	if s.Malformed > 0 {
		line += fmt.Sprintf(" malformed=%d", s.Malformed)
	}
	if scope.Collection == domain.CollectionRuns {
		line += fmt.Sprintf(" runs=%d", len(s.Runs))
		for _, r := range s.Runs {
			line += fmt.Sprintf(" %s:%s", r.ID, r.Status)
		}
		return line
	}
	pages := s.PagesOf(scope.ParentID)
	line += fmt.Sprintf(" pages=%d", s.PageCount(scope.ParentID))
	for _, p := range pages {
		line += fmt.Sprintf(" %s:%s", p.ID, p.Status)
	}
	return line
}
