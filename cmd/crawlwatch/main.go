// Command crawlwatch watches crawl runs live and edits them on the feed daemon.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/xiaot623/crawlwatch/internal/adapter/feedclient"
	"github.com/xiaot623/crawlwatch/internal/config"
	"github.com/xiaot623/crawlwatch/internal/tui"
	"github.com/xiaot623/crawlwatch/internal/viewsync"
)

var feedURL string

func main() {
	rootCmd := &cobra.Command{
		Use:          "crawlwatch",
		Short:        "Live view of crawl runs",
		Long:         "crawlwatch keeps a live, incrementally synchronized view of crawl runs and their pages.",
		RunE:         runTUI,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&feedURL, "feed", "", "feed daemon URL (default $FEED_URL)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "tui",
		Short: "Open the interactive view (default)",
		Args:  cobra.NoArgs,
		RunE:  runTUI,
	})
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newPagesCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and builds a client for the daemon. Logs go to
// logOut so they stay out of the terminal UI.
func setup(logOut io.Writer) (*config.Config, *feedclient.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if feedURL != "" {
		cfg.FeedURL = feedURL
	}
	slog.SetDefault(cfg.NewLogger(logOut))
	return cfg, feedclient.NewClient(cfg.FeedURL, cfg.ReadTimeout), nil
}

func newView(cfg *config.Config, client *feedclient.Client) *viewsync.View {
	return viewsync.NewView(client, client, viewsync.Options{
		QueueSize:       cfg.QueueSize,
		MaxBatch:        cfg.MaxBatch,
		SnapshotTimeout: cfg.SnapshotTimeout,
		ReconnectMin:    cfg.ReconnectMin,
		ReconnectMax:    cfg.ReconnectMax,
		Logger:          slog.Default(),
	})
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, client, err := setup(io.Discard)
	if err != nil {
		return err
	}

	view := newView(cfg, client)
	if err := view.Activate(cmd.Context()); err != nil {
		return err
	}
	defer view.Deactivate()

	app := tui.NewApp(view, client)
	defer app.Close()

	p := tea.NewProgram(app, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
