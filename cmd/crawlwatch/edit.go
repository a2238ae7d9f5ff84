package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/xiaot623/crawlwatch/internal/domain"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Create, update and delete runs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name> <url>",
		Short: "Create a pending run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := setup(os.Stderr)
			if err != nil {
				return err
			}
			run, err := client.CreateRun(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status <run-id> <status>",
		Short: "Move a run to pending, running, completed, failed or cancelled",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := domain.RunStatus(args[1])
			if !status.Valid() {
				return fmt.Errorf("invalid run status %q", args[1])
			}
			_, client, err := setup(os.Stderr)
			if err != nil {
				return err
			}
			run, err := client.UpdateRunStatus(cmd.Context(), args[0], status)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := setup(os.Stderr)
			if err != nil {
				return err
			}
			if err := client.DeleteRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func newPagesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pages",
		Short: "Add and delete pages",
	}

	add := &cobra.Command{
		Use:   "add <run-id> <url>",
		Short: "Record a page of a run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.CreatePageRequest{URL: args[1]}
			req.Title, _ = cmd.Flags().GetString("title")
			if cmd.Flags().Changed("score") {
				score, _ := cmd.Flags().GetFloat64("score")
				req.Score = &score
			}
			_, client, err := setup(os.Stderr)
			if err != nil {
				return err
			}
			page, err := client.AddPage(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), page)
		},
	}
	add.Flags().String("title", "", "page title")
	add.Flags().Float64("score", 0, "relevance score between 0 and 1")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <page-id>",
		Short: "Delete a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := setup(os.Stderr)
			if err != nil {
				return err
			}
			if err := client.DeletePage(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted page %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
