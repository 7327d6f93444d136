package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/syncqueue"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	Path   string
	Format string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "sync-queue",
		Short: "Inspect and repair the branch's offline sync queue",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			if strings.TrimSpace(opts.Path) == "" {
				cfg, err := config.LoadEngineConfig()
				if err != nil {
					return err
				}
				opts.Path = cfg.SyncQueuePath
			}
			return nil
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Path, "queue", "", "queue file (default SYNC_QUEUE_PATH)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newListFailedCommand(opts))
	cmd.AddCommand(newRetryCommand(opts))
	cmd.AddCommand(newDiscardCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	return cmd
}

func openQueue(ctx context.Context, opts *rootOptions) (*syncqueue.Queue, error) {
	if _, err := os.Stat(opts.Path); err != nil {
		return nil, fmt.Errorf("queue file %s: %w", opts.Path, err)
	}
	return syncqueue.Open(ctx, opts.Path, config.GetLogger())
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending and failed counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer q.Close()
			st := q.Status()
			if opts.Format == "json" {
				return printJSON(cmd, st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending: %d\nfailed:  %d\n", st.PendingCount, st.FailedCount)
			return nil
		},
	}
}

func newListFailedCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list-failed",
		Short: "List entries that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer q.Close()
			entries, err := q.ListFailed(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd, entries)
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tattempts=%d\t%s\n", e.ID, e.Type, e.Attempts, e.LastError)
			}
			return nil
		},
	}
}

func newRetryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <entry-id>...",
		Short: "Move failed entries back to pending with attempts reset",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer q.Close()
			for _, id := range args {
				if err := q.Retry(cmd.Context(), id); err != nil {
					return fmt.Errorf("retry %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
			}
			return nil
		},
	}
}

func newDiscardCommand(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "discard <entry-id>...",
		Short: "Delete failed entries; the writes they carry are lost",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("discard drops queued writes for good; pass --yes to confirm")
			}
			q, err := openQueue(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer q.Close()
			for _, id := range args {
				if err := q.Discard(cmd.Context(), id); err != nil {
					return fmt.Errorf("discard %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the discard")
	return cmd
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write failed entries to an .xlsx workbook for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer q.Close()
			entries, err := q.ListFailed(cmd.Context())
			if err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := writeFailedSheet(f, entries); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d failed entries to %s\n", len(entries), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "failed-sync-entries.xlsx", "output file")
	return cmd
}
