package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/incidentdesk/backend/internal/config"
	"github.com/kimhsiao/incidentdesk/backend/internal/logging"
	"github.com/kimhsiao/incidentdesk/backend/internal/models"
	"github.com/kimhsiao/incidentdesk/backend/internal/store"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/queue"
)

// offlineOutbox is the outbox opened without a remote. Its flushes never
// leave the machine, so retry only resets failed entries for the next serve.
type offlineOutbox struct {
	store store.Store
	queue *queue.Queue
	meta  *store.MetadataStore
}

func openOfflineOutbox(ctx context.Context, opts *RootOptions) (*offlineOutbox, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.Logging.Level = "warn"
	setupLogging(io.Discard, cfg)

	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store (is serve running?): %w", err)
	}
	qopts := queueOptions(cfg)
	qopts.Online = func() bool { return false }
	q := queue.New(st, qopts)
	if err := q.Load(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return &offlineOutbox{store: st, queue: q, meta: store.NewMetadataStore(st)}, nil
}

func (o *offlineOutbox) Close() error { return o.store.Close() }

// NewQueueCommand creates the queue command group.
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the outbox",
	}
	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueRetryCommand(opts))
	cmd.AddCommand(newQueueRemoveCommand(opts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued operations in delivery order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ob, err := openOfflineOutbox(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer ob.Close()
			return printOperations(cmd.OutOrStdout(), opts.Format, ob.queue.List())
		},
	}
}

func newQueueRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Reset failed operations so the next flush retries them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ob, err := openOfflineOutbox(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer ob.Close()

			reset, _, err := ob.queue.RetryFailed(cmd.Context())
			if err != nil {
				return err
			}
			logging.Info("Failed operations reset from CLI", map[string]interface{}{"reset": reset})
			if opts.Format == "json" {
				return writeJSONOut(cmd.OutOrStdout(), map[string]int{"reset": reset})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "reset %d failed operation(s)\n", reset)
			return err
		},
	}
}

func newQueueRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <operation-id>",
		Short: "Drop a queued operation without delivering it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ob, err := openOfflineOutbox(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer ob.Close()

			if err := ob.queue.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSONOut(cmd.OutOrStdout(), map[string]string{"removed": args[0]})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return err
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outbox counters and per-collection sync metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ob, err := openOfflineOutbox(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer ob.Close()

			metas, err := ob.meta.List(cmd.Context())
			if err != nil {
				return err
			}
			stats := ob.queue.Stats()
			if opts.Format == "json" {
				return writeJSONOut(cmd.OutOrStdout(), map[string]interface{}{
					"queue":       stats,
					"collections": metas,
				})
			}
			return printStatus(cmd.OutOrStdout(), stats, metas)
		},
	}
}

func writeJSONOut(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printOperations(w io.Writer, format string, ops []models.QueuedOperation) error {
	if format == "json" {
		return writeJSONOut(w, ops)
	}
	if len(ops) == 0 {
		_, err := fmt.Fprintln(w, "outbox is empty")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tTARGET\tSTATUS\tRETRIES\tQUEUED AT\tLAST ERROR")
	for _, op := range ops {
		status := string(op.SyncStatus)
		if op.AwaitingResolution {
			status += " (conflict)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			op.ID, op.Kind, op.Payload.LockKey(), status, op.RetryCount,
			op.QueuedAt.Local().Format(time.RFC3339), op.LastError)
	}
	return tw.Flush()
}

func printStatus(w io.Writer, stats queue.Stats, metas []models.SyncMetadata) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "queued\t%d\n", stats.Total)
	fmt.Fprintf(tw, "pending\t%d\n", stats.Pending)
	fmt.Fprintf(tw, "failed\t%d\n", stats.Failed)
	fmt.Fprintf(tw, "awaiting resolution\t%d\n", stats.AwaitingResolution)
	for _, m := range metas {
		synced := "never"
		if m.LastSyncedAt != nil {
			synced = m.LastSyncedAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\tlast synced %s, strategy %s\n", m.Collection, synced, m.ConflictResolutionStrategy)
	}
	return tw.Flush()
}
