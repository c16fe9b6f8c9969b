package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"Go2NetSentry/internal/persist"
	"Go2NetSentry/internal/store"
)

func newBatchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "Inspect and maintain stored batches and alerts",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the newest batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommitter(func(ctx context.Context, s store.Store, _ *persist.Committer) error {
				batches, err := s.ListBatches(ctx, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "BATCH\tCREATED\tSTATUS\tMODEL\tPACKETS\tFLOWS\tANOMALOUS\tATTACK\tNOTE")
				for _, b := range batches {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%t\t%s\n",
						b.ID, b.CreatedAt.Local().Format(time.DateTime), b.Status, b.Model,
						b.TotalPackets, b.FlowCount, b.AnomalousFlows, b.IsAttack, b.Note)
				}
				return w.Flush()
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum number of batches")

	var filter store.AlertFilter
	var since time.Duration
	alerts := &cobra.Command{
		Use:   "alerts",
		Short: "List alerts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return withCommitter(func(ctx context.Context, s store.Store, _ *persist.Committer) error {
				found, err := s.ListAlerts(ctx, filter)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tSEVERITY\tBATCH\tMODEL\tSCORE\tSOURCE\tDESTINATION\tMESSAGE")
				for _, a := range found {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.4f\t%s\t%s:%d\t%s\n",
						a.Timestamp.Local().Format(time.DateTime), a.Severity, a.BatchID, a.Model,
						a.Score, a.SrcIP, a.DstIP, a.DstPort, a.Message)
				}
				return w.Flush()
			})
		},
	}
	alerts.Flags().StringVar(&filter.BatchID, "batch", "", "Only alerts of this batch")
	alerts.Flags().StringVar(&filter.Severity, "severity", "", "Only alerts of this severity")
	alerts.Flags().DurationVar(&since, "since", 0, "Only alerts newer than this")
	alerts.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum number of alerts")

	note := &cobra.Command{
		Use:   "note <batch-id> <note>",
		Short: "Attach an analyst note to a batch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommitter(func(ctx context.Context, _ store.Store, c *persist.Committer) error {
				return c.UpdateNote(ctx, args[0], args[1])
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <batch-id>",
		Short: "Delete a batch with its alerts and files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCommitter(func(ctx context.Context, _ store.Store, c *persist.Committer) error {
				return c.DeleteBatch(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(list, alerts, note, del)
	return cmd
}

func withCommitter(fn func(ctx context.Context, s store.Store, c *persist.Committer) error) error {
	cfg, logger, err := loadConfiguration()
	if err != nil {
		return err
	}
	defer logger.Sync()

	s, err := store.New(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn("Failed to close store", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, s, persist.NewCommitter(s, nil, cfg.Alerting, logger))
}
