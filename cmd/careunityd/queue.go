package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/careunity/careunity/backend/internal/models"
)

var (
	listUserID     int64
	listStatus     string
	listEntityType string
	listEntityID   string
	listLimit      int

	retryAll    bool
	retryUserID int64

	purgeOlderThan time.Duration
)

func init() {
	queueListCmd.Flags().Int64Var(&listUserID, "user", 0, "only operations of this user id")
	queueListCmd.Flags().StringVar(&listStatus, "status", "", "only operations in this status")
	queueListCmd.Flags().StringVar(&listEntityType, "entity-type", "", "only operations on this entity type")
	queueListCmd.Flags().StringVar(&listEntityID, "entity-id", "", "only operations on this entity id")
	queueListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of operations")

	queueRetryCmd.Flags().BoolVar(&retryAll, "all", false, "retry every failed operation")
	queueRetryCmd.Flags().Int64Var(&retryUserID, "user", 0, "with --all, only this user's operations")

	queuePurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "age of completed operations to delete (default sync.retention)")

	queueCmd.AddCommand(queueListCmd, queueStatsCmd, queueRetryCmd, queuePurgeCmd, queueReplayCmd)
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage queued sync operations",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sync operations, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openCommandApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.queue.List(cmd.Context(), models.SyncOperationFilter{
			UserID:     listUserID,
			Status:     models.OperationStatus(listStatus),
			EntityType: listEntityType,
			EntityID:   listEntityID,
			Limit:      listLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMETHOD\tURL\tSTATUS\tRETRIES\tUSER\tCREATED\tERROR")
		for _, op := range ops {
			errMsg := ""
			if op.ErrorMessage != nil {
				errMsg = *op.ErrorMessage
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				op.ID, op.Method, op.URL, op.Status, op.Retries, op.UserID,
				op.CreatedAt().Format(time.RFC3339), errMsg)
		}
		return w.Flush()
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count operations per status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openCommandApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		counts, err := a.queue.Stats(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, s := range []models.OperationStatus{models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusError} {
			fmt.Fprintf(out, "%-10s %d\n", s, counts[s])
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Reset a failed operation (or all with --all) to pending",
	Args: func(cmd *cobra.Command, args []string) error {
		if retryAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openCommandApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if retryAll {
			n, err := a.queue.RetryAllFailed(cmd.Context(), retryUserID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %d operation(s)\n", n)
			return nil
		}

		op, err := a.queue.Retry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", op.ID, op.Status)
		return nil
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old completed operations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openCommandApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		olderThan := purgeOlderThan
		if olderThan <= 0 {
			olderThan = a.cfg.Sync.Retention
		}
		n, err := a.queue.Purge(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d operation(s)\n", n)
		return nil
	},
}

var queueReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run one replay pass against upstream and wait for it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openCommandApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		replayer, err := a.newReplayer(a.upstreamClient())
		if err != nil {
			return err
		}
		res, err := replayer.Run(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d completed=%d failed=%d blocked=%d requeued=%d\n",
			res.Attempted, res.Completed, res.Failed, res.Blocked, res.Requeued)
		return nil
	},
}
