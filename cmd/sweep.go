package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sweepOlderThan time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Requeue jobs stuck in running",
	Long:  "Runs one stale-lock sweep: jobs running longer than --older-than go back to the queue as a failed attempt.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		a, _, err := loadApp("cmd.sweep")
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		olderThan := sweepOlderThan
		if olderThan <= 0 {
			olderThan = a.cfg.Worker.StaleAfter()
		}

		reclaimed, err := a.queue.SweepStale(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d job(s) running longer than %s\n", reclaimed, olderThan)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().DurationVar(&sweepOlderThan, "older-than", 0, "lock age to reclaim (default worker.stale_after_seconds)")
}
