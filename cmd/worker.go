package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the worker loops",
	Long:  "Runs the inbound job loop, the outbound delivery loop and the stale-lock sweeper without the webhook server.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		a, log, err := loadApp("cmd.worker")
		if err != nil {
			fmt.Printf("failed to start: %v\n", err)
			return
		}
		defer func() { _ = a.Close() }()

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		loops, err := a.runner(runCtx)
		if err != nil {
			log.Error("Worker configuration invalid", "error", err)
			return
		}

		log.Info("Worker started", "worker_id", a.cfg.Worker.ID)
		if err := loops.Run(runCtx); err != nil {
			log.Error("Worker runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
