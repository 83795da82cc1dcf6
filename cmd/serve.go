package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bookingbot/pkg/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook gateway, worker loops and chat channels",
	Long:  "Runs Bookingbot as a single process: the webhook and health server, the inbound job loop, the outbound delivery loop, the stale-lock sweeper and any enabled chat channels.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		a, log, err := loadApp("cmd.serve")
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

		svc, err := gateway.NewService(a.cfg.Gateway, a.ingestor(), a.bus, gateway.Options{
			Channels: a.adapters,
			Loops:    loops,
			Logger:   slog.Default(),
		})
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Bookingbot started",
			"channels", enabledChannelNames(a.adapters),
			"tenants_source", a.cfg.Tenants.Source,
			"default_model", a.cfg.Classifier.DefaultModel,
		)

		errCh := make(chan error, 2)
		go func() { errCh <- loops.Run(runCtx) }()
		go func() { errCh <- svc.Run(runCtx) }()

		// Either side failing takes the whole process down.
		err = <-errCh
		stop()
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Bookingbot runtime failed", "error", err)
		}
		<-errCh
		log.Info("Bookingbot stopped")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
