package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/s0up4200/mamlarr/orchestrator"
)

// serveCmd runs the download manager until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download manager",
	Long: `Run the queue consumer, the torrent monitor and the background sweeps.

Pending jobs created with "mamlarr enqueue" or by the retry sweep are picked up
on the next poll.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Metrics.Enabled {
		go func() {
			if err := orchestrator.ServeMetrics(ctx, cfg.Metrics.Listen, logger); err != nil {
				logger.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	manager := newManager(db)
	if err := manager.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down...")
	manager.Stop()
	return nil
}
