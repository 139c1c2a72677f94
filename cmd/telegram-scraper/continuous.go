package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var continuousCmd = &cobra.Command{
	Use:   "continuous [channel...]",
	Short: "Continuously poll channels for new messages",
	Long: `Continuous mode backfills each channel to its live edge, then polls for
new messages on the configured interval, replaying the same resumable
ingestion for every cycle. Channels default to the configured channel list.
Stops gracefully on SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		channels := args
		if len(channels) == 0 {
			channels = cfg.Channels
		}
		if len(channels) == 0 {
			return errors.New("no channels configured: pass channels as arguments or set them in the config file")
		}

		runner, cleanup, err := buildRunner(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runner.RunContinuous(ctx, channels)
	},
}
