package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/0x3639/telegram-scraper/pkg/checkpoint"
	"github.com/0x3639/telegram-scraper/pkg/config"
	"github.com/0x3639/telegram-scraper/pkg/ingest"
	"github.com/0x3639/telegram-scraper/pkg/logger"
	"github.com/0x3639/telegram-scraper/pkg/store"
	"github.com/0x3639/telegram-scraper/pkg/telegram"
)

var (
	forceRestart bool
	skipMedia    bool
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape [channel...]",
	Short: "Backfill one or more channels from their checkpoints",
	Long: `Scrape ingests channel history into the local database, resuming from
each channel's checkpoint. A fresh channel is backfilled from its earliest
message. Interrupt at any time; the next run continues where this one
committed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Download.SkipMedia = cfg.Download.SkipMedia || skipMedia

		runner, cleanup, err := buildRunner(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log := logger.GetLogger()
		for _, channel := range args {
			if forceRestart {
				cpStore, err := checkpoint.NewStore(cfg.Output.DataDir, channel)
				if err != nil {
					return err
				}
				if cpStore.Exists() {
					if err := cpStore.Delete(); err != nil {
						return fmt.Errorf("failed to delete checkpoint for %s: %w", channel, err)
					}
					log.WithField("channel", channel).Info("checkpoint deleted, starting fresh")
				}
			}

			if err := runner.Run(ctx, channel); err != nil {
				return fmt.Errorf("scrape failed for %s: %w", channel, err)
			}
			if ctx.Err() != nil {
				break
			}
		}

		return nil
	},
}

func init() {
	scrapeCmd.Flags().BoolVar(&forceRestart, "force-restart", false, "discard the checkpoint and start from the beginning")
	scrapeCmd.Flags().BoolVar(&skipMedia, "skip-media", false, "ingest messages without downloading attachments")
}

// buildRunner wires the store, media store, API client and ingestion runner
func buildRunner(cfg *config.Config) (*ingest.Runner, func(), error) {
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open message store: %w", err)
	}

	media, err := store.NewMediaStore(cfg.Output.DataDir)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to open media store: %w", err)
	}

	client := telegram.NewClient(cfg.Telegram.APIBaseURL, cfg.Telegram.Token, cfg.Telegram.Timeout, logger.GetLogger())
	client.SetPageSize(cfg.Telegram.PageSize)
	if cfg.Telegram.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.Telegram.UserAgent)
	}

	runner := ingest.NewRunner(cfg, client, client, st, media)

	cleanup := func() { st.Close() }
	return runner, cleanup, nil
}
