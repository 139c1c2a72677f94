package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/0x3639/telegram-scraper/pkg/auth"
	"github.com/0x3639/telegram-scraper/pkg/config"
	"github.com/0x3639/telegram-scraper/pkg/logger"
)

var (
	// Version information
	version   = "1.0.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile string
	logLevel   string
	dataDir    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "telegram-scraper",
	Short: "A resumable Telegram channel scraper",
	Long: `Telegram Scraper ingests channel messages into SQLite and downloads
referenced media, surviving interruption and resuming exactly where it
left off.

Features:
  - Checkpointed, resumable ingestion per channel
  - Batched transactional storage with duplicate-free re-ingestion
  - Concurrent media downloads with retry and exponential backoff
  - Rate-limit aware paging with remote retry-after compliance
  - Continuous mode polling for new messages`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for database, checkpoints and media")

	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate)

	rootCmd.AddCommand(scrapeCmd)
	rootCmd.AddCommand(continuousCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(authCmd)
}

// loadConfig builds the effective configuration from all sources and
// initializes logging
func loadConfig() (*config.Config, error) {
	flags := map[string]interface{}{
		"log-level": logLevel,
		"data-dir":  dataDir,
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return nil, err
	}

	if cfg.Telegram.Token == "" {
		if token, err := auth.ResolveToken(); err == nil {
			cfg.Telegram.Token = token
		}
	}

	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, nil
}
