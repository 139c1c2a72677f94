package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var progressCmd = &cobra.Command{
	Use:   "progress [channel...]",
	Short: "Show ingestion progress per channel",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		runner, cleanup, err := buildRunner(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		for _, channel := range args {
			p, err := runner.Progress(context.Background(), channel)
			if err != nil {
				return fmt.Errorf("failed to read progress for %s: %w", channel, err)
			}

			fmt.Printf("%s:\n", p.Channel)
			fmt.Printf("  records ingested:    %d\n", p.RecordsIngested)
			fmt.Printf("  last message id:     %d\n", p.LastMessageID)
			if !p.LastMessageDate.IsZero() {
				fmt.Printf("  last message date:   %s\n", p.LastMessageDate.Format("2006-01-02 15:04:05"))
			}
			fmt.Printf("  checkpoint gen:      %d\n", p.Generation)
			fmt.Printf("  pending attachments: %d\n", p.PendingAttachments)
			fmt.Printf("  failed attachments:  %d\n", p.FailedAttachments)
		}

		return nil
	},
}
