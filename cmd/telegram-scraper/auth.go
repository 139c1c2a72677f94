package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/0x3639/telegram-scraper/pkg/auth"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the API token",
}

var authSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the API token in the system keychain",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print("API token: ")
		reader := bufio.NewReader(os.Stdin)
		token, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
		token = strings.TrimSpace(token)

		store, err := auth.NewKeyringStore()
		if err != nil {
			return fmt.Errorf("keychain unavailable: %w (set TGSCRAPER_TOKEN instead)", err)
		}
		if err := store.Store(token); err != nil {
			return err
		}

		fmt.Println("token stored")
		return nil
	},
}

var authClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the API token from the system keychain",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := auth.NewKeyringStore()
		if err != nil {
			return fmt.Errorf("keychain unavailable: %w", err)
		}
		if err := store.Delete(); err != nil {
			return err
		}

		fmt.Println("token removed")
		return nil
	},
}

func init() {
	authCmd.AddCommand(authSetCmd)
	authCmd.AddCommand(authClearCmd)
}
