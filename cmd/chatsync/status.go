package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/heartline/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, check whether the token is usable, and probe the backend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Log format:  %s\n", valueOrDefault(cfg.Default.LogFormat, "text"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User ID:     %s\n", cfg.Auth.UserID)
			if cfg.Auth.Name != "" {
				fmt.Printf("  Name:        %s\n", cfg.Auth.Name)
			}
		} else {
			fmt.Println("  User ID:     (not signed in)")
		}

		cred := chatsync.Credential{Identity: cfg.Auth.UserID, Token: cfg.Auth.Token}
		fmt.Printf("  Token:       %s\n", tokenStatus(cred, time.Now()))

		if cfg.Default.BaseURL == "" || cred.Validate(time.Now()) != nil {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		logger := cliLogger(cfg)
		client := getClient(cfg, logger)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.FetchConversations(ctx)
		if err != nil {
			fmt.Printf("  Error fetching matches: %v\n", err)
			return nil
		}
		fmt.Printf("  Matches:     %d\n", len(convs))

		conn := client.Realtime(chatsync.RealtimeConfig{DisableReconnect: true, DisableHeartbeat: true})
		defer conn.Disconnect()

		start := time.Now()
		if err := conn.Connect(ctx, cred); err != nil {
			fmt.Printf("  Push:        failed (%v)\n", err)
			return nil
		}
		if _, err := conn.Ping(ctx); err != nil {
			fmt.Printf("  Push:        connected, ping failed (%v)\n", err)
			return nil
		}
		fmt.Printf("  Push:        connected (round trip %s)\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func tokenStatus(cred chatsync.Credential, now time.Time) string {
	if cred.Token == "" {
		return "none"
	}
	masked := maskKey(cred.Token)
	exp, hasExp := cred.Expiry()
	if err := cred.Validate(now); err != nil {
		if hasExp && !now.Before(exp) {
			return fmt.Sprintf("%s EXPIRED (expired %s)", masked, exp.Format(time.RFC3339))
		}
		return fmt.Sprintf("%s unusable (%v)", masked, err)
	}
	if hasExp {
		return fmt.Sprintf("%s valid (expires %s)", masked, exp.Format(time.RFC3339))
	}
	return masked + " present (no expiry)"
}
