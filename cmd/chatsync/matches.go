package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/heartline/chatsync"
)

var matchesWatch bool

func init() {
	matchesCmd.Flags().BoolVarP(&matchesWatch, "watch", "w", false, "Keep the list updated from the push stream until interrupted")
	rootCmd.AddCommand(matchesCmd)
}

var matchesCmd = &cobra.Command{
	Use:   "matches",
	Short: "List matches, latest activity first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		cred := requireCredential(cfg)
		logger := cliLogger(cfg)
		client := getClient(cfg, logger)

		if !matchesWatch {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			convs, err := client.FetchConversations(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch matches: %w", err)
			}
			feed := chatsync.NewMatchFeedBridge(chatsync.MatchFeedConfig{Self: cred.Identity})
			printSummaries(feed.Load(convs))
			return nil
		}

		ctx, stop := signalContext()
		defer stop()

		conn := client.Realtime(chatsync.RealtimeConfig{})
		defer conn.Disconnect()
		conn.OnConnectivityChanged(func(ev chatsync.ConnectivityChanged) {
			if ev.Err != nil {
				fmt.Printf("-- %s (%v)\n", ev.State, ev.Err)
				return
			}
			fmt.Printf("-- %s\n", ev.State)
		})
		if err := conn.Connect(ctx, cred); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}

		feed := chatsync.NewMatchFeedBridge(chatsync.MatchFeedConfig{
			Self:      cred.Identity,
			Conn:      conn,
			Directory: client,
			Logger:    logger,
			OnChange: func(list []chatsync.ConversationSummary) {
				fmt.Println()
				printSummaries(list)
			},
		})
		if err := feed.Start(ctx); err != nil {
			return fmt.Errorf("failed to load matches: %w", err)
		}
		defer feed.Stop()

		<-ctx.Done()
		return nil
	},
}

func printSummaries(list []chatsync.ConversationSummary) {
	if len(list) == 0 {
		fmt.Println("No matches yet.")
		return
	}
	for _, s := range list {
		name := valueOrDefault(s.Peer.Name, s.Peer.ID)
		last := "(no messages yet)"
		if s.LastMessage != nil {
			last = fmt.Sprintf("%s  %q", s.LastMessage.At.Local().Format("Jan 2 15:04"), truncate(s.LastMessage.Text, 40))
		}
		fmt.Printf("%-36s  %-16s  %s\n", s.ConversationID, name, last)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
