package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/heartline/chatsync"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation and chat in real time",
	Long:  "Open a conversation, print its history, and send every line typed on stdin.\nCommands: /retry <local-id> resends a failed message, /quit leaves.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		cfg := mustLoadConfig()
		cred := requireCredential(cfg)
		logger := cliLogger(cfg)
		client := getClient(cfg, logger)

		ctx, stop := signalContext()
		defer stop()

		view := newChatView(cred.Identity, os.Stdout)
		conn := client.Realtime(chatsync.RealtimeConfig{})
		defer conn.Disconnect()
		conn.OnConnectivityChanged(view.connectivity)

		if err := conn.Connect(ctx, cred); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}

		session := chatsync.NewConversationSession(chatsync.SessionConfig{
			Self:      cred.Identity,
			Conn:      conn,
			History:   client,
			Directory: client,
			Logger:    logger,
			OnChange:  view.render,
		})
		session.OnSendFailed(view.failed)
		if err := session.Open(ctx, conversationID); err != nil {
			var denied *chatsync.AccessDeniedError
			if errors.As(err, &denied) {
				return fmt.Errorf("access denied: you are not part of conversation %s", conversationID)
			}
			return fmt.Errorf("failed to open conversation: %w", err)
		}
		defer session.Close()

		peer, _ := session.Peer()
		view.setPeer(peer)
		fmt.Printf("Chatting with %s. /retry <local-id> resends a failed message, /quit leaves.\n", valueOrDefault(peer.Name, peer.ID))

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				line = strings.TrimSpace(line)
				switch {
				case line == "":
				case line == "/quit":
					return nil
				case strings.HasPrefix(line, "/retry "):
					if _, err := session.Retry(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/retry "))); err != nil {
						fmt.Printf("! retry failed: %v\n", err)
					}
				default:
					if _, err := session.Send(ctx, line); err != nil {
						if errors.Is(err, chatsync.ErrNotConnected) {
							fmt.Println("! not connected, wait for the connection to come back")
							continue
						}
						fmt.Printf("! send failed: %v\n", err)
					}
				}
			}
		}
	},
}

// chatView prints each log entry once. Echoes of own sends are shown as a
// delivery mark instead of a second line.
type chatView struct {
	self string
	out  io.Writer

	mu      sync.Mutex
	peer    chatsync.Participant
	printed map[string]bool
}

func newChatView(self string, out io.Writer) *chatView {
	return &chatView{self: self, out: out, printed: make(map[string]bool)}
}

func (v *chatView) setPeer(p chatsync.Participant) {
	v.mu.Lock()
	v.peer = p
	v.mu.Unlock()
}

func (v *chatView) render(_ string, snapshot []chatsync.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range snapshot {
		if m.IsOptimistic() {
			if v.printed[m.LocalID] {
				continue
			}
			v.printed[m.LocalID] = true
			fmt.Fprintf(v.out, "  %s  me: %s  (sending)\n", m.CreatedAt.Local().Format("15:04"), m.Content)
			continue
		}
		if v.printed[m.ID] {
			continue
		}
		v.printed[m.ID] = true
		if m.LocalID != "" && v.printed[m.LocalID] {
			fmt.Fprintf(v.out, "  %s  me: delivered\n", m.CreatedAt.Local().Format("15:04"))
			continue
		}
		fmt.Fprintf(v.out, "  %s  %s: %s\n", m.CreatedAt.Local().Format("15:04"), v.nameOf(m.SenderID), m.Content)
	}
}

func (v *chatView) nameOf(id string) string {
	if id == v.self {
		return "me"
	}
	if id == v.peer.ID && v.peer.Name != "" {
		return v.peer.Name
	}
	return id
}

func (v *chatView) failed(f chatsync.SendFailure) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "! not delivered (%s): %q  -> /retry %s\n", f.Err.Reason, f.Message.Content, f.Message.LocalID)
}

func (v *chatView) connectivity(ev chatsync.ConnectivityChanged) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case errors.Is(ev.Err, chatsync.ErrExiled):
		fmt.Fprintf(v.out, "-- disconnected by server: %s\n", ev.Reason)
	case ev.State == chatsync.StateReconnecting:
		fmt.Fprintln(v.out, "-- connection lost, reconnecting...")
	case ev.State == chatsync.StateConnected && ev.Previous == chatsync.StateReconnecting:
		fmt.Fprintln(v.out, "-- reconnected")
	case ev.State == chatsync.StateDisconnected && ev.Err != nil:
		fmt.Fprintf(v.out, "-- disconnected: %v\n", ev.Err)
	}
}
