package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/heartline/chatsync/internal/devserver"
)

var (
	devserverAddr   string
	devserverSeed   bool
	devserverSecret string
	devserverMode   string
)

func init() {
	devserverCmd.Flags().StringVar(&devserverAddr, "addr", "127.0.0.1:8080", "Listen address")
	devserverCmd.Flags().BoolVar(&devserverSeed, "seed", true, "Create two matched users (alice, bob) with password \"password\"")
	devserverCmd.Flags().StringVar(&devserverSecret, "secret", "", "HS256 signing secret (random when empty)")
	devserverCmd.Flags().StringVar(&devserverMode, "gin-mode", "release", "gin mode: debug, test or release")
	rootCmd.AddCommand(devserverCmd)
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory chat backend for local experiments",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		logger := cliLogger(cfg)

		srv := devserver.New(devserver.Config{
			Secret: []byte(devserverSecret),
			Mode:   devserverMode,
			Logger: logger,
		})
		defer srv.Close()

		if devserverSeed {
			if err := seed(srv); err != nil {
				return err
			}
		}

		httpSrv := &http.Server{Addr: devserverAddr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

		ctx, stop := signalContext()
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()
		fmt.Printf("Dev server listening on http://%s\n", devserverAddr)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Close()
		return httpSrv.Shutdown(shutdownCtx)
	},
}

func seed(srv *devserver.Server) error {
	for _, u := range []struct{ id, name string }{{"alice", "Alice"}, {"bob", "Bob"}} {
		srv.AddUser(u.id, u.name)
		if err := srv.SetPassword(u.id, "password"); err != nil {
			return fmt.Errorf("seed %s: %w", u.id, err)
		}
	}
	conv, err := srv.CreateMatch("alice", "bob")
	if err != nil {
		return fmt.Errorf("seed match: %w", err)
	}
	if _, err := srv.SeedMessage(conv.ID, "bob", "hey, nice to match with you", time.Now().Add(-time.Minute)); err != nil {
		return fmt.Errorf("seed message: %w", err)
	}
	fmt.Println("Seeded users alice and bob (password \"password\").")
	fmt.Printf("  Conversation: %s\n", conv.ID)
	return nil
}
