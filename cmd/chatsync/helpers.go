package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heartline/chatsync"
)

// getClient creates a client authenticated with the stored token.
func getClient(cfg *Config, logger *slog.Logger) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, chatsync.WithLogger(logger))
	return chatsync.NewClient(cfg.Auth.Token, opts...)
}

// requireCredential returns the stored identity or exits when nobody is
// signed in or the token expired.
func requireCredential(cfg *Config) chatsync.Credential {
	cred := chatsync.Credential{Identity: cfg.Auth.UserID, Token: cfg.Auth.Token}
	if cred.Token == "" || cred.Identity == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'chatsync login <user-id>' first.")
		os.Exit(1)
	}
	if err := cred.Validate(time.Now()); err != nil {
		fmt.Fprintf(os.Stderr, "Stored credential unusable: %v\nRun 'chatsync login <user-id>' again.\n", err)
		os.Exit(1)
	}
	return cred
}

// mustLoadConfig loads the config or exits.
func mustLoadConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// signalContext is cancelled on Ctrl-C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
