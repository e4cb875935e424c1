package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

type logFormat int

const (
	logText logFormat = iota
	logJSON
)

func parseLogFormat(s string) (logFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "tint":
		return logText, nil
	case "json":
		return logJSON, nil
	}
	return 0, fmt.Errorf("unknown log format %q (valid: text, json)", s)
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return slog.LevelWarn, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
}

// newLogger builds a colorful handler for terminals and JSON for log collectors.
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	f, err := parseLogFormat(format)
	if err != nil {
		return nil, err
	}
	lvl, err := parseLogLevel(level)
	if err != nil {
		return nil, err
	}
	if f == logJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	})), nil
}

// cliLogger resolves flags over config and logs to stderr.
func cliLogger(cfg *Config) *slog.Logger {
	format := valueOrDefault(flagLogFormat, cfg.Default.LogFormat)
	level := valueOrDefault(flagLogLevel, cfg.Default.LogLevel)
	logger, err := newLogger(os.Stderr, format, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid logging settings: %v\n", err)
		os.Exit(1)
	}
	return logger
}
