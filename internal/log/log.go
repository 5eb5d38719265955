// Package log wires slog to the configured log file.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mmcdole/dailybrief/internal/config"
)

// SetupLogger opens the configured log file and returns a JSON slog
// logger writing to it. The file is created on first use and appended
// to afterwards.
func SetupLogger(cfg *config.LoggingConfig) (*slog.Logger, error) {
	path, err := expandPath(cfg.File)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level(cfg.Level),
	})), nil
}

// level maps a config level string to a slog.Level. Unknown values
// fall back to Info.
func level(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// expandPath resolves a leading "~/" against the user's home directory.
func expandPath(path string) (string, error) {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, rest), nil
}

// NullLogger returns a logger that discards all output.
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
