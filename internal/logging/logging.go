// Package logging wires the process-wide slog configuration. Every
// component takes a *slog.Logger and tags itself with a "component"
// attribute; this package only decides where the records go and at
// what level.
package logging

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
)

// Config selects the log destination and level.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
	// Format is "json" or "text".
	Format string `toml:"format"`
	// File, when set, duplicates output to this path on top of
	// stdout.
	File string `toml:"file"`
}

// LevelManager allows runtime log level adjustment.
type LevelManager struct {
	mu      sync.RWMutex
	current slog.Level
	leveler *slog.LevelVar
}

var globalLevelManager = &LevelManager{
	current: slog.LevelInfo,
	leveler: new(slog.LevelVar),
}

// GetLevelManager returns the global level manager.
func GetLevelManager() *LevelManager {
	return globalLevelManager
}

// SetLevel changes the level of every handler built by Initialize.
func (m *LevelManager) SetLevel(level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = level
	m.leveler.Set(level)
}

// Level returns the current level.
func (m *LevelManager) Level() slog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ParseLevel converts a config string to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, errors.New("invalid log level: " + s)
}

// Initialize builds the default slog logger from config and installs
// it process-wide. Called once at startup; a bad file path degrades to
// stdout-only logging rather than failing the boot.
func Initialize(config Config) *slog.Logger {
	level, err := ParseLevel(config.Level)
	if err != nil {
		slog.Warn("Invalid log level in config, defaulting to info", "configured_level", config.Level)
		level = slog.LevelInfo
	}
	globalLevelManager.SetLevel(level)

	var out io.Writer = os.Stdout
	if config.File != "" {
		if err := os.MkdirAll(filepath.Dir(config.File), 0755); err != nil {
			slog.Warn("Failed to create log directory", "path", config.File, "error", err)
		} else if f, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600); err != nil {
			slog.Warn("Failed to open log file, logging to stdout only", "path", config.File, "error", err)
		} else {
			out = io.MultiWriter(os.Stdout, f)
		}
	}

	opts := &slog.HandlerOptions{Level: globalLevelManager.leveler}
	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	logger.Info("Logging initialized", "level", level.String(), "format", config.Format, "file", config.File)
	return logger
}

// Sanitize normalizes a string for logging: one line, no control
// characters. Applied to values that originate in remote SMTP
// responses or message headers.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")

	var b strings.Builder
	for _, r := range s {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
