// Package logger is a small structured logging front for offline0 built on
// log/slog. All functions are safe for concurrent use.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds logger configuration
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or file path
}

// Standard field keys
const (
	KeyMethod     = "method"
	KeyURL        = "url"
	KeyStatus     = "status"
	KeyStrategy   = "strategy"
	KeySource     = "source"
	KeyTag        = "tag"
	KeyID         = "id"
	KeyGeneration = "generation"
	KeyNamespace  = "namespace"
	KeyCount      = "count"
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
)

var (
	mu      sync.RWMutex
	level   = new(slog.LevelVar)
	format  = "text"
	output  io.Writer = os.Stdout
	slogger *slog.Logger
)

func init() {
	level.Set(slog.LevelInfo)
	reconfigure()
}

func reconfigure() {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = slog.NewTextHandler(output, opts)
	}
	slogger = slog.New(h)
}

// Init applies cfg. Empty fields keep their current value.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(cfg.Output) {
	case "":
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %q: %w", cfg.Output, err)
		}
		output = f
	}
	if cfg.Level != "" {
		lv, err := parseLevel(cfg.Level)
		if err != nil {
			return err
		}
		level.Set(lv)
	}
	switch strings.ToLower(cfg.Format) {
	case "":
	case "text", "json":
		format = strings.ToLower(cfg.Format)
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}
	reconfigure()
	return nil
}

// InitWithWriter points the logger at w. Used by tests.
func InitWithWriter(w io.Writer, lvl, fmtName string) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	if lv, err := parseLevel(lvl); err == nil {
		level.Set(lv)
	}
	if fmtName == "json" || fmtName == "text" {
		format = fmtName
	}
	reconfigure()
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func get() *slog.Logger {
	mu.RLock()
	l := slogger
	mu.RUnlock()
	return l
}

func Debug(msg string, args ...any) { get().Debug(msg, args...) }
func Info(msg string, args ...any)  { get().Info(msg, args...) }
func Warn(msg string, args ...any)  { get().Warn(msg, args...) }
func Error(msg string, args ...any) { get().Error(msg, args...) }

// Err is shorthand for the error attribute.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
