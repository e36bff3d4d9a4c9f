// Package logging is the logging facade shared by every component.
//
// Components take a Logger in their constructors; binaries build one from
// config with New and may install it as the process default with SetGlobal.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a context-aware structured logger.
type Logger interface {
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
	Debug(ctx context.Context, msg string, args ...any)
	With(args ...any) Logger
}

// SlogLogger is the slog-backed Logger.
type SlogLogger struct{ l *slog.Logger }

// Options selects the handler and minimum level.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Output io.Writer
}

// New builds a Logger from options. Unknown levels fall back to info.
func New(opts Options) *SlogLogger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	ho := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var h slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		h = slog.NewJSONHandler(out, ho)
	} else {
		h = slog.NewTextHandler(out, ho)
	}
	return &SlogLogger{l: slog.New(h)}
}

// ParseLevel maps a config string onto a slog level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (s *SlogLogger) Info(ctx context.Context, msg string, args ...any) {
	s.l.InfoContext(ctx, msg, args...)
}
func (s *SlogLogger) Warn(ctx context.Context, msg string, args ...any) {
	s.l.WarnContext(ctx, msg, args...)
}
func (s *SlogLogger) Error(ctx context.Context, msg string, args ...any) {
	s.l.ErrorContext(ctx, msg, args...)
}
func (s *SlogLogger) Debug(ctx context.Context, msg string, args ...any) {
	s.l.DebugContext(ctx, msg, args...)
}
func (s *SlogLogger) With(args ...any) Logger { return &SlogLogger{l: s.l.With(args...)} }

// Nop discards everything. Handy in tests.
func Nop() Logger { return New(Options{Output: io.Discard}) }

var defaultLogger Logger = New(Options{})

// L returns the process-wide default logger.
func L() Logger { return defaultLogger }

// SetGlobal replaces the process-wide default logger. nil is ignored.
func SetGlobal(l Logger) {
	if l != nil {
		defaultLogger = l
	}
}
