// Package logging provides structured logging setup using slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// caseIDKey is the context key for case correlation IDs.
type caseIDKey struct{}

// New creates a structured JSON logger writing to stdout.
func New(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewText creates a human-readable logger for CLI commands.
func NewText(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithCaseID returns a new context carrying the case correlation ID.
func WithCaseID(ctx context.Context, caseID string) context.Context {
	return context.WithValue(ctx, caseIDKey{}, caseID)
}

// CaseIDFromContext extracts the case correlation ID from the context.
func CaseIDFromContext(ctx context.Context) string {
	if v := ctx.Value(caseIDKey{}); v != nil {
		return v.(string)
	}
	return ""
}

// FromContext returns base with context fields (case ID) attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if caseID := CaseIDFromContext(ctx); caseID != "" {
		return base.With("case_id", caseID)
	}
	return base
}
