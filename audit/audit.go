// Package audit records authorization decisions. Every tool listing and
// every invocation attempt produces exactly one record, allowed or denied.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Action identifies what the caller was trying to do.
type Action string

const (
	ActionList   Action = "tools.list"
	ActionInvoke Action = "tools.invoke"
)

// Decision is the outcome of an authorization check.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
)

// Record is one authorization decision.
type Record struct {
	SubjectID string
	Action    Action
	// Tools holds the tool names the decision covers: the permitted set for
	// a listing, or the single requested tool for an invocation.
	Tools    []string
	Decision Decision
	// Reason is a short machine-oriented explanation for denials.
	Reason string
	At     time.Time
}

// Sink receives finished records.
type Sink interface {
	Write(ctx context.Context, rec Record)
}

// Logger is a Sink that emits records as structured log entries.
type Logger struct {
	log *slog.Logger
}

var _ Sink = (*Logger)(nil)

// NewLogger builds a Sink over the given slog handler. A nil handler
// discards records.
func NewLogger(h slog.Handler) *Logger {
	if h == nil {
		h = slog.DiscardHandler
	}
	return &Logger{log: slog.New(h)}
}

func (l *Logger) Write(ctx context.Context, rec Record) {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	attrs := []any{
		slog.String("subject", rec.SubjectID),
		slog.String("action", string(rec.Action)),
		slog.String("decision", string(rec.Decision)),
		slog.Any("tools", rec.Tools),
		slog.Time("at", rec.At),
	}
	if rec.Reason != "" {
		attrs = append(attrs, slog.String("reason", rec.Reason))
	}
	l.log.InfoContext(ctx, "authz.decision", attrs...)
}
