// Package logctx enriches slog records with request, flow and tool attributes
// carried in the context, so every log line emitted below the HTTP surface is
// automatically correlated.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}

	if fd, ok := ctx.Value(flowDataKey{}).(*FlowData); ok {
		r.AddAttrs(slog.Group("flow",
			slog.String("state", fd.State),
			slog.String("subject", fd.Subject),
		))
	}

	if td, ok := ctx.Value(toolDataKey{}).(*ToolData); ok {
		r.AddAttrs(slog.Group("tool",
			slog.String("name", td.ToolName),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type flowDataKey struct{}

// FlowData identifies the authorization flow (or, after redemption, the
// subject) a log line belongs to. State values are opaque and single-use, so
// logging them does not leak a usable credential.
type FlowData struct {
	State   string
	Subject string
}

func WithFlowData(ctx context.Context, data *FlowData) context.Context {
	return context.WithValue(ctx, flowDataKey{}, data)
}

type toolDataKey struct{}

type ToolData struct {
	ToolName string
}

func WithToolData(ctx context.Context, data *ToolData) context.Context {
	return context.WithValue(ctx, toolDataKey{}, data)
}
