// Package requestctx carries per-request values set by the HTTP middleware
// into hook dispatches started by that request.
package requestctx

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	requestTimeKey
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func WithRequestTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey, t)
}

// RequestID returns the request ID, or "" outside a request.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func RequestTime(ctx context.Context) time.Time {
	if t, ok := ctx.Value(requestTimeKey).(time.Time); ok {
		return t
	}
	return time.Time{}
}

// Elapsed returns the time since the request started, or zero outside a request.
func Elapsed(ctx context.Context) time.Duration {
	start := RequestTime(ctx)
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}

// Logger returns the global logger tagged with the request ID, if any.
func Logger(ctx context.Context) *zerolog.Logger {
	id := RequestID(ctx)
	if id == "" {
		return &log.Logger
	}
	l := log.With().Str("request_id", id).Logger()
	return &l
}
