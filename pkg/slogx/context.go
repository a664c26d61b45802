package slogx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func FromContext(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	if !ok {
		return slog.Default()
	}
	return l
}

// WithCorrelation attaches a correlation id to the context logger so every
// decision logged for one attempt can be tied back to the denial the caller
// received.
func WithCorrelation(ctx context.Context, correlationID string) context.Context {
	l := FromContext(ctx)
	return WithContext(ctx, l.With("correlation_id", correlationID))
}

// WithTenant scopes the context logger to a tenant.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	l := FromContext(ctx)
	return WithContext(ctx, l.With("tenant_id", tenantID))
}
