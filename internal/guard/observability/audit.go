// Package observability provides audit logging helpers for the guard module.
package observability

import (
	"context"
	"log/slog"

	"queryguard/pkg/requestcontext"
)

// LogAudit is a shared helper for logging security-relevant admission events
// across guard services. Events carry the request ID for traceability and a
// log_type marker so audit lines can be filtered downstream.
func LogAudit(ctx context.Context, logger *slog.Logger, event string, attrs ...any) {
	if logger == nil {
		return
	}
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	args := append(attrs, "event", event, "log_type", "audit")
	logger.InfoContext(ctx, event, args...)
}
