package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"memberfund.org/internal/auth"
	"memberfund.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry for actor. The actor is passed explicitly;
// a zero identity falls back to whatever the context carries.
func LogEvent(ctx context.Context, actor auth.Identity, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	if actor.IsZero() {
		actor, _ = auth.IdentityFromContext(ctx)
	}
	zf := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if !actor.IsZero() {
		zf = append(zf, zap.String("actor_id", actor.UserID), zap.String("actor_role", string(actor.Role)))
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	zf = append(zf, zap.Any("fields", copied))
	obs.Logger().Info("audit", zf...)
	return nil
}
