package telemetry

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type sessionContextKey struct{}

// SessionMeta identifies one authenticated remote call.
type SessionMeta struct {
	SessionID string
	Principal string
	TraceID   string
	SpanID    string
}

func (m SessionMeta) IsZero() bool {
	return m.SessionID == "" && m.Principal == "" && m.TraceID == "" && m.SpanID == ""
}

func WithSessionMeta(ctx context.Context, meta SessionMeta) context.Context {
	if meta.IsZero() {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sessionContextKey{}, meta)
}

func SessionMetaFromContext(ctx context.Context) (SessionMeta, bool) {
	if ctx == nil {
		return SessionMeta{}, false
	}
	meta, ok := ctx.Value(sessionContextKey{}).(SessionMeta)
	return meta, ok && !meta.IsZero()
}

// PrincipalFromContext returns the authenticated principal name of the call.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	meta, ok := SessionMetaFromContext(ctx)
	if !ok || meta.Principal == "" {
		return "", false
	}
	return meta.Principal, true
}

func NewSessionID() string {
	return uuid.NewString()
}

func TraceSpanFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	span := trace.SpanFromContext(ctx)
	spanCtx := span.SpanContext()
	if !spanCtx.IsValid() {
		return "", ""
	}
	return spanCtx.TraceID().String(), spanCtx.SpanID().String()
}

// StartSession attaches a fresh session id and the principal to ctx.
func StartSession(ctx context.Context, principal string) (context.Context, SessionMeta) {
	traceID, spanID := TraceSpanFromContext(ctx)
	meta := SessionMeta{
		SessionID: NewSessionID(),
		Principal: principal,
		TraceID:   traceID,
		SpanID:    spanID,
	}
	return WithSessionMeta(ctx, meta), meta
}

func SessionFields(meta SessionMeta) []zap.Field {
	if meta.IsZero() {
		return nil
	}
	fields := make([]zap.Field, 0, 4)
	if meta.SessionID != "" {
		fields = append(fields, SessionIDField(meta.SessionID))
	}
	if meta.Principal != "" {
		fields = append(fields, PrincipalField(meta.Principal))
	}
	if meta.TraceID != "" {
		fields = append(fields, TraceIDField(meta.TraceID))
	}
	if meta.SpanID != "" {
		fields = append(fields, SpanIDField(meta.SpanID))
	}
	return fields
}

func LoggerWithSession(ctx context.Context, base *zap.Logger) *zap.Logger {
	logger := base
	if logger == nil {
		logger = zap.NewNop()
	}
	meta, ok := SessionMetaFromContext(ctx)
	if !ok {
		return logger
	}
	return logger.With(SessionFields(meta)...)
}
