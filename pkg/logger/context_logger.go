package logger

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	runIDKey     ctxKey = "run_id"
	requestIDKey ctxKey = "request_id"
)

// WithRunID stores the analysis run id in ctx.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID returns the run id stored in ctx, if any.
func RunID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey).(string)
	return id, ok && id != ""
}

// WithRequestID stores an HTTP request id in ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ContextLogger decorates log lines with the ids carried by a context: run
// id, request id and the active trace.
type ContextLogger struct {
	logger *zap.Logger
}

func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

func contextFields(ctx context.Context) []zapcore.Field {
	var fields []zapcore.Field
	if id, ok := RunID(ctx); ok {
		fields = append(fields, zap.String("run_id", id))
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	return fields
}

func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := contextFields(ctx)
	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// Sugar returns a sugared logger carrying the context fields.
func (cl *ContextLogger) Sugar(ctx context.Context) *zap.SugaredLogger {
	return cl.WithContext(ctx).Sugar()
}

// RequestInfo describes one served HTTP request.
type RequestInfo struct {
	Method   string
	Route    string
	Status   int
	Duration time.Duration
	Bytes    int
	ClientIP string
}

// LogRequest writes an access log line. Server errors log at error level,
// client errors at warn.
func (cl *ContextLogger) LogRequest(ctx context.Context, req RequestInfo) {
	level := zapcore.InfoLevel
	switch {
	case req.Status >= http.StatusInternalServerError:
		level = zapcore.ErrorLevel
	case req.Status >= http.StatusBadRequest:
		level = zapcore.WarnLevel
	}
	cl.WithContext(ctx).Log(level, "http_request",
		zap.String("method", req.Method),
		zap.String("route", req.Route),
		zap.Int("status_code", req.Status),
		zap.Int64("duration_ms", req.Duration.Milliseconds()),
		zap.Int("response_bytes", req.Bytes),
		zap.String("client_ip", req.ClientIP),
	)
}
