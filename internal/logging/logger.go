// Package logging wraps structured logging with OpenTelemetry span
// correlation so every log line a worker emits can be traced back to the
// connection that produced it.
package logging

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger pairs a structured slog.Logger with an OpenTelemetry tracer.
// Time Complexity: O(1) for logging operations.
type Logger struct {
	slogger *slog.Logger
	tracer  trace.Tracer
}

// New creates a structured JSON logger correlated with the given service's
// tracer.
func New(service string) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			return a
		},
	})

	return &Logger{
		slogger: slog.New(handler),
		tracer:  otel.Tracer(service),
	}
}

// Debug logs a debug-level message, correlated with the active span if any.
func (l *Logger) Debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logWithTrace(ctx, slog.LevelDebug, msg, attrs...)
}

// Info logs an informational message.
func (l *Logger) Info(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logWithTrace(ctx, slog.LevelInfo, msg, attrs...)
}

// Warn logs a recoverable-condition message.
func (l *Logger) Warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logWithTrace(ctx, slog.LevelWarn, msg, attrs...)
}

// Error logs an error, records it on the active span, and marks the span
// as failed.
func (l *Logger) Error(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
	}
	l.logWithTrace(ctx, slog.LevelError, msg, attrs...)
}

// logWithTrace appends trace/span correlation fields, when a valid span is
// present in ctx, before emitting the log line.
func (l *Logger) logWithTrace(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
		)
	}

	attrs = append(attrs, slog.Time("timestamp", time.Now()))
	l.slogger.LogAttrs(ctx, level, msg, attrs...)
}

// StartSpan starts a new span under this logger's tracer, for correlating a
// connection's full lifecycle (parse, cache lookup, upstream fetch) under
// one trace.
func (l *Logger) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}
