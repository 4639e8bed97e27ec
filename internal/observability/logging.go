package observability

import (
	"context"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/covenant/internal/config"
	"github.com/pitabwire/covenant/model"
)

// Redacted replaces secret values in logged details.
const Redacted = "[REDACTED]"

// NewLogger creates a zap.Logger configured for JSON output to stdout.
// Every entry carries the service name and build version.
//
// Log level usage conventions:
//   - error: Infrastructure failures (DB down, unhandled panics), 5xx responses
//   - warn:  Failed notifications, capability resolution failures
//   - info:  Requests, workflow transitions, signing events, job runs
//   - debug: Lease handling, cron scheduler chatter
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields: map[string]any{
			"service": "covenant",
			"version": Version,
		},
	}

	return zapCfg.Build()
}

// RequestLogger returns logger enriched with the request ID, the trace and
// span IDs and the authenticated actor, when present in ctx.
func RequestLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	var fields []zap.Field
	if id := middleware.GetReqID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if id := TraceIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("trace_id", id), zap.String("span_id", SpanIDFromContext(ctx)))
	}
	if actor := model.ActorFrom(ctx); actor != nil {
		fields = append(fields, zap.String("actor_id", actor.ID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// secretKeys are detail keys whose values never reach the logs. Matching is
// case-insensitive.
var secretKeys = map[string]bool{
	"token":           true,
	"raw_token":       true,
	"token_hash":      true,
	"signing_url":     true,
	"signature_image": true,
	"secret":          true,
	"password":        true,
	"authorization":   true,
}

// RedactDetails returns a copy of details with secret values replaced by
// Redacted. Nested maps are redacted too; details is never modified.
func RedactDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		switch {
		case secretKeys[strings.ToLower(k)]:
			out[k] = Redacted
		case isMap(v):
			out[k] = RedactDetails(v.(map[string]any))
		default:
			out[k] = v
		}
	}
	return out
}

func isMap(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}
