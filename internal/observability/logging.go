package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/adoption/internal/config"
	"github.com/pitabwire/adoption/model"
)

const redacted = "[REDACTED]"

type loggerKey struct{}

// NewLogger builds the process logger. Output is JSON unless log_format is
// "console", which the CLI subcommands use for human-readable output.
//
// Levels:
//   - error: store outages, panics, dropped notifications
//   - warn:  denied or illegal transitions, sink failures, breaker trips
//   - info:  committed transitions and cascades, expiry sweeps, requests
//   - debug: idempotent replays, redacted transition payloads
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	encoding := "json"
	if cfg.LogFormat == "console" {
		encoding = "console"
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    enc,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback when there is none.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger tags the context logger with the caller's identity and the
// workflow role it acts as.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("actor_role", string(rctx.Actor().Role)),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// RedactedPayload logs a transition payload with its credentials masked.
// Signature, payment proof and contract token are reported only as present.
func RedactedPayload(key string, p model.Payload) zap.Field {
	return zap.Object(key, payloadMarshaler(p))
}

type payloadMarshaler model.Payload

func (p payloadMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if p.ScheduledAt != nil {
		enc.AddTime("scheduled_at", *p.ScheduledAt)
	}
	addNonEmpty(enc, "interviewer_id", p.InterviewerID)
	addNonEmpty(enc, "result", p.Result)
	addNonEmpty(enc, "reason", p.Reason)
	addNonEmpty(enc, "override_status", p.OverrideStatus)
	for _, secret := range []struct{ key, value string }{
		{"signature", p.Signature},
		{"payment_proof", p.PaymentProof},
		{"contract_token", p.ContractToken},
	} {
		if secret.value != "" {
			enc.AddString(secret.key, redacted)
		}
	}
	return nil
}

func addNonEmpty(enc zapcore.ObjectEncoder, key, value string) {
	if value != "" {
		enc.AddString(key, value)
	}
}
