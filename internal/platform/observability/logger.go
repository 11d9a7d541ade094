package observability

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/giftwell/api/internal/platform/requestctx"
)

const (
	defaultLogLevel = "info"
	serviceName     = "giftwell-api"
)

// cloudSeverity maps zap levels onto the severity names Cloud Logging
// understands, so log-based alerts can filter on severity directly.
func cloudSeverity(level zapcore.Level) string {
	switch {
	case level >= zapcore.FatalLevel:
		return "CRITICAL"
	case level >= zapcore.DPanicLevel:
		return "ALERT"
	case level >= zapcore.ErrorLevel:
		return "ERROR"
	case level >= zapcore.WarnLevel:
		return "WARNING"
	case level >= zapcore.InfoLevel:
		return "INFO"
	default:
		return "DEBUG"
	}
}

func logLevelFromEnv() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	raw := strings.TrimSpace(os.Getenv("GIFTWELL_LOG_LEVEL"))
	if raw == "" {
		raw = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	}
	if err := level.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}
	return level
}

// NewLogger constructs the process logger: structured JSON on stdout with
// Cloud Logging field names and severities.
func NewLogger() (*zap.Logger, error) {
	encoderCfg := zapcore.EncoderConfig{
		MessageKey: "message",
		TimeKey:    "timestamp",
		LevelKey:   "severity",
		EncodeTime: zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(cloudSeverity(level))
		},
		CallerKey:     "caller",
		EncodeCaller:  zapcore.ShortCallerEncoder,
		StacktraceKey: "stacktrace",
	}

	cfg := zap.Config{
		Level:             logLevelFromEnv(),
		Encoding:          "json",
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     false,
		DisableStacktrace: true,
		InitialFields: map[string]any{
			"service": serviceName,
		},
	}

	return cfg.Build()
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// PrintfAdapter adapts zap to the printf-style logging some platform
// components expect.
type PrintfAdapter struct {
	logger *zap.SugaredLogger
}

// NewPrintfAdapter creates a PrintfAdapter backed by the supplied logger.
func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfAdapter{logger: logger.Sugar()}
}

// Printf implements the Printf-style logging expected by those components.
func (a PrintfAdapter) Printf(format string, args ...any) {
	a.logger.Infof(format, args...)
}

// WithRequestFields augments the logger with request-scoped fields.
func WithRequestFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(fields...)
}
