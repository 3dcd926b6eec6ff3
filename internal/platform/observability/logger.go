package observability

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/storefront/api/internal/platform/requestctx"
)

// NewLogger builds the JSON logger used in Cloud Run. LOG_LEVEL overrides the info default.
func NewLogger() (*zap.Logger, error) {
	return newLogger(os.Getenv("LOG_LEVEL"))
}

func newLogger(levelName string) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if name := strings.ToLower(strings.TrimSpace(levelName)); name != "" {
		_ = level.UnmarshalText([]byte(name))
	}

	cfg := zap.Config{
		Level:    level,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeLevel:   zapcore.CapitalLevelEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
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

// EventLogger is the structured event callback taken by services.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

// NewEventLogger adapts a named zap logger to EventLogger. Request scoped fields
// are picked up when the context carries a request logger. Events ending in
// ".failed" or ".rejected" log at warn level.
func NewEventLogger(base *zap.Logger, component string) EventLogger {
	if base == nil {
		base = zap.NewNop()
	}
	named := base.Named(component)
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := named
		if scoped := requestctx.Logger(ctx); scoped != requestctx.NoopLogger() {
			logger = scoped.Named(component)
		}
		zfields := make([]zap.Field, 0, len(fields)+1)
		zfields = append(zfields, zap.String("event", event))
		for k, v := range fields {
			zfields = append(zfields, zap.Any(k, v))
		}
		if strings.HasSuffix(event, ".failed") || strings.HasSuffix(event, ".rejected") {
			logger.Warn(component+" event", zfields...)
			return
		}
		logger.Info(component+" event", zfields...)
	}
}

// PrintfAdapter exposes a zap logger through Printf for libraries that take one.
type PrintfAdapter struct {
	logger *zap.SugaredLogger
}

func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfAdapter{logger: logger.Sugar()}
}

func (a PrintfAdapter) Printf(format string, args ...any) {
	a.logger.Infof(format, args...)
}
