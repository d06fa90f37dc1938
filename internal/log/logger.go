package log

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Context keys for request-scoped fields
type contextKey string

const (
	RequestIDKey      contextKey = "request_id"
	TraceIDKey        contextKey = "trace_id"
	SubscriptionIDKey contextKey = "subscription_id"
	OrderIDKey        contextKey = "order_id"
)

// contextFields are copied from ctx onto every logger returned by L, in this order
var contextFields = []contextKey{RequestIDKey, TraceIDKey, SubscriptionIDKey, OrderIDKey}

var global atomic.Pointer[zap.Logger]

// Init installs a JSON production logger at level as the global logger.
// An unknown level falls back to info.
func Init(level string) error {
	logger, err := NewProduction(level)
	if err != nil {
		return err
	}
	global.Store(logger)
	return nil
}

// SetGlobal replaces the global logger. Tests use it to install an observer
// core; nil restores the lazily built default.
func SetGlobal(logger *zap.Logger) {
	global.Store(logger)
}

// NewProduction builds the service's JSON logger
func NewProduction(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	return cfg.Build()
}

func base() *zap.Logger {
	if logger := global.Load(); logger != nil {
		return logger
	}
	logger, err := NewProduction("info")
	if err != nil {
		logger = zap.NewNop()
	}
	global.CompareAndSwap(nil, logger)
	return global.Load()
}

// L returns the global logger carrying the request-scoped fields found in ctx
func L(ctx context.Context) *zap.Logger {
	return withContext(ctx, nil)
}

// withContext adds the context fields not named in fields. An explicit field
// replaces the context value so no key appears twice in one entry.
func withContext(ctx context.Context, fields []zap.Field) *zap.Logger {
	logger := base()
	for _, key := range contextFields {
		if hasField(fields, string(key)) {
			continue
		}
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			logger = logger.With(zap.String(string(key), v))
		}
	}
	return logger
}

func hasField(fields []zap.Field, key string) bool {
	for _, f := range fields {
		if f.Key == key {
			return true
		}
	}
	return false
}

// Channel returns a named logger. Each channel is its own stream in the
// output (the "logger" key), e.g. the repair job's progress log.
func Channel(name string) *zap.Logger {
	return base().Named(name)
}

// WithRequestID adds request_id to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithTraceID adds trace_id to the context for logging
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSubscriptionID adds subscription_id to the context for logging
func WithSubscriptionID(ctx context.Context, subscriptionID string) context.Context {
	return context.WithValue(ctx, SubscriptionIDKey, subscriptionID)
}

// WithOrderID adds order_id to the context for logging
func WithOrderID(ctx context.Context, orderID string) context.Context {
	return context.WithValue(ctx, OrderIDKey, orderID)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	withContext(ctx, fields).Info(msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	withContext(ctx, fields).Error(msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	withContext(ctx, fields).Warn(msg, fields...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	withContext(ctx, fields).Debug(msg, fields...)
}
