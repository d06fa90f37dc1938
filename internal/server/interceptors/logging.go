package interceptors

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jia-app/renewalservice/internal/log"
	"github.com/jia-app/renewalservice/internal/metrics"
)

// LoggingInterceptor provides request logging middleware for gRPC
type LoggingInterceptor struct{}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor() *LoggingInterceptor {
	return &LoggingInterceptor{}
}

// Unary returns a unary interceptor for request logging
func (i *LoggingInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		ctx = log.WithRequestID(ctx, requestID(ctx))

		resp, err := handler(ctx, req)

		code := status.Code(err)
		metrics.RecordGRPCRequest(info.FullMethod, code.String())

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
			zap.String("code", code.String()),
		}
		if err != nil {
			log.Error(ctx, "gRPC request failed", append(fields, zap.String("error", status.Convert(err).Message()))...)
		} else {
			log.Info(ctx, "gRPC request completed", fields...)
		}
		return resp, err
	}
}

// Stream returns a stream interceptor for request logging
func (i *LoggingInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		ctx := log.WithRequestID(stream.Context(), requestID(stream.Context()))

		err := handler(srv, &wrappedServerStream{ServerStream: stream, ctx: ctx})

		code := status.Code(err)
		metrics.RecordGRPCRequest(info.FullMethod, code.String())
		log.Info(ctx, "gRPC stream finished",
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
			zap.String("code", code.String()))
		return err
	}
}

// wrappedServerStream wraps grpc.ServerStream to provide a custom context
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// requestID reuses the caller's x-request-id or generates one
func requestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 && ids[0] != "" {
			return ids[0]
		}
	}
	return uuid.New().String()
}
