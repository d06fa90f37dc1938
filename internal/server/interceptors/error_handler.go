package interceptors

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jia-app/renewalservice/internal/log"
	"github.com/jia-app/renewalservice/internal/metrics"
	"github.com/jia-app/renewalservice/internal/renewal/domain"
)

// ErrorHandlerInterceptor converts renewal engine errors to gRPC statuses
type ErrorHandlerInterceptor struct{}

// NewErrorHandlerInterceptor creates a new error handler interceptor
func NewErrorHandlerInterceptor() *ErrorHandlerInterceptor {
	return &ErrorHandlerInterceptor{}
}

// Unary returns a unary interceptor for error handling
func (i *ErrorHandlerInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			return resp, i.handleError(ctx, err, info.FullMethod)
		}
		return resp, nil
	}
}

// Stream returns a stream interceptor for error handling
func (i *ErrorHandlerInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if err := handler(srv, stream); err != nil {
			return i.handleError(stream.Context(), err, info.FullMethod)
		}
		return nil
	}
}

func (i *ErrorHandlerInterceptor) handleError(ctx context.Context, err error, method string) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "request timeout")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	}

	st := domain.ToGRPCStatus(err)
	if st.Code() == codes.Internal || st.Code() == codes.Unavailable {
		log.Error(ctx, "Error occurred in gRPC method",
			zap.String("method", method),
			zap.Error(err))
		metrics.RecordError(st.Code().String(), "grpc")
	}
	return st.Err()
}
