package interceptors

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jia-app/renewalservice/internal/log"
)

// TimeoutInterceptor bounds how long a unary call may run
type TimeoutInterceptor struct {
	defaultTimeout time.Duration
	methodTimeouts map[string]time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(defaultTimeout time.Duration, methodTimeouts map[string]time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{
		defaultTimeout: defaultTimeout,
		methodTimeouts: methodTimeouts,
	}
}

// Unary returns a unary interceptor for timeout handling
func (i *TimeoutInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		timeout := i.timeoutFor(info.FullMethod)

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, err := handler(ctx, req)
		if err != nil && ctx.Err() == context.DeadlineExceeded {
			log.Warn(ctx, "Request timeout exceeded",
				zap.String("method", info.FullMethod),
				zap.Duration("timeout", timeout))
			return nil, status.Errorf(codes.DeadlineExceeded, "request timeout exceeded")
		}
		return resp, err
	}
}

func (i *TimeoutInterceptor) timeoutFor(method string) time.Duration {
	if timeout, exists := i.methodTimeouts[method]; exists {
		return timeout
	}
	return i.defaultTimeout
}
