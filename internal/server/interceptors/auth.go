package interceptors

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jia-app/renewalservice/internal/log"
)

// AuthInterceptor checks the operator token on admin calls
type AuthInterceptor struct {
	token              string
	whitelistedMethods map[string]bool
}

// NewAuthInterceptor creates a new authentication interceptor. An empty
// token rejects every method that is not whitelisted.
func NewAuthInterceptor(token string, whitelistedMethods []string) *AuthInterceptor {
	whitelist := make(map[string]bool, len(whitelistedMethods))
	for _, method := range whitelistedMethods {
		whitelist[method] = true
	}
	return &AuthInterceptor{
		token:              token,
		whitelistedMethods: whitelist,
	}
}

// Unary returns a unary interceptor for authentication
func (i *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !i.whitelistedMethods[info.FullMethod] {
			if err := i.authenticate(ctx); err != nil {
				log.Warn(ctx, "Rejected unauthenticated gRPC call")
				return nil, err
			}
		}
		return handler(ctx, req)
	}
}

// Stream returns a stream interceptor for authentication
func (i *AuthInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if !i.whitelistedMethods[info.FullMethod] {
			if err := i.authenticate(stream.Context()); err != nil {
				return err
			}
		}
		return handler(srv, stream)
	}
}

// authenticate expects "authorization: Bearer <token>"
func (i *AuthInterceptor) authenticate(ctx context.Context) error {
	if i.token == "" {
		return status.Errorf(codes.Unauthenticated, "admin access is disabled")
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Errorf(codes.Unauthenticated, "metadata is not provided")
	}

	authHeader := md.Get("authorization")
	if len(authHeader) == 0 {
		return status.Errorf(codes.Unauthenticated, "authorization token is not provided")
	}

	token, found := strings.CutPrefix(authHeader[0], "Bearer ")
	if !found || subtle.ConstantTimeCompare([]byte(token), []byte(i.token)) != 1 {
		return status.Errorf(codes.Unauthenticated, "invalid authorization token")
	}
	return nil
}
