package interceptors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jia-app/renewalservice/internal/renewal/domain"
)

func ok(ctx context.Context, req interface{}) (interface{}, error) {
	return "ok", nil
}

func TestAuthInterceptor(t *testing.T) {
	auth := NewAuthInterceptor("secret", []string{"/grpc.health.v1.Health/Check"})
	admin := &grpc.UnaryServerInfo{FullMethod: "/renewal.admin.v1.RenewalAdmin/RunRepairPass"}

	tests := []struct {
		name string
		md   metadata.MD
		info *grpc.UnaryServerInfo
		want codes.Code
	}{
		{"valid token", metadata.Pairs("authorization", "Bearer secret"), admin, codes.OK},
		{"no metadata", nil, admin, codes.Unauthenticated},
		{"no header", metadata.Pairs("x-request-id", "r1"), admin, codes.Unauthenticated},
		{"wrong token", metadata.Pairs("authorization", "Bearer other"), admin, codes.Unauthenticated},
		{"missing scheme", metadata.Pairs("authorization", "secret"), admin, codes.Unauthenticated},
		{"whitelisted", nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, codes.OK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.md != nil {
				ctx = metadata.NewIncomingContext(ctx, tt.md)
			}
			_, err := auth.Unary()(ctx, nil, tt.info, ok)
			assert.Equal(t, tt.want, status.Code(err))
		})
	}
}

func TestAuthInterceptor_EmptyTokenDisablesAdmin(t *testing.T) {
	auth := NewAuthInterceptor("", nil)
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "))

	_, err := auth.Unary()(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/x/Y"}, ok)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestTimeoutInterceptor(t *testing.T) {
	timeouts := NewTimeoutInterceptor(time.Second, map[string]time.Duration{"/x/Slow": 10 * time.Millisecond})

	slow := func(ctx context.Context, req interface{}) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := timeouts.Unary()(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Slow"}, slow)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))

	resp, err := timeouts.Unary()(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Fast"}, ok)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestErrorHandlerInterceptor(t *testing.T) {
	handler := NewErrorHandlerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/x/Y"}

	tests := []struct {
		err  error
		want codes.Code
	}{
		{domain.NewInvalidInputError("invalid order_id", "x"), codes.InvalidArgument},
		{domain.NewRecordUnavailableError("subscription", "x", context.DeadlineExceeded), codes.Unavailable},
		{context.Canceled, codes.Canceled},
		{status.Error(codes.PermissionDenied, "no"), codes.PermissionDenied},
	}

	for _, tt := range tests {
		failing := func(ctx context.Context, req interface{}) (interface{}, error) { return nil, tt.err }
		_, err := handler.Unary()(context.Background(), nil, info, failing)
		assert.Equal(t, tt.want, status.Code(err), tt.err.Error())
	}
}
