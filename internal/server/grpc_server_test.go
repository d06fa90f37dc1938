package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jia-app/renewalservice/internal/config"
	"github.com/jia-app/renewalservice/internal/renewal/domain"
	"github.com/jia-app/renewalservice/internal/renewal/usecase"
)

const adminToken = "operator-secret"

type fakeOps struct {
	order     *domain.RenewalOrder
	err       error
	statusSet map[uuid.UUID]domain.OrderStatus
	pass      usecase.RepairPassResult
	created   int
}

func (f *fakeOps) CreateRenewalOrder(ctx context.Context, id uuid.UUID) (*domain.RenewalOrder, error) {
	return f.order, f.err
}

func (f *fakeOps) CreateRetryOrder(ctx context.Context, id uuid.UUID) (*domain.RenewalOrder, error) {
	return f.order, f.err
}

func (f *fakeOps) CreateResubscribeOrder(ctx context.Context, id uuid.UUID) (*domain.RenewalOrder, error) {
	return f.order, f.err
}

func (f *fakeOps) SetOrderStatus(ctx context.Context, id uuid.UUID, s domain.OrderStatus) error {
	if f.err != nil {
		return f.err
	}
	f.statusSet[id] = s
	return nil
}

func (f *fakeOps) RunPass(ctx context.Context) (usecase.RepairPassResult, error) {
	return f.pass, f.err
}

func (f *fakeOps) ScanDue(ctx context.Context, now time.Time) (int, error) {
	return f.created, f.err
}

func startServer(t *testing.T, ops *fakeOps, checks map[string]HealthCheck) (*GRPCServer, *grpc.ClientConn) {
	t.Helper()

	srv := NewGRPCServer(config.GRPCConfig{AdminToken: adminToken}, zap.NewNop(), checks)
	NewAdminService(ops, ops, ops, ops).Register(srv.GetServer())

	listener := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.ServeListener(ctx, listener)
		close(done)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return srv, conn
}

func authorized() context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+adminToken)
}

func invokeAdmin(ctx context.Context, conn *grpc.ClientConn, method string, req, resp interface{}) error {
	return conn.Invoke(ctx, "/"+AdminServiceName+"/"+method, req, resp)
}

func TestAdmin_CreateRenewalOrder(t *testing.T) {
	order := &domain.RenewalOrder{
		ID:          uuid.New(),
		Kind:        domain.OrderKindRenewal,
		Status:      domain.OrderStatusPending,
		AmountCents: 1500,
		Currency:    "USD",
	}
	_, conn := startServer(t, &fakeOps{order: order}, nil)

	var resp structpb.Struct
	err := invokeAdmin(authorized(), conn, "CreateRenewalOrder", wrapperspb.String(uuid.NewString()), &resp)
	require.NoError(t, err)

	fields := resp.GetFields()
	assert.Equal(t, order.ID.String(), fields["id"].GetStringValue())
	assert.Equal(t, "pending", fields["status"].GetStringValue())
	assert.Equal(t, float64(1500), fields["amount_cents"].GetNumberValue())
}

func TestAdmin_ErrorsMapToStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"creation", domain.NewCreationError("subscription has ended", ""), codes.InvalidArgument},
		{"not found", domain.NewNotFoundError("subscription", "x"), codes.NotFound},
		{"transition", domain.NewInvalidTransitionError("renewal order", "completed", "retry"), codes.FailedPrecondition},
		{"internal", errors.New("connection reset"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, conn := startServer(t, &fakeOps{err: tt.err}, nil)

			var resp structpb.Struct
			err := invokeAdmin(authorized(), conn, "CreateRetryOrder", wrapperspb.String(uuid.NewString()), &resp)
			assert.Equal(t, tt.want, status.Code(err))
		})
	}
}

func TestAdmin_InvalidID(t *testing.T) {
	_, conn := startServer(t, &fakeOps{}, nil)

	var resp structpb.Struct
	err := invokeAdmin(authorized(), conn, "CreateResubscribeOrder", wrapperspb.String("not-a-uuid"), &resp)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestAdmin_SetOrderStatus(t *testing.T) {
	ops := &fakeOps{statusSet: map[uuid.UUID]domain.OrderStatus{}}
	_, conn := startServer(t, ops, nil)
	orderID := uuid.New()

	req, err := structpb.NewStruct(map[string]interface{}{
		"order_id": orderID.String(),
		"status":   "completed",
	})
	require.NoError(t, err)

	require.NoError(t, invokeAdmin(authorized(), conn, "SetOrderStatus", req, &emptypb.Empty{}))
	assert.Equal(t, domain.OrderStatusCompleted, ops.statusSet[orderID])
}

func TestAdmin_RunRepairPassAndScan(t *testing.T) {
	ops := &fakeOps{
		pass:    usecase.RepairPassResult{Candidates: 30, Processed: 29, Failed: 1, MoreRemaining: true},
		created: 4,
	}
	_, conn := startServer(t, ops, nil)

	var pass structpb.Struct
	require.NoError(t, invokeAdmin(authorized(), conn, "RunRepairPass", &emptypb.Empty{}, &pass))
	assert.Equal(t, float64(29), pass.GetFields()["processed"].GetNumberValue())
	assert.True(t, pass.GetFields()["more_remaining"].GetBoolValue())

	var scan structpb.Struct
	require.NoError(t, invokeAdmin(authorized(), conn, "ScanDueRenewals", &emptypb.Empty{}, &scan))
	assert.Equal(t, float64(4), scan.GetFields()["created"].GetNumberValue())
}

func TestAdmin_RequiresToken(t *testing.T) {
	_, conn := startServer(t, &fakeOps{}, nil)

	var resp structpb.Struct
	err := invokeAdmin(context.Background(), conn, "RunRepairPass", &emptypb.Empty{}, &resp)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	wrong := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer nope")
	err = invokeAdmin(wrong, conn, "RunRepairPass", &emptypb.Empty{}, &resp)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestHealth_FollowsDependencyChecks(t *testing.T) {
	redisErr := errors.New("dial tcp: connection refused")
	checks := map[string]HealthCheck{
		"postgres": func(ctx context.Context) error { return nil },
		"redis":    func(ctx context.Context) error { return redisErr },
	}
	srv, conn := startServer(t, &fakeOps{}, checks)
	client := healthpb.NewHealthClient(conn)

	// Health is reachable without a token.
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	assert.False(t, srv.CheckDependencies(context.Background()))

	redisErr = nil
	assert.True(t, srv.CheckDependencies(context.Background()))

	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
