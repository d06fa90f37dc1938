package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jia-app/renewalservice/internal/renewal/domain"
	"github.com/jia-app/renewalservice/internal/renewal/usecase"
)

// AdminServiceName is the fully qualified name of the operator service
const AdminServiceName = "renewal.admin.v1.RenewalAdmin"

// OrderOperations creates renewal orders on request
type OrderOperations interface {
	CreateRenewalOrder(ctx context.Context, subscriptionID uuid.UUID) (*domain.RenewalOrder, error)
	CreateRetryOrder(ctx context.Context, failedOrderID uuid.UUID) (*domain.RenewalOrder, error)
	CreateResubscribeOrder(ctx context.Context, subscriptionID uuid.UUID) (*domain.RenewalOrder, error)
}

// OrderStatusSetter applies operator status changes to renewal orders
type OrderStatusSetter interface {
	SetOrderStatus(ctx context.Context, orderID uuid.UUID, status domain.OrderStatus) error
}

// RepairOperations runs the suspension repair job on request
type RepairOperations interface {
	RunPass(ctx context.Context) (usecase.RepairPassResult, error)
}

// DueScanner creates orders for due subscriptions on request
type DueScanner interface {
	ScanDue(ctx context.Context, now time.Time) (int, error)
}

// AdminService exposes renewal operations to operators over gRPC. Messages
// are well-known protobuf types so no generated code is needed.
type AdminService struct {
	orders  OrderOperations
	status  OrderStatusSetter
	repair  RepairOperations
	scanner DueScanner
}

// NewAdminService creates a new admin service
func NewAdminService(orders OrderOperations, status OrderStatusSetter, repair RepairOperations, scanner DueScanner) *AdminService {
	return &AdminService{
		orders:  orders,
		status:  status,
		repair:  repair,
		scanner: scanner,
	}
}

// Register adds the service to a gRPC server
func (s *AdminService) Register(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(&adminServiceDesc, s)
}

// CreateRenewalOrder takes a subscription id and returns its renewal order
func (s *AdminService) CreateRenewalOrder(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := parseID("subscription_id", req.GetValue())
	if err != nil {
		return nil, err
	}
	order, err := s.orders.CreateRenewalOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return orderStruct(order)
}

// CreateRetryOrder takes a failed order id and returns its retry order
func (s *AdminService) CreateRetryOrder(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := parseID("order_id", req.GetValue())
	if err != nil {
		return nil, err
	}
	order, err := s.orders.CreateRetryOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return orderStruct(order)
}

// CreateResubscribeOrder takes an ended subscription id and returns the order
// that reopens it
func (s *AdminService) CreateResubscribeOrder(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := parseID("subscription_id", req.GetValue())
	if err != nil {
		return nil, err
	}
	order, err := s.orders.CreateResubscribeOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return orderStruct(order)
}

// SetOrderStatus takes {"order_id", "status"}
func (s *AdminService) SetOrderStatus(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()
	id, err := parseID("order_id", fields["order_id"].GetStringValue())
	if err != nil {
		return nil, err
	}
	status := domain.OrderStatus(fields["status"].GetStringValue())
	if err := s.status.SetOrderStatus(ctx, id, status); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// RunRepairPass runs one suspension repair pass
func (s *AdminService) RunRepairPass(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	result, err := s.repair.RunPass(ctx)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]interface{}{
		"candidates":     result.Candidates,
		"processed":      result.Processed,
		"failed":         result.Failed,
		"more_remaining": result.MoreRemaining,
	})
}

// ScanDueRenewals creates renewal orders for every due subscription
func (s *AdminService) ScanDueRenewals(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	created, err := s.scanner.ScanDue(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]interface{}{"created": created})
}

func (s *AdminService) adminService() {}

type adminServer interface {
	adminService()
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*adminServer)(nil),
	Methods: []grpc.MethodDesc{
		adminMethod("CreateRenewalOrder", newStringValue, func(s *AdminService, ctx context.Context, req proto.Message) (proto.Message, error) {
			return s.CreateRenewalOrder(ctx, req.(*wrapperspb.StringValue))
		}),
		adminMethod("CreateRetryOrder", newStringValue, func(s *AdminService, ctx context.Context, req proto.Message) (proto.Message, error) {
			return s.CreateRetryOrder(ctx, req.(*wrapperspb.StringValue))
		}),
		adminMethod("CreateResubscribeOrder", newStringValue, func(s *AdminService, ctx context.Context, req proto.Message) (proto.Message, error) {
			return s.CreateResubscribeOrder(ctx, req.(*wrapperspb.StringValue))
		}),
		adminMethod("SetOrderStatus", newStruct, func(s *AdminService, ctx context.Context, req proto.Message) (proto.Message, error) {
			return s.SetOrderStatus(ctx, req.(*structpb.Struct))
		}),
		adminMethod("RunRepairPass", newEmpty, func(s *AdminService, ctx context.Context, req proto.Message) (proto.Message, error) {
			return s.RunRepairPass(ctx, req.(*emptypb.Empty))
		}),
		adminMethod("ScanDueRenewals", newEmpty, func(s *AdminService, ctx context.Context, req proto.Message) (proto.Message, error) {
			return s.ScanDueRenewals(ctx, req.(*emptypb.Empty))
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "renewal/admin/v1/admin.proto",
}

func newStringValue() proto.Message { return &wrapperspb.StringValue{} }
func newStruct() proto.Message      { return &structpb.Struct{} }
func newEmpty() proto.Message       { return &emptypb.Empty{} }

type adminCall func(s *AdminService, ctx context.Context, req proto.Message) (proto.Message, error)

func adminMethod(name string, newReq func() proto.Message, call adminCall) grpc.MethodDesc {
	fullMethod := "/" + AdminServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := newReq()
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(*AdminService)
			if interceptor == nil {
				return call(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(proto.Message))
			})
		},
	}
}

func parseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, domain.NewInvalidInputError(fmt.Sprintf("invalid %s", field), raw)
	}
	return id, nil
}

// orderStruct renders an order with the same field names as its JSON form
func orderStruct(order *domain.RenewalOrder) (*structpb.Struct, error) {
	raw, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("failed to encode renewal order: %w", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode renewal order: %w", err)
	}
	return structpb.NewStruct(fields)
}
