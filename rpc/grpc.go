package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/observability"
	"github.com/Polkadex-Substrate/Polkadex-sub004/worker"
)

const (
	SyncServiceName        = "obsync.v1.Sync"
	methodSubmitAction     = "/" + SyncServiceName + "/SubmitAction"
	methodGetRecoveryState = "/" + SyncServiceName + "/GetRecoveryState"
)

// SyncServer is the gRPC face of the node. Payloads are the same JSON
// documents the HTTP endpoint exchanges, wrapped in BytesValue.
type SyncServer interface {
	SubmitAction(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	GetRecoveryState(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
}

var syncServiceDesc = grpc.ServiceDesc{
	ServiceName: SyncServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitAction", Handler: submitActionHandler},
		{MethodName: "GetRecoveryState", Handler: getRecoveryStateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "obsync/v1/sync.proto",
}

func submitActionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncServer).SubmitAction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSubmitAction}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SyncServer).SubmitAction(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getRecoveryStateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncServer).GetRecoveryState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetRecoveryState}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SyncServer).GetRecoveryState(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterSyncServer attaches impl to s.
func RegisterSyncServer(s grpc.ServiceRegistrar, impl SyncServer) {
	s.RegisterService(&syncServiceDesc, impl)
}

type grpcService struct {
	server *Server
}

// NewGRPCServer builds a gRPC server exposing the sync service with tracing
// interceptors installed.
func (s *Server) NewGRPCServer(extra ...grpc.ServerOption) *grpc.Server {
	options := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(otelgrpc.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(otelgrpc.StreamServerInterceptor()),
	}
	options = append(options, extra...)
	gs := grpc.NewServer(options...)
	RegisterSyncServer(gs, &grpcService{server: s})
	return gs
}

func (g *grpcService) SubmitAction(ctx context.Context, in *wrapperspb.BytesValue) (out *wrapperspb.BytesValue, err error) {
	defer g.observe("SubmitAction", time.Now(), &err)
	var action types.OrderedAction
	if err := json.Unmarshal(in.GetValue(), &action); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid ordered action: %v", err)
	}
	if err := g.server.backend.Submit(ctx, &action); err != nil {
		return nil, g.server.grpcError(err)
	}
	data, err := json.Marshal(SubmitResult{Accepted: true})
	if err != nil {
		return nil, status.Error(codes.Internal, "encode result")
	}
	return wrapperspb.Bytes(data), nil
}

func (g *grpcService) GetRecoveryState(ctx context.Context, _ *emptypb.Empty) (out *wrapperspb.BytesValue, err error) {
	defer g.observe("GetRecoveryState", time.Now(), &err)
	if g.server.recovery == nil {
		return nil, g.server.grpcError(worker.ErrEndpointNotReady)
	}
	state, err := g.server.recovery.GetRecoveryState(ctx)
	if err != nil {
		return nil, g.server.grpcError(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode recovery state")
	}
	return wrapperspb.Bytes(data), nil
}

func (g *grpcService) observe(method string, start time.Time, err *error) {
	kind := ""
	if *err != nil {
		kind = status.Code(*err).String()
	}
	observability.RPCMetrics().Observe("grpc", method, kind, time.Since(start))
}

func (s *Server) grpcError(err error) error {
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	m := mapError(err)
	if m.code == codeServerError {
		s.logger.Error("gRPC request failed", slog.Any("error", err))
	}
	return status.Error(m.grpc, m.kind+": "+m.message)
}
