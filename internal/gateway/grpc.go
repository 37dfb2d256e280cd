package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Сервис описан вручную: запрос и ответ являются google.protobuf.Struct с теми же полями, что и в HTTP.
const (
	DecisionServiceName = "verdict.v1.DecisionService"
	DecideMethod        = "/" + DecisionServiceName + "/Decide"

	grpcTraceKey = "x-trace-id"
)

type DecisionServiceServer interface {
	Decide(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var DecisionServiceDesc = grpc.ServiceDesc{
	ServiceName: DecisionServiceName,
	HandlerType: (*DecisionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Decide", Handler: decideHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "verdict/v1/decision.proto",
}

func decideHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DecisionServiceServer).Decide(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DecideMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DecisionServiceServer).Decide(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCDecisionServer — gRPC вход в тот же пайплайн, что и HTTP
type GRPCDecisionServer struct {
	core *Core
}

func NewGRPCDecisionServer(core *Core) *GRPCDecisionServer {
	return &GRPCDecisionServer{core: core}
}

// Register вешает сервис на grpc.Server
func (s *GRPCDecisionServer) Register(srv *grpc.Server) {
	srv.RegisterService(&DecisionServiceDesc, s)
}

func (s *GRPCDecisionServer) Decide(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	// 1. Struct -> JSON -> DecideRequest
	raw, err := in.MarshalJSON()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	var req DecideRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}

	// 2. Единый пайплайн обработки (тот же, что и для HTTP)
	resp, err := s.core.Decide(ctx, req)
	if err != nil {
		if errors.Is(err, ErrAttestUnavailable) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.Internal, "decision failed")
	}

	// 3. Собираем ответ обратно в Protobuf
	out, err := toStruct(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return out, nil
}

// UnaryTraceInterceptor достает trace id из метаданных или генерирует новый и возвращает его в заголовке
func UnaryTraceInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		var traceID string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(grpcTraceKey); len(ids) > 0 {
				traceID = ids[0]
			}
		}
		if traceID == "" {
			traceID = uuid.NewString()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(grpcTraceKey, traceID))

		return handler(WithTraceID(ctx, traceID), req)
	}
}
