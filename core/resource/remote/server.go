package remote

import (
	"context"

	"github.com/sushant-115/gojotx/core/resource"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server exposes a resource.Manager as the gojotx.ResourceManager service.
type Server struct {
	rm     resource.Manager
	logger *zap.Logger
}

func NewServer(rm resource.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{rm: rm, logger: logger.With(zap.String("component", "rm-server"), zap.String("resource", rm.ResourceID()))}
}

// Register adds srv to a gRPC server.
func Register(reg grpc.ServiceRegistrar, srv *Server) {
	reg.RegisterService(&serviceDesc, srv)
}

type resourceManagerService interface {
	identify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(s *Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*resourceManagerService)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodIdentify, (*Server).identify),
		unary(methodStart, (*Server).start),
		unary(methodEnd, (*Server).end),
		unary(methodPrepare, (*Server).prepare),
		unary(methodCommit, (*Server).commit),
		unary(methodRollback, (*Server).rollback),
		unary(methodForget, (*Server).forget),
		unary(methodRecover, (*Server).recoverBranches),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gojotx/resource_manager",
}

func (s *Server) identify(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return newStruct(map[string]any{fieldResourceID: s.rm.ResourceID()}), nil
}

func (s *Server) start(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	xid, err := xidField(in)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{}, toStatus(s.rm.Start(ctx, xid, resource.StartFlag(intField(in, fieldFlag))))
}

func (s *Server) end(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	xid, err := xidField(in)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{}, toStatus(s.rm.End(ctx, xid, resource.DelistFlag(intField(in, fieldFlag))))
}

func (s *Server) prepare(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	xid, err := xidField(in)
	if err != nil {
		return nil, err
	}
	vote, err := s.rm.Prepare(ctx, xid)
	if err != nil {
		s.logger.Warn("Prepare failed", zap.String("xid", xid.String()), zap.Error(err))
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{fieldVote: float64(vote)}), nil
}

func (s *Server) commit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	xid, err := xidField(in)
	if err != nil {
		return nil, err
	}
	onePhase := in.GetFields()[fieldOnePhase].GetBoolValue()
	return &structpb.Struct{}, toStatus(s.rm.Commit(ctx, xid, onePhase))
}

func (s *Server) rollback(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	xid, err := xidField(in)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{}, toStatus(s.rm.Rollback(ctx, xid))
}

func (s *Server) forget(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	xid, err := xidField(in)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{}, toStatus(s.rm.Forget(ctx, xid))
}

func (s *Server) recoverBranches(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	xids, err := s.rm.Recover(ctx, stringField(in, fieldCoordinator))
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, len(xids))
	for i, xid := range xids {
		list[i] = xid.String()
	}
	return newStruct(map[string]any{fieldXids: list}), nil
}
