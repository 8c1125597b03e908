package messaging

import (
	"context"

	"github.com/Nystya/two-phase-commit/domain"
	"github.com/golang/protobuf/ptypes/empty"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Service descriptors are written by hand; every message is carried by the
// wire codec, so there is no generated protobuf package.

const (
	participantService = "twopc.Participant"
	coordinatorService = "twopc.Coordinator"

	methodPrepare    = "/" + participantService + "/Prepare"
	methodCommit     = "/" + participantService + "/Commit"
	methodAbort      = "/" + participantService + "/Abort"
	methodQueryState = "/" + participantService + "/QueryState"

	methodRegister = "/" + coordinatorService + "/Register"
	methodHistory  = "/" + coordinatorService + "/History"
)

// ParticipantServer is served by every participant process.
type ParticipantServer interface {
	Prepare(context.Context, *domain.Message) (*domain.Message, error)
	Commit(context.Context, *domain.Message) (*domain.Message, error)
	Abort(context.Context, *domain.Message) (*domain.Message, error)
	QueryState(context.Context, *domain.Message) (*domain.Message, error)
}

// CoordinatorServer is served by the coordinator process.
type CoordinatorServer interface {
	Register(context.Context, *domain.Registration) (*domain.RegisterReply, error)
	History(context.Context, *empty.Empty) (*domain.HistoryReply, error)
}

// DecodeFailureReporter may be implemented by a server to observe requests
// that could not be decoded. The RPC itself fails with InvalidArgument.
type DecodeFailureReporter interface {
	DecodeFailed(fullMethod string, err error)
}

func decodeFailed(srv any, fullMethod string, err error) error {
	if reporter, ok := srv.(DecodeFailureReporter); ok {
		reporter.DecodeFailed(fullMethod, err)
	}

	return status.Error(codes.InvalidArgument, err.Error())
}

func RegisterParticipantServer(s grpc.ServiceRegistrar, srv ParticipantServer) {
	s.RegisterService(&participantServiceDesc, srv)
}

func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&coordinatorServiceDesc, srv)
}

func messageHandler(fullMethod string, call func(ParticipantServer, context.Context, *domain.Message) (*domain.Message, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(domain.Message)
		if err := dec(in); err != nil {
			return nil, decodeFailed(srv, fullMethod, err)
		}

		if interceptor == nil {
			return call(srv.(ParticipantServer), ctx, in)
		}

		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ParticipantServer), ctx, req.(*domain.Message))
		}

		return interceptor(ctx, in, info, handler)
	}
}

var participantServiceDesc = grpc.ServiceDesc{
	ServiceName: participantService,
	HandlerType: (*ParticipantServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Prepare", Handler: messageHandler(methodPrepare, ParticipantServer.Prepare)},
		{MethodName: "Commit", Handler: messageHandler(methodCommit, ParticipantServer.Commit)},
		{MethodName: "Abort", Handler: messageHandler(methodAbort, ParticipantServer.Abort)},
		{MethodName: "QueryState", Handler: messageHandler(methodQueryState, ParticipantServer.QueryState)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "twopc",
}

func registerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(domain.Registration)
	if err := dec(in); err != nil {
		return nil, decodeFailed(srv, methodRegister, err)
	}

	if interceptor == nil {
		return srv.(CoordinatorServer).Register(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRegister}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServer).Register(ctx, req.(*domain.Registration))
	}

	return interceptor(ctx, in, info, handler)
}

func historyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(empty.Empty)
	if err := dec(in); err != nil {
		return nil, decodeFailed(srv, methodHistory, err)
	}

	if interceptor == nil {
		return srv.(CoordinatorServer).History(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodHistory}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServer).History(ctx, req.(*empty.Empty))
	}

	return interceptor(ctx, in, info, handler)
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: coordinatorService,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: registerHandler},
		{MethodName: "History", Handler: historyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "twopc",
}
