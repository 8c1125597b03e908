package controller

import (
	"github.com/Nystya/two-phase-commit/repository/messaging"
	"github.com/Nystya/two-phase-commit/service"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// NewParticipantGRPCServer builds the gRPC server a participant listens with.
func NewParticipantGRPCServer(participant *service.TPCParticipant, logger *zap.Logger) *grpc.Server {
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		LoggingInterceptor(logger),
		CrashGuard(participant.ID(), participant.Crashed),
	))

	messaging.RegisterParticipantServer(server, NewCommitServer(participant, logger))

	return server
}

// NewCoordinatorGRPCServer builds the gRPC server the coordinator listens with.
func NewCoordinatorGRPCServer(coordinator service.Coordinator, logger *zap.Logger) *grpc.Server {
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(logger)))

	messaging.RegisterCoordinatorServer(server, NewCoordinatorServer(coordinator, logger))

	return server
}
