package controller

import (
	"context"

	"github.com/Nystya/two-phase-commit/domain"
	"github.com/Nystya/two-phase-commit/service"
	"github.com/golang/protobuf/ptypes/empty"
	"go.uber.org/zap"
)

// CoordinatorServer lets participants register and fetch the decision history.
type CoordinatorServer struct {
	coordinator service.Coordinator
	logger      *zap.Logger
}

func NewCoordinatorServer(coordinator service.Coordinator, logger *zap.Logger) *CoordinatorServer {
	return &CoordinatorServer{
		coordinator: coordinator,
		logger:      logger,
	}
}

func (c *CoordinatorServer) Register(ctx context.Context, request *domain.Registration) (*domain.RegisterReply, error) {
	size, err := c.coordinator.RegisterParticipant(*request)
	if err != nil {
		return nil, toStatus(err)
	}

	return &domain.RegisterReply{Size: size}, nil
}

func (c *CoordinatorServer) History(ctx context.Context, _ *empty.Empty) (*domain.HistoryReply, error) {
	return &domain.HistoryReply{Records: c.coordinator.History()}, nil
}

func (c *CoordinatorServer) DecodeFailed(fullMethod string, err error) {
	c.logger.Warn("Dropping malformed request", zap.String("method", fullMethod), zap.Error(err))
}
