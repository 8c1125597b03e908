package controller

import (
	"context"
	"errors"

	"github.com/Nystya/two-phase-commit/domain"
	"github.com/Nystya/two-phase-commit/service"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CommitServer serves the participant protocol over gRPC.
type CommitServer struct {
	participant service.Participant
	logger      *zap.Logger
}

func NewCommitServer(participant service.Participant, logger *zap.Logger) *CommitServer {
	return &CommitServer{
		participant: participant,
		logger:      logger,
	}
}

func (c *CommitServer) Prepare(ctx context.Context, request *domain.Message) (*domain.Message, error) {
	if err := expectKind(request, domain.KindPrepare); err != nil {
		return nil, err
	}

	vote, err := c.participant.OnPrepare(ctx, request.TxID, request.Payload)
	if err != nil {
		return nil, toStatus(err)
	}

	return &domain.Message{TxID: request.TxID, Kind: vote}, nil
}

func (c *CommitServer) Commit(ctx context.Context, request *domain.Message) (*domain.Message, error) {
	return c.decide(request, domain.Decision_COMMIT)
}

func (c *CommitServer) Abort(ctx context.Context, request *domain.Message) (*domain.Message, error) {
	return c.decide(request, domain.Decision_ABORT)
}

func (c *CommitServer) decide(request *domain.Message, decision domain.Decision) (*domain.Message, error) {
	if err := expectKind(request, domain.DecisionKind(decision)); err != nil {
		return nil, err
	}

	ack, err := c.participant.OnDecision(request.TxID, decision)
	if err != nil {
		return nil, toStatus(err)
	}

	return &domain.Message{TxID: request.TxID, Kind: ack}, nil
}

func (c *CommitServer) QueryState(ctx context.Context, request *domain.Message) (*domain.Message, error) {
	if err := expectKind(request, domain.KindQueryState); err != nil {
		return nil, err
	}

	state, err := c.participant.QueryState(request.TxID)
	if err != nil {
		return nil, toStatus(err)
	}

	return &domain.Message{TxID: request.TxID, Kind: domain.KindStateResponse, State: state}, nil
}

func (c *CommitServer) DecodeFailed(fullMethod string, err error) {
	c.logger.Warn("Dropping malformed request", zap.String("method", fullMethod), zap.Error(err))
}

func expectKind(request *domain.Message, kind domain.Kind) error {
	if request.Kind != kind {
		return status.Errorf(codes.InvalidArgument, "expected %s, got %s", kind, request.Kind)
	}

	return nil
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	var (
		crashed     *domain.CrashedError
		conflicting *domain.ConflictingDecisionError
		invalid     *domain.InvalidParameterError
		notFound    domain.NotFoundError
		notFoundPtr *domain.NotFoundError
	)

	switch {
	case errors.As(err, &crashed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.As(err, &conflicting):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &invalid):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &notFound), errors.As(err, &notFoundPtr):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
