package service

import (
	"context"

	"github.com/Nystya/two-phase-commit/domain"
)

type Coordinator interface {
	RegisterParticipant(reg domain.Registration) (int, error)
	ListParticipants() []domain.Participant

	BeginTransaction(ctx context.Context, payload domain.Payload) (*domain.Transaction, error)
	QueryStatus(txID string) (*domain.Transaction, error)
	ListTransactions() []*domain.Transaction
	History() []domain.HistoryRecord
}

// ParticipantClient is the coordinator's view of one participant connection.
type ParticipantClient interface {
	Prepare(ctx context.Context, req *domain.Message) (*domain.Message, error)
	Commit(ctx context.Context, req *domain.Message) (*domain.Message, error)
	Abort(ctx context.Context, req *domain.Message) (*domain.Message, error)
	QueryState(ctx context.Context, req *domain.Message) (*domain.Message, error)
	Close() error
}
