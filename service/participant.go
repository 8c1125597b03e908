package service

import (
	"context"

	"github.com/Nystya/two-phase-commit/domain"
)

// Participant is the protocol surface a participant exposes to the coordinator.
type Participant interface {
	OnPrepare(ctx context.Context, txID string, payload domain.Payload) (domain.Kind, error)
	OnDecision(txID string, decision domain.Decision) (domain.Kind, error)
	QueryState(txID string) (domain.LocalState, error)
}

// CoordinatorLink is how a participant reaches its coordinator.
type CoordinatorLink interface {
	Register(ctx context.Context, req *domain.Registration) (*domain.RegisterReply, error)
	History(ctx context.Context) (*domain.HistoryReply, error)
}
