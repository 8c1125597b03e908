package service

import (
	"testing"

	"github.com/Nystya/two-phase-commit/domain"
	"github.com/Nystya/two-phase-commit/repository/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(database.NewMemoryDatabase())
}

func TestRegistryCreate(t *testing.T) {
	r := newTestRegistry()

	tx, err := r.Create(domain.Payload{{Key: "x", Value: "1"}}, []string{"P1", "P2"})
	require.NoError(t, err)

	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, domain.Initiated, tx.State)
	assert.Equal(t, map[string]domain.Vote{"P1": domain.VotePending, "P2": domain.VotePending}, tx.Votes)
	assert.Equal(t, map[string]domain.Ack{"P1": domain.AckPending, "P2": domain.AckPending}, tx.Acks)
	assert.False(t, tx.CreatedAt.IsZero())

	other, err := r.Create(domain.Payload{{Key: "x", Value: "1"}}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, tx.ID, other.ID)
}

func TestRegistryLifecycle(t *testing.T) {
	r := newTestRegistry()

	tx, err := r.Create(domain.Payload{{Key: "x", Value: "1"}}, []string{"P1"})
	require.NoError(t, err)

	require.NoError(t, r.Advance(tx.ID, domain.Preparing))
	require.NoError(t, r.SetVote(tx.ID, "P1", domain.VoteYes))
	require.NoError(t, r.Advance(tx.ID, domain.Prepared))
	require.NoError(t, r.Decide(tx.ID, domain.Decision_COMMIT))
	require.NoError(t, r.SetAck(tx.ID, "P1"))
	assert.Empty(t, r.History(), "history only holds finalized transactions")

	require.NoError(t, r.Advance(tx.ID, domain.Committed))

	final, err := r.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Committed, final.State)
	assert.Equal(t, domain.Decision_COMMIT, final.Decision)
	assert.Equal(t, domain.VoteYes, final.Votes["P1"])
	assert.Equal(t, domain.AckAcked, final.Acks["P1"])
	assert.False(t, final.FinishedAt.IsZero())

	history := r.History()
	require.Len(t, history, 1)
	assert.Equal(t, tx.ID, history[0].TxID)
	assert.Equal(t, domain.Decision_COMMIT, history[0].Decision)
}

func TestRegistryRejectsBackwardTransitions(t *testing.T) {
	r := newTestRegistry()

	tx, err := r.Create(domain.Payload{{Key: "x", Value: "1"}}, nil)
	require.NoError(t, err)

	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, r.Advance(tx.ID, domain.Prepared), &invalid)
	assert.Equal(t, domain.Initiated, invalid.From)

	require.NoError(t, r.Advance(tx.ID, domain.Preparing))
	require.ErrorAs(t, r.Advance(tx.ID, domain.Initiated), &invalid)
	require.ErrorAs(t, r.Decide(tx.ID, domain.Decision_ABORT), &invalid)
}

func TestRegistryTerminalRecordsAreImmutable(t *testing.T) {
	r := newTestRegistry()

	tx, err := r.Create(domain.Payload{{Key: "x", Value: "1"}}, []string{"P1"})
	require.NoError(t, err)

	require.NoError(t, r.Advance(tx.ID, domain.Preparing))
	require.NoError(t, r.Advance(tx.ID, domain.Prepared))
	require.NoError(t, r.Decide(tx.ID, domain.Decision_ABORT))
	require.NoError(t, r.Advance(tx.ID, domain.Aborted))

	var terminal *domain.TerminalTransactionError
	assert.ErrorAs(t, r.SetVote(tx.ID, "P1", domain.VoteYes), &terminal)
	assert.ErrorAs(t, r.SetAck(tx.ID, "P1"), &terminal)
	assert.ErrorAs(t, r.Advance(tx.ID, domain.Committing), &terminal)
}

func TestRegistrySnapshotsAreDetached(t *testing.T) {
	r := newTestRegistry()

	tx, err := r.Create(domain.Payload{{Key: "x", Value: "1"}}, []string{"P1"})
	require.NoError(t, err)

	tx.Votes["P1"] = domain.VoteYes
	tx.Payload[0].Value = "changed"

	stored, err := r.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VotePending, stored.Votes["P1"])
	assert.Equal(t, "1", stored.Payload[0].Value)
}

func TestRegistryUnknownIDs(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Get("missing")
	var notFound *domain.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	tx, err := r.Create(domain.Payload{{Key: "x", Value: "1"}}, []string{"P1"})
	require.NoError(t, err)
	assert.ErrorAs(t, r.SetVote(tx.ID, "P9", domain.VoteYes), &notFound)
}

func TestRegistryListKeepsCreationOrder(t *testing.T) {
	r := newTestRegistry()

	ids := make([]string, 0)
	for i := 0; i < 5; i++ {
		tx, err := r.Create(domain.Payload{{Key: "x", Value: "1"}}, nil)
		require.NoError(t, err)
		ids = append(ids, tx.ID)
	}

	listed := make([]string, 0)
	for _, tx := range r.List() {
		listed = append(listed, tx.ID)
	}

	assert.Equal(t, ids, listed)
}
