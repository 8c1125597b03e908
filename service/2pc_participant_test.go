package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Nystya/two-phase-commit/domain"
	"github.com/Nystya/two-phase-commit/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestParticipant(t *testing.T, config ParticipantConfig) *TPCParticipant {
	t.Helper()

	if config.ID == "" {
		config.ID = "P1"
	}

	p, err := NewTPCParticipant(config, zap.NewNop(), telemetry.Noop())
	require.NoError(t, err)

	return p
}

var testPayload = domain.Payload{{Key: "x", Value: "1"}}

func TestParticipantVotesYesByDefault(t *testing.T) {
	p := newTestParticipant(t, ParticipantConfig{})

	vote, err := p.OnPrepare(context.Background(), "tx-1", testPayload)
	require.NoError(t, err)
	assert.Equal(t, domain.KindVoteYes, vote)

	state, err := p.QueryState("tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LocalVotedYes, state)
}

func TestParticipantFailureRate(t *testing.T) {
	p := newTestParticipant(t, ParticipantConfig{FailureRate: 1})

	for i := 0; i < 20; i++ {
		vote, err := p.OnPrepare(context.Background(), "tx", testPayload)
		require.NoError(t, err)
		assert.Equal(t, domain.KindVoteNo, vote)
	}

	require.NoError(t, p.SetFailureRate(0))
	for i := 0; i < 20; i++ {
		vote, err := p.OnPrepare(context.Background(), "tx", testPayload)
		require.NoError(t, err)
		assert.Equal(t, domain.KindVoteYes, vote)
	}
}

func TestParticipantFailureRateUsesRandomSource(t *testing.T) {
	p := newTestParticipant(t, ParticipantConfig{FailureRate: 0.5})

	p.random = func() float64 { return 0.49 }
	vote, err := p.OnPrepare(context.Background(), "tx-1", testPayload)
	require.NoError(t, err)
	assert.Equal(t, domain.KindVoteNo, vote)

	p.random = func() float64 { return 0.5 }
	vote, err = p.OnPrepare(context.Background(), "tx-2", testPayload)
	require.NoError(t, err)
	assert.Equal(t, domain.KindVoteYes, vote)
}

func TestSetFailureRateValidation(t *testing.T) {
	p := newTestParticipant(t, ParticipantConfig{FailureRate: 0.25})

	for _, rate := range []float64{-0.1, 1.5} {
		var invalid *domain.InvalidParameterError
		assert.ErrorAs(t, p.SetFailureRate(rate), &invalid)
		assert.Equal(t, 0.25, p.FailureRate(), "rejected rate leaves the previous one")
	}

	require.NoError(t, p.SetFailureRate(1))
	assert.Equal(t, 1.0, p.FailureRate())

	_, err := NewTPCParticipant(ParticipantConfig{ID: "P1", FailureRate: 2}, zap.NewNop(), telemetry.Noop())
	assert.Error(t, err)
}

func TestOnDecisionIsIdempotent(t *testing.T) {
	p := newTestParticipant(t, ParticipantConfig{})

	_, err := p.OnPrepare(context.Background(), "tx-1", testPayload)
	require.NoError(t, err)

	ack, err := p.OnDecision("tx-1", domain.Decision_COMMIT)
	require.NoError(t, err)
	assert.Equal(t, domain.KindAckCommit, ack)

	ack, err = p.OnDecision("tx-1", domain.Decision_COMMIT)
	require.NoError(t, err)
	assert.Equal(t, domain.KindAckCommit, ack)

	entries := p.Log()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.Entry{TxID: "tx-1", Decision: domain.Decision_COMMIT, Payload: testPayload}, entries[0])

	state, err := p.QueryState("tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LocalCommitted, state)
}

func TestPrepareAfterDecisionKeepsState(t *testing.T) {
	p := newTestParticipant(t, ParticipantConfig{})

	_, err := p.OnPrepare(context.Background(), "tx-1", testPayload)
	require.NoError(t, err)
	_, err = p.OnDecision("tx-1", domain.Decision_COMMIT)
	require.NoError(t, err)

	require.NoError(t, p.SetFailureRate(1))

	vote, err := p.OnPrepare(context.Background(), "tx-1", domain.Payload{{Key: "other", Value: "2"}})
	require.NoError(t, err)
	assert.Equal(t, domain.KindVoteYes, vote, "answered from the logged decision")

	state, err := p.QueryState("tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LocalCommitted, state)

	entries := p.Log()
	require.Len(t, entries, 1)
	assert.Equal(t, testPayload, entries[0].Payload)

	_, err = p.OnDecision("tx-2", domain.Decision_ABORT)
	require.NoError(t, err)

	require.NoError(t, p.SetFailureRate(0))
	vote, err = p.OnPrepare(context.Background(), "tx-2", testPayload)
	require.NoError(t, err)
	assert.Equal(t, domain.KindVoteNo, vote)

	state, err = p.QueryState("tx-2")
	require.NoError(t, err)
	assert.Equal(t, domain.LocalAborted, state)
}

func TestOnDecisionRejectsConflict(t *testing.T) {
	p := newTestParticipant(t, ParticipantConfig{})

	ack, err := p.OnDecision("tx-1", domain.Decision_ABORT)
	require.NoError(t, err)
	assert.Equal(t, domain.KindAckAbort, ack)

	_, err = p.OnDecision("tx-1", domain.Decision_COMMIT)

	var conflict *domain.ConflictingDecisionError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, domain.Decision_ABORT, conflict.Logged)

	entries := p.Log()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.Decision_ABORT, entries[0].Decision)
}

func TestCrashedParticipantRefusesAndRecovers(t *testing.T) {
	p := newTestParticipant(t, ParticipantConfig{})

	_, err := p.OnDecision("tx-1", domain.Decision_COMMIT)
	require.NoError(t, err)

	p.SetCrashed(true)

	var crashed *domain.CrashedError
	_, err = p.OnPrepare(context.Background(), "tx-2", testPayload)
	assert.ErrorAs(t, err, &crashed)
	_, err = p.OnDecision("tx-2", domain.Decision_COMMIT)
	assert.ErrorAs(t, err, &crashed)
	_, err = p.QueryState("tx-1")
	assert.ErrorAs(t, err, &crashed)

	entries := p.Recover()
	assert.False(t, p.Crashed())
	require.Len(t, entries, 1, "recovered log holds everything logged before the crash")
	assert.Equal(t, "tx-1", entries[0].TxID)

	vote, err := p.OnPrepare(context.Background(), "tx-3", testPayload)
	require.NoError(t, err)
	assert.Equal(t, domain.KindVoteYes, vote)
}

func TestManualVoting(t *testing.T) {
	p := newTestParticipant(t, ParticipantConfig{ManualVoting: true})

	type result struct {
		vote domain.Kind
		err  error
	}
	done := make(chan result, 1)

	go func() {
		vote, err := p.OnPrepare(context.Background(), "tx-1", testPayload)
		done <- result{vote, err}
	}()

	require.Eventually(t, func() bool {
		return len(p.PendingVotes()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"tx-1"}, p.PendingVotes())

	// Other transactions are not blocked by the suspended vote.
	_, err := p.OnDecision("tx-other", domain.Decision_ABORT)
	require.NoError(t, err)

	require.NoError(t, p.SubmitVote("tx-1", false))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, domain.KindVoteNo, r.vote)
	case <-time.After(time.Second):
		t.Fatal("vote was not released")
	}

	assert.Empty(t, p.PendingVotes())

	var notFound *domain.NotFoundError
	assert.ErrorAs(t, p.SubmitVote("tx-1", true), &notFound)
}

func TestManualVoteCancelledByContext(t *testing.T) {
	p := newTestParticipant(t, ParticipantConfig{ManualVoting: true})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.OnPrepare(ctx, "tx-1", testPayload)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Empty(t, p.PendingVotes())
}

func TestCrashReleasesSuspendedVotes(t *testing.T) {
	p := newTestParticipant(t, ParticipantConfig{ManualVoting: true})

	done := make(chan error, 1)
	go func() {
		_, err := p.OnPrepare(context.Background(), "tx-1", testPayload)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(p.PendingVotes()) == 1
	}, time.Second, 5*time.Millisecond)

	p.SetCrashed(true)

	select {
	case err := <-done:
		var crashed *domain.CrashedError
		assert.ErrorAs(t, err, &crashed)
	case <-time.After(time.Second):
		t.Fatal("crash did not release the vote")
	}
}

func TestReconcile(t *testing.T) {
	p := newTestParticipant(t, ParticipantConfig{})

	_, err := p.OnDecision("tx-1", domain.Decision_COMMIT)
	require.NoError(t, err)

	history := []domain.HistoryRecord{
		{TxID: "tx-1", Decision: domain.Decision_COMMIT},
		{TxID: "tx-2", Decision: domain.Decision_ABORT},
		{TxID: "tx-3", Decision: domain.Decision_COMMIT},
	}

	missing := p.Reconcile(history)
	require.Len(t, missing, 2)
	assert.Equal(t, "tx-2", missing[0].TxID)
	assert.Equal(t, "tx-3", missing[1].TxID)

	assert.Len(t, p.Log(), 1, "reconcile leaves the log untouched")
}

type fakeLink struct {
	registered []*domain.Registration
	history    []domain.HistoryRecord
}

func (f *fakeLink) Register(ctx context.Context, req *domain.Registration) (*domain.RegisterReply, error) {
	f.registered = append(f.registered, req)
	return &domain.RegisterReply{Size: len(f.registered)}, nil
}

func (f *fakeLink) History(ctx context.Context) (*domain.HistoryReply, error) {
	return &domain.HistoryReply{Records: f.history}, nil
}

func TestAnnounceAndSyncHistory(t *testing.T) {
	p := newTestParticipant(t, ParticipantConfig{ID: "P7", FailureRate: 0.3})
	link := &fakeLink{history: []domain.HistoryRecord{{TxID: "tx-1", Decision: domain.Decision_ABORT}}}

	size, err := p.Announce(context.Background(), link, "127.0.0.1:7000")
	require.NoError(t, err)
	assert.Equal(t, 1, size)
	assert.Equal(t, &domain.Registration{ID: "P7", Address: "127.0.0.1:7000", FailureRate: 0.3}, link.registered[0])

	missing, err := p.SyncHistory(context.Background(), link)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "tx-1", missing[0].TxID)
}

func TestParticipantStatus(t *testing.T) {
	p := newTestParticipant(t, ParticipantConfig{ID: "P2"})

	_, _ = p.OnDecision("tx-1", domain.Decision_COMMIT)
	_, _ = p.OnDecision("tx-2", domain.Decision_ABORT)
	_, _ = p.OnDecision("tx-3", domain.Decision_COMMIT)
	p.SetCrashed(true)

	status := p.Status()
	assert.Equal(t, "P2", status.ID)
	assert.True(t, status.Crashed)
	assert.Equal(t, 2, status.Committed)
	assert.Equal(t, 1, status.Aborted)
}
