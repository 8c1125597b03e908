package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Nystya/two-phase-commit/domain"
	"github.com/Nystya/two-phase-commit/repository/messaging"
	"github.com/Nystya/two-phase-commit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Dialer opens a connection to a registered participant.
type Dialer func(id string, address string) (ParticipantClient, error)

// DialParticipant connects over gRPC. Dialing is lazy, so a participant that is
// not up yet is only noticed on the first call.
func DialParticipant(id string, address string) (ParticipantClient, error) {
	client := messaging.NewCommitClient(&messaging.CommitClientConfig{
		PeerName:   id,
		ServerAddr: address,
	})

	if err := client.Connect(); err != nil {
		return nil, err
	}

	return client, nil
}

type peer struct {
	info   domain.Participant
	client ParticipantClient
}

type TPCCoordinator struct {
	registry *Registry

	// lock guards peers and the info of every peer.
	lock  *sync.RWMutex
	peers map[string]*peer
	dial  Dialer

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *telemetry.CoordinatorMetrics
}

func NewTPCCoordinator(registry *Registry, dial Dialer, logger *zap.Logger, tel *telemetry.Telemetry) (*TPCCoordinator, error) {
	metrics, err := telemetry.NewCoordinatorMetrics(tel.Meter)
	if err != nil {
		return nil, err
	}

	if dial == nil {
		dial = DialParticipant
	}

	return &TPCCoordinator{
		registry: registry,
		lock:     &sync.RWMutex{},
		peers:    make(map[string]*peer),
		dial:     dial,
		logger:   logger.With(zap.String("component", "coordinator")),
		tracer:   tel.Tracer,
		metrics:  metrics,
	}, nil
}

// RegisterParticipant adds or refreshes a directory entry and returns the
// directory size. Re-registering marks the participant live again.
func (t *TPCCoordinator) RegisterParticipant(reg domain.Registration) (int, error) {
	if reg.ID == "" {
		return 0, &domain.InvalidParameterError{Name: "id", Reason: "must not be empty"}
	}
	if reg.Address == "" {
		return 0, &domain.InvalidParameterError{Name: "address", Reason: "must not be empty"}
	}
	if err := validateRate(reg.FailureRate); err != nil {
		return 0, err
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	existing, ok := t.peers[reg.ID]

	var client ParticipantClient
	if ok && existing.info.Address == reg.Address {
		client = existing.client
	} else {
		var err error
		client, err = t.dial(reg.ID, reg.Address)
		if err != nil {
			return 0, &domain.UnreachableParticipantError{ParticipantID: reg.ID, Err: err}
		}

		if ok {
			_ = existing.client.Close()
		}
	}

	t.peers[reg.ID] = &peer{
		info: domain.Participant{
			ID:          reg.ID,
			Address:     reg.Address,
			Live:        true,
			FailureRate: reg.FailureRate,
		},
		client: client,
	}

	t.logger.Info("Registered participant",
		zap.String("participant", reg.ID),
		zap.String("address", reg.Address),
		zap.Bool("refreshed", ok),
		zap.Int("participants", len(t.peers)),
	)

	return len(t.peers), nil
}

func (t *TPCCoordinator) ListParticipants() []domain.Participant {
	t.lock.RLock()
	defer t.lock.RUnlock()

	participants := make([]domain.Participant, 0, len(t.peers))
	for _, p := range t.peers {
		participants = append(participants, p.info)
	}

	sort.Slice(participants, func(i, j int) bool {
		return participants[i].ID < participants[j].ID
	})

	return participants
}

// snapshotPeers returns the current directory ordered by id.
func (t *TPCCoordinator) snapshotPeers() []*peer {
	t.lock.RLock()
	defer t.lock.RUnlock()

	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].info.ID < peers[j].info.ID
	})

	return peers
}

// BeginTransaction runs a full 2PC round and returns the finalized record.
// Only an invalid payload fails; participant failures end in ABORTED.
func (t *TPCCoordinator) BeginTransaction(ctx context.Context, payload domain.Payload) (*domain.Transaction, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	peers := t.snapshotPeers()

	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.info.ID)
	}

	tx, err := t.registry.Create(payload, ids)
	if err != nil {
		return nil, err
	}

	logger := t.logger.With(zap.String("tx_id", tx.ID))
	logger.Info("Starting transaction", zap.Int("participants", len(peers)), zap.Int("keys", len(payload)))

	ctx, span := t.tracer.Start(ctx, "2pc.transaction", trace.WithAttributes(
		attribute.String("tx.id", tx.ID),
		attribute.Int("tx.participants", len(peers)),
	))
	defer span.End()

	t.check(logger, t.registry.Advance(tx.ID, domain.Preparing))

	allYes := t.prepare(ctx, logger, tx.ID, payload, peers)

	decision := domain.Decision_ABORT
	if allYes && len(peers) > 0 {
		decision = domain.Decision_COMMIT
	}

	t.check(logger, t.registry.Advance(tx.ID, domain.Prepared))
	t.check(logger, t.registry.Decide(tx.ID, decision))

	logger.Info("Decided", zap.String("decision", string(decision)))

	// The decision goes out even if the caller has given up on the round.
	t.decide(context.WithoutCancel(ctx), logger, tx.ID, decision, peers)

	final := domain.Committed
	if decision == domain.Decision_ABORT {
		final = domain.Aborted
	}
	t.check(logger, t.registry.Advance(tx.ID, final))

	span.SetAttributes(attribute.String("tx.decision", string(decision)))
	t.metrics.Transactions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(final))))
	t.metrics.RoundDuration.Record(ctx, time.Since(start).Milliseconds())

	record, err := t.registry.Get(tx.ID)
	if err != nil {
		return nil, err
	}

	logger.Info("Finished transaction", zap.String("state", string(record.State)), zap.Duration("took", time.Since(start)))

	return record, nil
}

// check logs registry errors raised mid-round; they indicate a broken invariant.
func (t *TPCCoordinator) check(logger *zap.Logger, err error) {
	if err != nil {
		logger.Error("Registry update failed", zap.Error(err))
	}
}

// prepare sends PREPARE to every peer in parallel and reports whether all voted YES.
func (t *TPCCoordinator) prepare(ctx context.Context, logger *zap.Logger, txID string, payload domain.Payload, peers []*peer) bool {
	ctx, span := t.tracer.Start(ctx, "2pc.prepare")
	defer span.End()

	votes := make([]domain.Vote, len(peers))
	wg := sync.WaitGroup{}

	for i, p := range peers {
		wg.Add(1)

		go func(i int, p *peer) {
			defer wg.Done()

			votes[i] = t.requestVote(ctx, logger, txID, payload, p)
			t.check(logger, t.registry.SetVote(txID, p.info.ID, votes[i]))
			t.metrics.Votes.Add(ctx, 1, metric.WithAttributes(attribute.String("vote", string(votes[i]))))
		}(i, p)
	}

	wg.Wait()

	for _, vote := range votes {
		if vote != domain.VoteYes {
			return false
		}
	}

	return true
}

func (t *TPCCoordinator) requestVote(ctx context.Context, logger *zap.Logger, txID string, payload domain.Payload, p *peer) domain.Vote {
	logger = logger.With(zap.String("participant", p.info.ID))

	resp, err := p.client.Prepare(ctx, &domain.Message{TxID: txID, Kind: domain.KindPrepare, Payload: payload})
	if err != nil {
		t.markUnreachable(ctx, logger, p, domain.KindPrepare, err)
		return domain.VoteNo
	}

	t.markLive(p)

	if resp.TxID != txID {
		logger.Warn("Vote for another transaction, counting as NO", zap.String("got_tx_id", resp.TxID))
		return domain.VoteNo
	}

	switch resp.Kind {
	case domain.KindVoteYes:
		logger.Debug("Voted YES")
		return domain.VoteYes
	case domain.KindVoteNo:
		logger.Info("Voted NO")
		return domain.VoteNo
	default:
		logger.Warn("Unexpected reply to PREPARE, counting as NO", zap.String("kind", string(resp.Kind)))
		return domain.VoteNo
	}
}

// decide sends the decision to every peer in parallel and records the acks.
func (t *TPCCoordinator) decide(ctx context.Context, logger *zap.Logger, txID string, decision domain.Decision, peers []*peer) {
	ctx, span := t.tracer.Start(ctx, "2pc.decide", trace.WithAttributes(attribute.String("tx.decision", string(decision))))
	defer span.End()

	wg := sync.WaitGroup{}

	for _, p := range peers {
		wg.Add(1)

		go func(p *peer) {
			defer wg.Done()

			logger := logger.With(zap.String("participant", p.info.ID))
			req := &domain.Message{TxID: txID, Kind: domain.DecisionKind(decision)}

			var resp *domain.Message
			var err error
			if decision == domain.Decision_COMMIT {
				resp, err = p.client.Commit(ctx, req)
			} else {
				resp, err = p.client.Abort(ctx, req)
			}

			if err != nil {
				t.markUnreachable(ctx, logger, p, req.Kind, err)
				return
			}

			t.markLive(p)

			if resp.TxID != txID || resp.Kind != domain.AckKind(decision) {
				logger.Warn("Unexpected acknowledgment",
					zap.String("kind", string(resp.Kind)),
					zap.String("got_tx_id", resp.TxID),
				)
				return
			}

			t.check(logger, t.registry.SetAck(txID, p.info.ID))
		}(p)
	}

	wg.Wait()
}

func (t *TPCCoordinator) markUnreachable(ctx context.Context, logger *zap.Logger, p *peer, kind domain.Kind, err error) {
	crashed := isCrashRefusal(err)

	t.lock.Lock()
	p.info.Live = false
	p.info.Crashed = crashed
	t.lock.Unlock()

	t.metrics.Unreachable.Add(ctx, 1, metric.WithAttributes(
		attribute.String("participant", p.info.ID),
		attribute.String("kind", string(kind)),
	))

	logger.Warn("Participant unreachable",
		zap.String("kind", string(kind)),
		zap.Bool("crashed", crashed),
		zap.Error(&domain.UnreachableParticipantError{ParticipantID: p.info.ID, Err: err}),
	)
}

func (t *TPCCoordinator) markLive(p *peer) {
	t.lock.Lock()
	defer t.lock.Unlock()

	p.info.Live = true
	p.info.Crashed = false
}

// isCrashRefusal recognizes a participant that answered but refused because it is crashed.
func isCrashRefusal(err error) bool {
	var crashed *domain.CrashedError
	if errors.As(err, &crashed) {
		return true
	}

	st, ok := status.FromError(err)
	return ok && st.Code() == codes.Unavailable && strings.HasSuffix(st.Message(), "crashed")
}

func (t *TPCCoordinator) QueryStatus(txID string) (*domain.Transaction, error) {
	return t.registry.Get(txID)
}

func (t *TPCCoordinator) ListTransactions() []*domain.Transaction {
	return t.registry.List()
}

func (t *TPCCoordinator) History() []domain.HistoryRecord {
	return t.registry.History()
}

// QueryParticipant asks one participant for its local view of a transaction.
func (t *TPCCoordinator) QueryParticipant(ctx context.Context, participantID string, txID string) (domain.LocalState, error) {
	t.lock.RLock()
	p, ok := t.peers[participantID]
	t.lock.RUnlock()

	if !ok {
		return "", &domain.NotFoundError{What: "participant", ID: participantID}
	}

	resp, err := p.client.QueryState(ctx, &domain.Message{TxID: txID, Kind: domain.KindQueryState})
	if err != nil {
		return "", &domain.UnreachableParticipantError{ParticipantID: participantID, Err: err}
	}

	if resp.Kind != domain.KindStateResponse || resp.TxID != txID {
		return "", &domain.MalformedMessageError{Reason: "unexpected reply " + string(resp.Kind) + " to QUERY_STATE"}
	}

	return resp.State, nil
}

func (t *TPCCoordinator) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	var errs []error
	for _, p := range t.peers {
		errs = append(errs, p.client.Close())
	}

	return errors.Join(errs...)
}
