package service

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/Nystya/two-phase-commit/domain"
	"github.com/Nystya/two-phase-commit/telemetry"
	set "github.com/deckarep/golang-set"
	"github.com/viney-shih/go-lock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type ParticipantConfig struct {
	ID           string
	FailureRate  float64
	ManualVoting bool
}

// ParticipantStatus is a point-in-time summary for the console.
type ParticipantStatus struct {
	ID           string
	Crashed      bool
	FailureRate  float64
	ManualVoting bool
	Pending      []string
	Committed    int
	Aborted      int
}

// votePromise is resolved once by SubmitVote, or emptied by a crash.
type votePromise struct {
	done chan struct{}
	vote domain.Vote
}

type TPCParticipant struct {
	id string

	// lock guards every field below.
	lock lock.RWMutex

	crashed      bool
	failureRate  float64
	manualVoting bool

	votes    map[string]domain.Vote
	payloads map[string]domain.Payload
	states   map[string]domain.LocalState
	pending  map[string]*votePromise

	log     []domain.Entry
	decided set.Set

	random  func() float64
	logger  *zap.Logger
	metrics *telemetry.ParticipantMetrics
}

func NewTPCParticipant(config ParticipantConfig, logger *zap.Logger, tel *telemetry.Telemetry) (*TPCParticipant, error) {
	if config.ID == "" {
		return nil, &domain.InvalidParameterError{Name: "id", Reason: "must not be empty"}
	}

	if err := validateRate(config.FailureRate); err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewParticipantMetrics(tel.Meter)
	if err != nil {
		return nil, err
	}

	return &TPCParticipant{
		id:           config.ID,
		lock:         lock.NewCASMutex(),
		failureRate:  config.FailureRate,
		manualVoting: config.ManualVoting,
		votes:        make(map[string]domain.Vote),
		payloads:     make(map[string]domain.Payload),
		states:       make(map[string]domain.LocalState),
		pending:      make(map[string]*votePromise),
		log:          make([]domain.Entry, 0),
		decided:      set.NewSet(),
		random:       rand.Float64,
		logger:       logger.With(zap.String("participant", config.ID)),
		metrics:      metrics,
	}, nil
}

func (t *TPCParticipant) ID() string {
	return t.id
}

func (t *TPCParticipant) OnPrepare(ctx context.Context, txID string, payload domain.Payload) (domain.Kind, error) {
	t.lock.Lock()

	if t.crashed {
		t.lock.Unlock()
		return "", t.refuse(ctx, domain.KindPrepare, txID)
	}

	// Decided transactions are final; answer from the log.
	if t.decided.Contains(txID) {
		logged := t.entry(txID).Decision
		t.lock.Unlock()

		t.logger.Debug("PREPARE for decided transaction", zap.String("tx_id", txID), zap.String("decision", string(logged)))
		if logged == domain.Decision_COMMIT {
			return domain.KindVoteYes, nil
		}
		return domain.KindVoteNo, nil
	}

	t.payloads[txID] = payload
	t.votes[txID] = domain.VotePending
	t.states[txID] = domain.LocalPendingVote

	if t.random() < t.failureRate {
		t.recordVote(txID, domain.VoteNo)
		t.lock.Unlock()

		t.logger.Info("Injected failure, voting NO", zap.String("tx_id", txID), zap.Float64("failure_rate", t.failureRate))
		return t.voted(ctx, domain.VoteNo), nil
	}

	if !t.manualVoting {
		t.recordVote(txID, domain.VoteYes)
		t.lock.Unlock()

		t.logger.Info("Prepared", zap.String("tx_id", txID), zap.Int("keys", len(payload)))
		return t.voted(ctx, domain.VoteYes), nil
	}

	promise, ok := t.pending[txID]
	if !ok {
		promise = &votePromise{done: make(chan struct{})}
		t.pending[txID] = promise
	}
	t.lock.Unlock()

	t.logger.Info("Waiting for operator vote", zap.String("tx_id", txID))

	select {
	case <-promise.done:
	case <-ctx.Done():
		t.lock.Lock()
		if t.pending[txID] == promise {
			delete(t.pending, txID)
		}
		t.lock.Unlock()

		return "", ctx.Err()
	}

	t.lock.Lock()
	if t.crashed {
		t.lock.Unlock()
		return "", t.refuse(ctx, domain.KindPrepare, txID)
	}

	// A decision overtook the operator; the vote no longer matters.
	if promise.vote == "" {
		t.lock.Unlock()
		return t.voted(ctx, domain.VoteNo), nil
	}

	t.recordVote(txID, promise.vote)
	t.lock.Unlock()

	t.logger.Info("Operator voted", zap.String("tx_id", txID), zap.String("vote", string(promise.vote)))
	return t.voted(ctx, promise.vote), nil
}

// recordVote is called with the lock held.
func (t *TPCParticipant) recordVote(txID string, vote domain.Vote) {
	t.votes[txID] = vote

	if vote == domain.VoteYes {
		t.states[txID] = domain.LocalVotedYes
	} else {
		t.states[txID] = domain.LocalVotedNo
	}
}

func (t *TPCParticipant) voted(ctx context.Context, vote domain.Vote) domain.Kind {
	t.metrics.Prepares.Add(ctx, 1, metric.WithAttributes(attribute.String("vote", string(vote))))

	if vote == domain.VoteYes {
		return domain.KindVoteYes
	}

	return domain.KindVoteNo
}

func (t *TPCParticipant) refuse(ctx context.Context, kind domain.Kind, txID string) error {
	t.metrics.Refused.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	t.logger.Debug("Refusing request while crashed", zap.String("kind", string(kind)), zap.String("tx_id", txID))

	return &domain.CrashedError{ParticipantID: t.id}
}

// OnDecision appends the decision to the local log. A transaction is logged at
// most once; repeating the logged decision still acknowledges.
func (t *TPCParticipant) OnDecision(txID string, decision domain.Decision) (domain.Kind, error) {
	ctx := context.Background()

	t.lock.Lock()
	defer t.lock.Unlock()

	if t.crashed {
		return "", t.refuse(ctx, domain.DecisionKind(decision), txID)
	}

	if t.decided.Contains(txID) {
		logged := t.entry(txID).Decision
		if logged != decision {
			t.logger.Warn("Conflicting decision", zap.String("tx_id", txID),
				zap.String("logged", string(logged)), zap.String("received", string(decision)))
			return "", &domain.ConflictingDecisionError{TxID: txID, Logged: logged, Received: decision}
		}

		t.logger.Debug("Decision already logged", zap.String("tx_id", txID))
		return domain.AckKind(decision), nil
	}

	t.log = append(t.log, domain.Entry{TxID: txID, Decision: decision, Payload: t.payloads[txID]})
	t.decided.Add(txID)

	if decision == domain.Decision_COMMIT {
		t.states[txID] = domain.LocalCommitted
	} else {
		t.states[txID] = domain.LocalAborted
	}

	if promise, ok := t.pending[txID]; ok {
		delete(t.pending, txID)
		close(promise.done)
	}

	t.metrics.Decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(decision))))
	t.logger.Info("Applied decision", zap.String("tx_id", txID), zap.String("decision", string(decision)))

	return domain.AckKind(decision), nil
}

// entry is called with the lock held.
func (t *TPCParticipant) entry(txID string) domain.Entry {
	for _, e := range t.log {
		if e.TxID == txID {
			return e
		}
	}

	return domain.Entry{}
}

func (t *TPCParticipant) QueryState(txID string) (domain.LocalState, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if t.crashed {
		return "", &domain.CrashedError{ParticipantID: t.id}
	}

	state, ok := t.states[txID]
	if !ok {
		return domain.LocalUnknown, nil
	}

	return state, nil
}

// SetCrashed toggles crash simulation. Crashing drops every suspended vote.
func (t *TPCParticipant) SetCrashed(crashed bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.crashed = crashed

	if crashed {
		for txID, promise := range t.pending {
			delete(t.pending, txID)
			close(promise.done)
		}
	}

	t.logger.Info("Crash flag changed", zap.Bool("crashed", crashed))
}

func (t *TPCParticipant) Crashed() bool {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.crashed
}

// Recover clears the crash flag and returns the local log. Nothing is replayed.
func (t *TPCParticipant) Recover() []domain.Entry {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.crashed = false
	t.logger.Info("Recovered", zap.Int("log_entries", len(t.log)))

	return t.copyLog()
}

func (t *TPCParticipant) SetFailureRate(rate float64) error {
	if err := validateRate(rate); err != nil {
		return err
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	t.failureRate = rate

	return nil
}

func (t *TPCParticipant) FailureRate() float64 {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.failureRate
}

func validateRate(rate float64) error {
	if math.IsNaN(rate) || rate < 0 || rate > 1 {
		return &domain.InvalidParameterError{Name: "failure_rate", Reason: "must be within [0, 1]"}
	}

	return nil
}

func (t *TPCParticipant) SetManualVoting(enabled bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.manualVoting = enabled
}

// SubmitVote resolves a vote suspended by manual voting.
func (t *TPCParticipant) SubmitVote(txID string, yes bool) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	promise, ok := t.pending[txID]
	if !ok {
		return &domain.NotFoundError{What: "pending vote", ID: txID}
	}

	promise.vote = domain.VoteNo
	if yes {
		promise.vote = domain.VoteYes
	}

	delete(t.pending, txID)
	close(promise.done)

	return nil
}

func (t *TPCParticipant) PendingVotes() []string {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.pendingIDs()
}

// pendingIDs is called with the lock held.
func (t *TPCParticipant) pendingIDs() []string {
	ids := make([]string, 0, len(t.pending))
	for txID := range t.pending {
		ids = append(ids, txID)
	}
	sort.Strings(ids)

	return ids
}

func (t *TPCParticipant) Log() []domain.Entry {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.copyLog()
}

func (t *TPCParticipant) copyLog() []domain.Entry {
	entries := make([]domain.Entry, len(t.log))
	copy(entries, t.log)

	return entries
}

// Reconcile returns the records of history that have no entry in the local log,
// in history order. The log is left untouched.
func (t *TPCParticipant) Reconcile(history []domain.HistoryRecord) []domain.HistoryRecord {
	known := set.NewSet()
	for _, record := range history {
		known.Add(record.TxID)
	}

	t.lock.RLock()
	missing := known.Difference(t.decided)
	t.lock.RUnlock()

	records := make([]domain.HistoryRecord, 0, missing.Cardinality())
	for _, record := range history {
		if missing.Contains(record.TxID) {
			records = append(records, record)
		}
	}

	return records
}

func (t *TPCParticipant) Status() ParticipantStatus {
	t.lock.RLock()
	defer t.lock.RUnlock()

	status := ParticipantStatus{
		ID:           t.id,
		Crashed:      t.crashed,
		FailureRate:  t.failureRate,
		ManualVoting: t.manualVoting,
		Pending:      t.pendingIDs(),
	}

	for _, e := range t.log {
		if e.Decision == domain.Decision_COMMIT {
			status.Committed++
		} else {
			status.Aborted++
		}
	}

	return status
}

// Announce registers this participant with the coordinator under address.
func (t *TPCParticipant) Announce(ctx context.Context, link CoordinatorLink, address string) (int, error) {
	reply, err := link.Register(ctx, &domain.Registration{
		ID:          t.id,
		Address:     address,
		FailureRate: t.FailureRate(),
	})
	if err != nil {
		return 0, err
	}

	t.logger.Info("Registered with coordinator", zap.String("address", address), zap.Int("participants", reply.Size))

	return reply.Size, nil
}

// SyncHistory fetches the coordinator's history and reports what the local log is missing.
func (t *TPCParticipant) SyncHistory(ctx context.Context, link CoordinatorLink) ([]domain.HistoryRecord, error) {
	reply, err := link.History(ctx)
	if err != nil {
		return nil, err
	}

	missing := t.Reconcile(reply.Records)
	t.logger.Info("Synchronized history", zap.Int("history", len(reply.Records)), zap.Int("missing", len(missing)))

	return missing, nil
}
