package service

import (
	"sync"
	"time"

	"github.com/Nystya/two-phase-commit/domain"
	"github.com/Nystya/two-phase-commit/repository/database"
	"github.com/google/uuid"
	"github.com/jinzhu/copier"
)

// Registry is the coordinator's record of every transaction's lifecycle.
// Records are only mutated through its methods; readers get deep copies.
type Registry struct {
	db      database.Database
	lock    *sync.Mutex
	history []string

	now func() time.Time
}

func NewRegistry(db database.Database) *Registry {
	return &Registry{
		db:      db,
		lock:    &sync.Mutex{},
		history: make([]string, 0),
		now:     time.Now,
	}
}

// Create allocates a new INITIATED record with every vote and ack PENDING.
func (r *Registry) Create(payload domain.Payload, participants []string) (*domain.Transaction, error) {
	tx := &domain.Transaction{
		ID:           uuid.New().String(),
		Payload:      append(domain.Payload(nil), payload...),
		State:        domain.Initiated,
		Participants: append([]string(nil), participants...),
		Votes:        make(map[string]domain.Vote, len(participants)),
		Acks:         make(map[string]domain.Ack, len(participants)),
		CreatedAt:    r.now(),
	}

	for _, id := range participants {
		tx.Votes[id] = domain.VotePending
		tx.Acks[id] = domain.AckPending
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if err := r.db.Put(tx.ID, tx); err != nil {
		return nil, err
	}

	return r.snapshot(tx)
}

// Advance moves a transaction forward. Entering a terminal state stamps the
// finish time and appends the record to the history.
func (r *Registry) Advance(txID string, to domain.Status) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	tx, err := r.mutable(txID)
	if err != nil {
		return err
	}

	if !tx.State.CanAdvanceTo(to) {
		return &domain.InvalidTransitionError{TxID: txID, From: tx.State, To: to}
	}

	tx.State = to

	if to.Terminal() {
		tx.FinishedAt = r.now()
		r.history = append(r.history, txID)
	}

	return nil
}

// Decide records the decision and moves a PREPARED transaction to COMMITTING or ABORTING.
func (r *Registry) Decide(txID string, decision domain.Decision) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	tx, err := r.mutable(txID)
	if err != nil {
		return err
	}

	next := domain.Aborting
	if decision == domain.Decision_COMMIT {
		next = domain.Committing
	}

	if !tx.State.CanAdvanceTo(next) {
		return &domain.InvalidTransitionError{TxID: txID, From: tx.State, To: next}
	}

	tx.State = next
	tx.Decision = decision

	return nil
}

func (r *Registry) SetVote(txID string, participantID string, vote domain.Vote) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	tx, err := r.mutable(txID)
	if err != nil {
		return err
	}

	if _, ok := tx.Votes[participantID]; !ok {
		return &domain.NotFoundError{What: "participant", ID: participantID}
	}

	tx.Votes[participantID] = vote

	return nil
}

func (r *Registry) SetAck(txID string, participantID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	tx, err := r.mutable(txID)
	if err != nil {
		return err
	}

	if _, ok := tx.Acks[participantID]; !ok {
		return &domain.NotFoundError{What: "participant", ID: participantID}
	}

	tx.Acks[participantID] = domain.AckAcked

	return nil
}

func (r *Registry) Get(txID string) (*domain.Transaction, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	tx, err := r.db.Get(txID)
	if err != nil {
		return nil, err
	}

	return r.snapshot(tx)
}

// List returns every record in creation order.
func (r *Registry) List() []*domain.Transaction {
	r.lock.Lock()
	defer r.lock.Unlock()

	keys := r.db.GetAllKeys()
	txs := make([]*domain.Transaction, 0, len(keys))

	for _, key := range keys {
		tx, err := r.db.Get(key)
		if err != nil {
			continue
		}

		snapshot, err := r.snapshot(tx)
		if err != nil {
			continue
		}

		txs = append(txs, snapshot)
	}

	return txs
}

// History returns finalized transactions in the order they finished.
func (r *Registry) History() []domain.HistoryRecord {
	r.lock.Lock()
	defer r.lock.Unlock()

	records := make([]domain.HistoryRecord, 0, len(r.history))
	for _, txID := range r.history {
		tx, err := r.db.Get(txID)
		if err != nil {
			continue
		}

		records = append(records, domain.HistoryRecord{
			TxID:     tx.ID,
			Decision: tx.Decision,
			Payload:  append(domain.Payload(nil), tx.Payload...),
		})
	}

	return records
}

// mutable returns the live record if it may still change. Callers hold r.lock.
func (r *Registry) mutable(txID string) (*domain.Transaction, error) {
	tx, err := r.db.Get(txID)
	if err != nil {
		return nil, err
	}

	if tx.State.Terminal() {
		return nil, &domain.TerminalTransactionError{TxID: txID, State: tx.State}
	}

	return tx, nil
}

func (r *Registry) snapshot(tx *domain.Transaction) (*domain.Transaction, error) {
	out := &domain.Transaction{}
	if err := copier.CopyWithOption(out, tx, copier.Option{DeepCopy: true}); err != nil {
		return nil, err
	}

	out.CreatedAt = tx.CreatedAt
	out.FinishedAt = tx.FinishedAt

	return out, nil
}
