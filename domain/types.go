package domain

import (
	"time"
	"unicode/utf8"
)

type Decision string

const (
	Decision_COMMIT Decision = "COMMIT"
	Decision_ABORT  Decision = "ABORT"
)

// Status is the coordinator-side lifecycle of a transaction.
type Status string

const (
	Initiated  Status = "INITIATED"
	Preparing  Status = "PREPARING"
	Prepared   Status = "PREPARED"
	Committing Status = "COMMITTING"
	Committed  Status = "COMMITTED"
	Aborting   Status = "ABORTING"
	Aborted    Status = "ABORTED"
)

func (s Status) Terminal() bool {
	return s == Committed || s == Aborted
}

// transitions lists the only legal forward moves of a transaction.
var transitions = map[Status][]Status{
	Initiated:  {Preparing},
	Preparing:  {Prepared},
	Prepared:   {Committing, Aborting},
	Committing: {Committed},
	Aborting:   {Aborted},
}

func (s Status) CanAdvanceTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

type Vote string

const (
	VotePending Vote = "PENDING"
	VoteYes     Vote = "YES"
	VoteNo      Vote = "NO"
)

type Ack string

const (
	AckPending Ack = "PENDING"
	AckAcked   Ack = "ACKED"
)

// LocalState is the participant-side view of a transaction.
type LocalState string

const (
	LocalUnknown     LocalState = "UNKNOWN"
	LocalPendingVote LocalState = "PENDING_VOTE"
	LocalVotedYes    LocalState = "YES"
	LocalVotedNo     LocalState = "NO"
	LocalCommitted   LocalState = "COMMITTED"
	LocalAborted     LocalState = "ABORTED"
)

// KV is one entry of an ordered transaction payload.
type KV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Payload []KV

func (p Payload) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}

	return "", false
}

func (p Payload) Validate() error {
	if len(p) == 0 {
		return &InvalidParameterError{Name: "payload", Reason: "must contain at least one key"}
	}

	seen := make(map[string]struct{}, len(p))
	for _, kv := range p {
		if kv.Key == "" {
			return &InvalidParameterError{Name: "payload", Reason: "empty key"}
		}
		if !utf8.ValidString(kv.Key) || !utf8.ValidString(kv.Value) {
			return &InvalidParameterError{Name: "payload", Reason: "key and value must be valid UTF-8"}
		}
		if _, ok := seen[kv.Key]; ok {
			return &InvalidParameterError{Name: "payload", Reason: "duplicate key " + kv.Key}
		}
		seen[kv.Key] = struct{}{}
	}

	return nil
}

// Entry is one record of a participant's local log.
type Entry struct {
	TxID     string   `json:"tx_id"`
	Decision Decision `json:"decision"`
	Payload  Payload  `json:"payload"`
}

// Transaction is the coordinator's registry record.
type Transaction struct {
	ID           string          `json:"id"`
	Payload      Payload         `json:"payload"`
	State        Status          `json:"state"`
	Participants []string        `json:"participants"`
	Votes        map[string]Vote `json:"votes"`
	Acks         map[string]Ack  `json:"acks"`
	Decision     Decision        `json:"decision,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	FinishedAt   time.Time       `json:"finished_at,omitempty"`
}

// Participant is a coordinator directory entry.
type Participant struct {
	ID          string  `json:"id"`
	Address     string  `json:"address"`
	Live        bool    `json:"live"`
	FailureRate float64 `json:"failure_rate"`
	Crashed     bool    `json:"crashed"`
}
