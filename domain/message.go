package domain

// Kind tags a protocol message.
type Kind string

const (
	KindPrepare       Kind = "PREPARE"
	KindVoteYes       Kind = "VOTE_YES"
	KindVoteNo        Kind = "VOTE_NO"
	KindCommit        Kind = "COMMIT"
	KindAbort         Kind = "ABORT"
	KindAckCommit     Kind = "ACK_COMMIT"
	KindAckAbort      Kind = "ACK_ABORT"
	KindQueryState    Kind = "QUERY_STATE"
	KindStateResponse Kind = "STATE_RESPONSE"
)

var knownKinds = map[Kind]struct{}{
	KindPrepare:       {},
	KindVoteYes:       {},
	KindVoteNo:        {},
	KindCommit:        {},
	KindAbort:         {},
	KindAckCommit:     {},
	KindAckAbort:      {},
	KindQueryState:    {},
	KindStateResponse: {},
}

func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// DecisionKind maps a decision to the message that carries it.
func DecisionKind(d Decision) Kind {
	if d == Decision_COMMIT {
		return KindCommit
	}

	return KindAbort
}

// AckKind maps a decision to the acknowledgment that confirms it.
func AckKind(d Decision) Kind {
	if d == Decision_COMMIT {
		return KindAckCommit
	}

	return KindAckAbort
}

// Message is the unit exchanged between coordinator and participants.
type Message struct {
	TxID    string     `json:"tx_id"`
	Kind    Kind       `json:"kind"`
	Payload Payload    `json:"payload,omitempty"`
	State   LocalState `json:"state,omitempty"`
}

// Registration is the announce call a participant makes to the coordinator.
type Registration struct {
	ID          string  `json:"id"`
	Address     string  `json:"address"`
	FailureRate float64 `json:"failure_rate"`
}

type RegisterReply struct {
	Size int `json:"size"`
}

// HistoryRecord is a finalized transaction as exposed for participant synchronization.
type HistoryRecord struct {
	TxID     string   `json:"tx_id"`
	Decision Decision `json:"decision"`
	Payload  Payload  `json:"payload"`
}

type HistoryReply struct {
	Records []HistoryRecord `json:"records"`
}
