package domain

import "fmt"

type NotFoundError struct {
	What string
	ID   string
}

func (n NotFoundError) Error() string {
	if n.What == "" {
		return "Data not found!"
	}

	return fmt.Sprintf("%s %q not found", n.What, n.ID)
}

// MalformedMessageError is returned when bytes on the wire do not form a valid message.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (m *MalformedMessageError) Error() string {
	if m.Err != nil {
		return "malformed message: " + m.Reason + ": " + m.Err.Error()
	}

	return "malformed message: " + m.Reason
}

func (m *MalformedMessageError) Unwrap() error {
	return m.Err
}

type UnreachableParticipantError struct {
	ParticipantID string
	Err           error
}

func (u *UnreachableParticipantError) Error() string {
	return fmt.Sprintf("participant %s unreachable: %v", u.ParticipantID, u.Err)
}

func (u *UnreachableParticipantError) Unwrap() error {
	return u.Err
}

type InvalidParameterError struct {
	Name   string
	Reason string
}

func (i *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", i.Name, i.Reason)
}

// CrashedError is returned by a participant that refuses traffic while crashed.
type CrashedError struct {
	ParticipantID string
}

func (c *CrashedError) Error() string {
	return "participant " + c.ParticipantID + " crashed"
}

type ConflictingDecisionError struct {
	TxID     string
	Logged   Decision
	Received Decision
}

func (c *ConflictingDecisionError) Error() string {
	return fmt.Sprintf("transaction %s already logged as %s, refusing %s", c.TxID, c.Logged, c.Received)
}

type InvalidTransitionError struct {
	TxID string
	From Status
	To   Status
}

func (i *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transaction %s cannot move from %s to %s", i.TxID, i.From, i.To)
}

type TerminalTransactionError struct {
	TxID  string
	State Status
}

func (t *TerminalTransactionError) Error() string {
	return fmt.Sprintf("transaction %s is %s and can no longer change", t.TxID, t.State)
}
