package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/Nystya/two-phase-commit/domain"
	"github.com/Nystya/two-phase-commit/service"
	"github.com/chzyer/readline"
	"go.uber.org/zap"
)

var errExit = errors.New("exit")

// CommandHandler executes one console line already split into fields.
type CommandHandler interface {
	Handle(ctx context.Context, args []string, out io.Writer) error
}

// RunConsole reads commands until exit, EOF or ctx cancellation.
func RunConsole(ctx context.Context, prompt string, handler CommandHandler, logger *zap.Logger) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}

		err = handler.Handle(ctx, args, rl.Stdout())
		if errors.Is(err, errExit) {
			return nil
		}
		if err != nil {
			logger.Debug("Console command failed", zap.String("command", args[0]), zap.Error(err))
			fmt.Fprintf(rl.Stdout(), "error: %v\n", err)
		}
	}
}

// ParsePayload parses "k1=v1,k2=v2" into an ordered payload.
func ParsePayload(text string) (domain.Payload, error) {
	payload := make(domain.Payload, 0)

	for _, pair := range strings.Split(text, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, &domain.InvalidParameterError{Name: "payload", Reason: fmt.Sprintf("%q is not key=value", pair)}
		}

		payload = append(payload, domain.KV{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
	}

	if err := payload.Validate(); err != nil {
		return nil, err
	}

	return payload, nil
}

func formatPayload(payload domain.Payload) string {
	pairs := make([]string, 0, len(payload))
	for _, kv := range payload {
		pairs = append(pairs, kv.Key+"="+kv.Value)
	}

	return strings.Join(pairs, ",")
}

// CoordinatorConsole drives transactions from the operator's terminal.
type CoordinatorConsole struct {
	coordinator *service.TPCCoordinator
}

func NewCoordinatorConsole(coordinator *service.TPCCoordinator) *CoordinatorConsole {
	return &CoordinatorConsole{coordinator: coordinator}
}

func (c *CoordinatorConsole) Handle(ctx context.Context, args []string, out io.Writer) error {
	switch args[0] {
	case "list":
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tADDRESS\tLIVE\tCRASHED\tFAILURE RATE")
		for _, p := range c.coordinator.ListParticipants() {
			fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%.2f\n", p.ID, p.Address, p.Live, p.Crashed, p.FailureRate)
		}
		return w.Flush()

	case "tx":
		if len(args) != 2 {
			return &domain.InvalidParameterError{Name: "tx", Reason: "usage: tx k1=v1,k2=v2"}
		}

		payload, err := ParsePayload(args[1])
		if err != nil {
			return err
		}

		tx, err := c.coordinator.BeginTransaction(ctx, payload)
		if err != nil {
			return err
		}

		printTransaction(out, tx)
		return nil

	case "status":
		if len(args) == 2 {
			tx, err := c.coordinator.QueryStatus(args[1])
			if err != nil {
				return err
			}

			printTransaction(out, tx)
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tPAYLOAD")
		for _, tx := range c.coordinator.ListTransactions() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", tx.ID, tx.State, formatPayload(tx.Payload))
		}
		return w.Flush()

	case "query":
		if len(args) != 3 {
			return &domain.InvalidParameterError{Name: "query", Reason: "usage: query <tx-id> <participant-id>"}
		}

		state, err := c.coordinator.QueryParticipant(ctx, args[2], args[1])
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "%s: %s\n", args[2], state)
		return nil

	case "help":
		fmt.Fprintln(out, "list | tx k1=v1,k2=v2 | status [tx-id] | query <tx-id> <participant-id> | exit")
		return nil

	case "exit", "quit":
		return errExit

	default:
		return fmt.Errorf("unknown command %q, type help", args[0])
	}
}

func printTransaction(out io.Writer, tx *domain.Transaction) {
	fmt.Fprintf(out, "%s %s payload=%s\n", tx.ID, tx.State, formatPayload(tx.Payload))

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  PARTICIPANT\tVOTE\tACK")
	for _, id := range tx.Participants {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", id, tx.Votes[id], tx.Acks[id])
	}
	_ = w.Flush()
}

// ParticipantConsole controls one participant's failure injection and voting.
type ParticipantConsole struct {
	participant *service.TPCParticipant
	link        service.CoordinatorLink
	address     string
}

func NewParticipantConsole(participant *service.TPCParticipant, link service.CoordinatorLink, address string) *ParticipantConsole {
	return &ParticipantConsole{
		participant: participant,
		link:        link,
		address:     address,
	}
}

func (c *ParticipantConsole) Handle(ctx context.Context, args []string, out io.Writer) error {
	switch args[0] {
	case "status":
		status := c.participant.Status()
		fmt.Fprintf(out, "id=%s crashed=%t failure_rate=%.2f manual=%t committed=%d aborted=%d pending=%s\n",
			status.ID, status.Crashed, status.FailureRate, status.ManualVoting,
			status.Committed, status.Aborted, strings.Join(status.Pending, ","))
		return nil

	case "data":
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TX\tDECISION\tPAYLOAD")
		for _, e := range c.participant.Log() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.TxID, e.Decision, formatPayload(e.Payload))
		}
		return w.Flush()

	case "pending":
		for _, txID := range c.participant.PendingVotes() {
			fmt.Fprintln(out, txID)
		}
		return nil

	case "vote":
		if len(args) != 3 || (args[2] != "yes" && args[2] != "no") {
			return &domain.InvalidParameterError{Name: "vote", Reason: "usage: vote <tx-id> yes|no"}
		}

		return c.participant.SubmitVote(args[1], args[2] == "yes")

	case "manual":
		if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
			return &domain.InvalidParameterError{Name: "manual", Reason: "usage: manual on|off"}
		}

		c.participant.SetManualVoting(args[1] == "on")
		return nil

	case "crash":
		c.participant.SetCrashed(true)
		fmt.Fprintln(out, "crashed")
		return nil

	case "recover":
		entries := c.participant.Recover()
		fmt.Fprintf(out, "recovered with %d log entries\n", len(entries))

		if _, err := c.participant.Announce(ctx, c.link, c.address); err != nil {
			return err
		}

		return c.sync(ctx, out)

	case "sync":
		return c.sync(ctx, out)

	case "fail":
		if len(args) != 2 {
			return &domain.InvalidParameterError{Name: "fail", Reason: "usage: fail <probability>"}
		}

		rate, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return &domain.InvalidParameterError{Name: "failure_rate", Reason: err.Error()}
		}

		return c.participant.SetFailureRate(rate)

	case "help":
		fmt.Fprintln(out, "status | data | pending | vote <tx-id> yes|no | manual on|off | crash | recover | sync | fail <p> | exit")
		return nil

	case "exit", "quit":
		return errExit

	default:
		return fmt.Errorf("unknown command %q, type help", args[0])
	}
}

func (c *ParticipantConsole) sync(ctx context.Context, out io.Writer) error {
	missing, err := c.participant.SyncHistory(ctx, c.link)
	if err != nil {
		return err
	}

	if len(missing) == 0 {
		fmt.Fprintln(out, "log is up to date")
		return nil
	}

	fmt.Fprintf(out, "%d decided transactions missing from the log:\n", len(missing))
	for _, record := range missing {
		fmt.Fprintf(out, "  %s %s %s\n", record.TxID, record.Decision, formatPayload(record.Payload))
	}

	return nil
}
