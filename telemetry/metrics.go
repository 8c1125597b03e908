package telemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// CoordinatorMetrics holds the instruments recorded by the coordinator agent.
type CoordinatorMetrics struct {
	Transactions  metric.Int64Counter
	Votes         metric.Int64Counter
	Unreachable   metric.Int64Counter
	RoundDuration metric.Int64Histogram
}

func NewCoordinatorMetrics(meter metric.Meter) (*CoordinatorMetrics, error) {
	transactions, err := meter.Int64Counter(
		"twopc.coordinator.transactions",
		metric.WithDescription("Finalized transactions by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	votes, err := meter.Int64Counter(
		"twopc.coordinator.votes",
		metric.WithDescription("Votes collected during PREPARE, failures counted as NO."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	unreachable, err := meter.Int64Counter(
		"twopc.coordinator.unreachable",
		metric.WithDescription("Calls to participants that failed at the transport."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	roundDuration, err := meter.Int64Histogram(
		"twopc.coordinator.round.duration",
		metric.WithDescription("Duration of a full 2PC round."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &CoordinatorMetrics{
		Transactions:  transactions,
		Votes:         votes,
		Unreachable:   unreachable,
		RoundDuration: roundDuration,
	}, nil
}

// ParticipantMetrics holds the instruments recorded by a participant agent.
type ParticipantMetrics struct {
	Prepares  metric.Int64Counter
	Decisions metric.Int64Counter
	Refused   metric.Int64Counter
}

func NewParticipantMetrics(meter metric.Meter) (*ParticipantMetrics, error) {
	prepares, err := meter.Int64Counter(
		"twopc.participant.prepares",
		metric.WithDescription("PREPARE requests answered, by vote."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	decisions, err := meter.Int64Counter(
		"twopc.participant.decisions",
		metric.WithDescription("Decisions applied to the local log."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	refused, err := meter.Int64Counter(
		"twopc.participant.refused",
		metric.WithDescription("Protocol requests refused while crashed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &ParticipantMetrics{
		Prepares:  prepares,
		Decisions: decisions,
		Refused:   refused,
	}, nil
}
