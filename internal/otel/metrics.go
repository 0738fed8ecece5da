package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the fabric's metric instruments.
type Metrics struct {
	LockWaitDuration     metric.Float64Histogram
	AccumulationWindow   metric.Float64Histogram
	TurnDuration         metric.Float64Histogram
	MessagesPerTurn      metric.Int64Histogram
	SupersedeDecisions   metric.Int64Counter
	IdempotencyHits      metric.Int64Counter
	IdempotencyConflicts metric.Int64Counter
	ArtifactReuses       metric.Int64Counter
	ArtifactRecomputes   metric.Int64Counter
	ActiveSessions       metric.Int64UpDownCounter
	RateLimitRejects     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.LockWaitDuration, err = meter.Float64Histogram("turnfabric.lock.wait",
		metric.WithDescription("Session lock acquisition wait in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AccumulationWindow, err = meter.Float64Histogram("turnfabric.accumulation.window",
		metric.WithDescription("Suggested accumulation window in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("turnfabric.turn.duration",
		metric.WithDescription("Logical turn duration from first message to commit in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesPerTurn, err = meter.Int64Histogram("turnfabric.turn.messages",
		metric.WithDescription("Raw messages absorbed per logical turn"),
	)
	if err != nil {
		return nil, err
	}

	m.SupersedeDecisions, err = meter.Int64Counter("turnfabric.supersede.decisions",
		metric.WithDescription("Supersede decisions by action"),
	)
	if err != nil {
		return nil, err
	}

	m.IdempotencyHits, err = meter.Int64Counter("turnfabric.idempotency.hits",
		metric.WithDescription("Duplicate operations answered from the ledger"),
	)
	if err != nil {
		return nil, err
	}

	m.IdempotencyConflicts, err = meter.Int64Counter("turnfabric.idempotency.conflicts",
		metric.WithDescription("Idempotency keys reused with a different payload"),
	)
	if err != nil {
		return nil, err
	}

	m.ArtifactReuses, err = meter.Int64Counter("turnfabric.artifact.reuses",
		metric.WithDescription("Stage artifacts served from cache"),
	)
	if err != nil {
		return nil, err
	}

	m.ArtifactRecomputes, err = meter.Int64Counter("turnfabric.artifact.recomputes",
		metric.WithDescription("Stage artifacts recomputed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("turnfabric.sessions.active",
		metric.WithDescription("Sessions with a live worker"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("turnfabric.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the tenant rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
