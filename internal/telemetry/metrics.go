package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys shared by metrics and spans.
const (
	ApprovalIDKey   = attribute.Key("approval.id")
	RequestIDKey    = attribute.Key("approval.request_id")
	ActionIntentKey = attribute.Key("approval.action_intent")
	StatusKey       = attribute.Key("approval.status")
	StepIDKey       = attribute.Key("dispatch.step_id")
	ConnectorKey    = attribute.Key("dispatch.connector")
	AttemptKey      = attribute.Key("dispatch.attempt")
	DryRunKey       = attribute.Key("dispatch.dry_run")
)

// ApprovalMetrics is the instrument set for the approval lifecycle.
// A nil *ApprovalMetrics is valid and records nothing.
type ApprovalMetrics struct {
	Created  metric.Int64Counter
	Approved metric.Int64Counter
	Rejected metric.Int64Counter
	Expired  metric.Int64Counter

	DispatchSuccess metric.Int64Counter
	DispatchFailure metric.Int64Counter
	DispatchRetry   metric.Int64Counter

	ConsumeConflict metric.Int64Counter
	ConsumeSuccess  metric.Int64Counter

	Pending metric.Int64ObservableGauge

	TimeToDecision  metric.Float64Histogram
	DispatchLatency metric.Float64Histogram

	meter   metric.Meter
	mu      sync.Mutex
	pending func(context.Context) (int64, error)
	reg     metric.Registration
}

// NewApprovalMetrics creates every instrument on meter.
func NewApprovalMetrics(meter metric.Meter) (*ApprovalMetrics, error) {
	var err error
	m := &ApprovalMetrics{meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.Created, "approvals.created", "Approvals created"},
		{&m.Approved, "approvals.approved", "Approvals moved to approved"},
		{&m.Rejected, "approvals.rejected", "Approvals moved to rejected"},
		{&m.Expired, "approvals.expired", "Approvals expired before a decision"},
		{&m.DispatchSuccess, "dispatch.success", "Dispatches that completed every plan step"},
		{&m.DispatchFailure, "dispatch.failure", "Dispatches that ended in dispatch_failed"},
		{&m.DispatchRetry, "dispatch.retry", "Plan step retries after a transient failure"},
		{&m.ConsumeConflict, "dispatch.consume.conflict", "Dispatch claims lost to another worker"},
		{&m.ConsumeSuccess, "dispatch.consume.success", "Dispatch claims won"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{events}"))
		if err != nil {
			return nil, err
		}
	}

	m.Pending, err = meter.Int64ObservableGauge("approvals.pending",
		metric.WithDescription("Approvals currently awaiting a decision"),
		metric.WithUnit("{approvals}"),
	)
	if err != nil {
		return nil, err
	}

	m.TimeToDecision, err = meter.Float64Histogram("approvals.time_to_decision",
		metric.WithDescription("Time from approval creation to a final decision"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchLatency, err = meter.Float64Histogram("dispatch.latency",
		metric.WithDescription("Wall time of one plan dispatch"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ObservePending registers fn as the source of the pending gauge, replacing
// any earlier source.
func (m *ApprovalMetrics) ObservePending(fn func(context.Context) (int64, error)) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reg != nil {
		_ = m.reg.Unregister()
		m.reg = nil
	}
	m.pending = fn
	if fn == nil {
		return nil
	}
	reg, err := m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		n, err := fn(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(m.Pending, n)
		return nil
	}, m.Pending)
	if err != nil {
		return err
	}
	m.reg = reg
	return nil
}

func (m *ApprovalMetrics) RecordCreated(ctx context.Context, intent string) {
	if m == nil {
		return
	}
	m.Created.Add(ctx, 1, metric.WithAttributes(ActionIntentKey.String(intent)))
}

// RecordDecision counts an approved or rejected outcome and observes how long
// the approval waited.
func (m *ApprovalMetrics) RecordDecision(ctx context.Context, approved bool, createdAt time.Time) {
	if m == nil {
		return
	}
	status := "rejected"
	c := m.Rejected
	if approved {
		status, c = "approved", m.Approved
	}
	c.Add(ctx, 1)
	if !createdAt.IsZero() {
		m.TimeToDecision.Record(ctx, time.Since(createdAt).Seconds(), metric.WithAttributes(StatusKey.String(status)))
	}
}

func (m *ApprovalMetrics) RecordExpired(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Expired.Add(ctx, int64(n))
}

func (m *ApprovalMetrics) RecordConsume(ctx context.Context, won bool) {
	if m == nil {
		return
	}
	if won {
		m.ConsumeSuccess.Add(ctx, 1)
		return
	}
	m.ConsumeConflict.Add(ctx, 1)
}

func (m *ApprovalMetrics) RecordRetry(ctx context.Context, connector string, attempt int) {
	if m == nil {
		return
	}
	m.DispatchRetry.Add(ctx, 1, metric.WithAttributes(ConnectorKey.String(connector), AttemptKey.Int(attempt)))
}

// RecordDispatch counts the terminal outcome and its latency.
func (m *ApprovalMetrics) RecordDispatch(ctx context.Context, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	if success {
		m.DispatchSuccess.Add(ctx, 1)
	} else {
		m.DispatchFailure.Add(ctx, 1)
	}
	m.DispatchLatency.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attribute.Bool("success", success)))
}
