package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// GateMetrics are the counters every governance surface reports into.
type GateMetrics struct {
	decisions     metric.Int64Counter
	ratifications metric.Int64Counter
	violations    metric.Int64Counter
}

// NewGateMetrics registers the gate's instruments on the global meter.
func NewGateMetrics() (*GateMetrics, error) {
	meter := Meter("dualcommit/gate")
	decisions, err := meter.Int64Counter("dualcommit.decisions",
		metric.WithDescription("Gatekeeper decisions by type and code"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: decisions counter: %w", err)
	}
	ratifications, err := meter.Int64Counter("dualcommit.ratifications",
		metric.WithDescription("Human ratifications by subject and action"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: ratifications counter: %w", err)
	}
	violations, err := meter.Int64Counter("dualcommit.monitor.violations",
		metric.WithDescription("Pending proposals found older than the SLA threshold"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: violations counter: %w", err)
	}
	return &GateMetrics{decisions: decisions, ratifications: ratifications, violations: violations}, nil
}

// Decision counts one gate decision. replayed marks idempotent replays.
func (m *GateMetrics) Decision(ctx context.Context, decisionType, code string, replayed bool) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision_type", decisionType),
		attribute.String("code", code),
		attribute.Bool("replayed", replayed),
	))
}

// Ratification counts one human action. subject is "request" or "proposal".
func (m *GateMetrics) Ratification(ctx context.Context, subject, action string) {
	if m == nil {
		return
	}
	m.ratifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("action", action),
	))
}

// Violations counts stale pending proposals found by one monitor scan.
func (m *GateMetrics) Violations(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.violations.Add(ctx, int64(n))
}
