package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ashita-ai/dualcommit/internal/telemetry"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	before := otel.GetMeterProvider()
	shutdown, err := telemetry.Init(context.Background(), telemetry.Config{ServiceName: "dualcommit"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetMeterProvider(), "providers are only replaced when exporting")
}

// collectSums gathers every int64 sum data point by metric name.
func collectSums(t *testing.T, r *sdkmetric.ManualReader) map[string][]metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))
	out := map[string][]metricdata.DataPoint[int64]{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = append(out[m.Name], sum.DataPoints...)
			}
		}
	}
	return out
}

func TestGateMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	m, err := telemetry.NewGateMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.Decision(ctx, "AUTO_APPROVE", "ROUTINE_POLICY", false)
	m.Decision(ctx, "AUTO_APPROVE", "ROUTINE_POLICY", true)
	m.Decision(ctx, "HALT", "PROTECTED_TARGET", false)
	m.Ratification(ctx, "request", "approve")
	m.Violations(ctx, 0)
	m.Violations(ctx, 3)

	sums := collectSums(t, reader)

	decisions := sums["dualcommit.decisions"]
	require.Len(t, decisions, 3, "one series per type, code and replayed")
	for _, dp := range decisions {
		typ, _ := dp.Attributes.Value(attribute.Key("decision_type"))
		assert.Equal(t, int64(1), dp.Value, typ.AsString())
	}

	require.Len(t, sums["dualcommit.ratifications"], 1)
	subject, _ := sums["dualcommit.ratifications"][0].Attributes.Value(attribute.Key("subject"))
	assert.Equal(t, "request", subject.AsString())

	require.Len(t, sums["dualcommit.monitor.violations"], 1)
	assert.Equal(t, int64(3), sums["dualcommit.monitor.violations"][0].Value)
}

func TestGateMetrics_NilIsSafe(t *testing.T) {
	var m *telemetry.GateMetrics
	assert.NotPanics(t, func() {
		m.Decision(context.Background(), "HALT", "PROTECTED_TARGET", false)
		m.Ratification(context.Background(), "proposal", "reject")
		m.Violations(context.Background(), 1)
	})
}
