package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegisters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("POST", "/api/v1/stateless-query", "200").Inc()
	m.MixingDispatches.WithLabelValues("decoy").Add(2)
	m.MixingDispatches.WithLabelValues("real").Inc()
	m.BackgroundDecoys.Set(2)

	if got := testutil.ToFloat64(m.MixingDispatches.WithLabelValues("decoy")); got != 2 {
		t.Errorf("decoy dispatches = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BackgroundDecoys); got != 2 {
		t.Errorf("background decoys = %v, want 2", got)
	}

	// Registering the same collectors twice must panic via MustRegister.
	defer func() {
		if recover() == nil {
			t.Error("duplicate registration did not panic")
		}
	}()
	NewMetrics(reg)
}
