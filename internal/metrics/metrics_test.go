package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsRegisterAndCount(t *testing.T) {
	before := testutil.ToFloat64(GateEvaluations.WithLabelValues("proceed"))
	GateEvaluations.WithLabelValues("proceed").Inc()
	if got := testutil.ToFloat64(GateEvaluations.WithLabelValues("proceed")); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}

	MinConfidence.Set(0.75)
	if got := testutil.ToFloat64(MinConfidence); got != 0.75 {
		t.Fatalf("expected gauge 0.75, got %v", got)
	}
}
