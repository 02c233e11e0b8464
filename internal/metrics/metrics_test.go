package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterAndWrite(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Write("lead", "create", nil)
	m.Write("lead", "create", errors.New("boom"))
	m.Write("lead", "create", nil)

	if got := testutil.ToFloat64(m.Writes.WithLabelValues("lead", "create", "ok")); got != 2 {
		t.Errorf("ok writes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Writes.WithLabelValues("lead", "create", "error")); got != 1 {
		t.Errorf("error writes = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Error("expected registered families")
	}
}

func TestNilMetricsWriteIsSafe(t *testing.T) {
	var m *Metrics
	m.Write("lead", "create", nil)
}
