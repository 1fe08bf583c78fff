package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Accepted()
	m.Rejected()
	m.AcceptError()
	m.WorkerStarted()
	m.WorkerDone()
	m.TunnelOpened()
	m.Forwarded()
	m.Denied()
	m.DialError(KindConnect)
	m.Relayed(1, 2)
}

func TestMetricsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Accepted()
	m.Accepted()
	m.WorkerStarted()
	m.WorkerStarted()
	m.WorkerDone()
	m.DialError(KindHTTP)
	m.Relayed(10, 0)
	m.Relayed(5, 7)

	if got := testutil.ToFloat64(m.accepted); got != 2 {
		t.Fatalf("accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.activeWorkers); got != 1 {
		t.Fatalf("active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.dialErrors.WithLabelValues(KindHTTP)); got != 1 {
		t.Fatalf("dial errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.bytesRelayed.WithLabelValues("upstream")); got != 15 {
		t.Fatalf("upstream = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.bytesRelayed.WithLabelValues("downstream")); got != 7 {
		t.Fatalf("downstream = %v, want 7", got)
	}

	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("nothing registered")
	}
}
