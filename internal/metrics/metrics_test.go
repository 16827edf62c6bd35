package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.IncTransition("booked")
	m.IncTransition("booked")
	m.IncBookingConflict()
	m.IncDistributed("appointment-created", "ok")
	m.IncRateLimited("auth")

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("booked")); got != 2 {
		t.Fatalf("expected 2 booked transitions, got %v", got)
	}
	if got := testutil.ToFloat64(m.bookingConflicts); got != 1 {
		t.Fatalf("expected 1 conflict, got %v", got)
	}
	if got := testutil.ToFloat64(m.rateLimitRejected.WithLabelValues("auth")); got != 1 {
		t.Fatalf("expected 1 rejection, got %v", got)
	}
}

func TestMetrics_QueueLengthPerDay(t *testing.T) {
	m := New()

	m.SetQueueLength("p", "2026-03-02", 3)
	m.SetQueueLength("p", "2026-03-03", 1)
	m.SetQueueLength("p", "2026-03-02", 2)

	if got := testutil.ToFloat64(m.queueLength.WithLabelValues("p", "2026-03-02")); got != 2 {
		t.Fatalf("expected 2 entries on monday, got %v", got)
	}
	if got := testutil.ToFloat64(m.queueLength.WithLabelValues("p", "2026-03-03")); got != 1 {
		t.Fatalf("another day must not be overwritten, got %v", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.IncTransition("booked")
	m.IncDistributed("x", "ok")
	m.SetEventQueueDepth(3)
	m.SetQueueLength("p", "2026-03-02", 1)
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncDistributed("system-notice", "fail")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `events_distributed_total{result="fail",type="system-notice"} 1`) {
		t.Fatalf("metric missing from output:\n%s", body)
	}
}
