package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RunFinished("completed")
	m.ObserveStage("planner", time.Second)
	m.CacheLookup("hit")
	m.CacheWrite("created")
	m.DiagnosisAttempt("empty_result", "resolved")
	m.JournalEntry("written")
	m.RunStarted()
	m.RunEnded()
	m.SetSessions(3)
	if m.Registry() != nil {
		t.Error("nil metrics should have nil registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.RunFinished("completed")
	m.RunFinished("completed")
	m.RunFinished("errored")
	m.CacheLookup("hit")

	if got := testutil.ToFloat64(m.runs.WithLabelValues("completed")); got != 2 {
		t.Errorf("runs{completed} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")); got != 1 {
		t.Errorf("cache_lookups{hit} = %v, want 1", got)
	}

	m.RunStarted()
	m.RunStarted()
	m.RunEnded()
	if got := testutil.ToFloat64(m.activeRuns); got != 1 {
		t.Errorf("active_runs = %v, want 1", got)
	}
}

func TestHandler_ExposesNamespace(t *testing.T) {
	m := New()
	m.JournalEntry("written")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "signalbox_journal_entries_total") {
		t.Errorf("metrics body missing journal counter:\n%s", body)
	}
}
