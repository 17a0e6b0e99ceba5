package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nuetzliches/rulepost/internal/history"
)

func scrape(t *testing.T, rm *runtimeMetrics) string {
	t.Helper()
	h := newMetricsHandler("test", time.Unix(1000, 0), rm)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestMetricsScrape(t *testing.T) {
	rm := newRuntimeMetrics()
	rm.setTracingEnabled(true)
	rm.observeIntakeResult(true)
	rm.observeIntakeResult(true)
	rm.observeIntakeResult(false)
	rm.observeDispatch(true)
	rm.observeDispatch(false)

	body := scrape(t, rm)
	for _, want := range []string{
		"rulepost_up 1",
		`rulepost_build_info{version="test"} 1`,
		"rulepost_start_time_seconds 1000",
		"rulepost_tracing_enabled 1",
		"rulepost_events_accepted_total 2",
		"rulepost_events_rejected_total 1",
		"rulepost_dispatch_attempts_total 2",
		"rulepost_dispatch_delivered_total 1",
		"rulepost_dispatch_failed_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape missing %q:\n%s", want, body)
		}
	}
}

func TestMetricsScrapeIncludesHistoryStats(t *testing.T) {
	rm := newRuntimeMetrics()
	store := history.NewMemoryStore()
	if err := store.Record(history.Attempt{EventID: "ev-1", Result: "200"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Record(history.Attempt{EventID: "ev-2", Result: "404", Error: "dial failed"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	rm.historyStore = store

	body := scrape(t, rm)
	if !strings.Contains(body, `rulepost_history_attempts{outcome="delivered"} 1`) {
		t.Fatalf("scrape missing delivered history stat:\n%s", body)
	}
	if !strings.Contains(body, `rulepost_history_attempts{outcome="failed"} 1`) {
		t.Fatalf("scrape missing failed history stat:\n%s", body)
	}
}

func TestMetricsHistoryStatsCached(t *testing.T) {
	rm := newRuntimeMetrics()
	store := history.NewMemoryStore()
	if err := store.Record(history.Attempt{EventID: "ev-1", Result: "200"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	rm.historyStore = store

	now := time.Unix(5000, 0)
	first, ok := rm.historyTotals(now)
	if !ok || first.Total != 1 {
		t.Fatalf("first = %+v ok=%v", first, ok)
	}

	if err := store.Record(history.Attempt{EventID: "ev-2", Result: "200"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Within the TTL the cached value is served.
	cached, ok := rm.historyTotals(now.Add(500 * time.Millisecond))
	if !ok || cached.Total != 1 {
		t.Fatalf("cached = %+v ok=%v", cached, ok)
	}

	fresh, ok := rm.historyTotals(now.Add(2 * time.Second))
	if !ok || fresh.Total != 2 {
		t.Fatalf("fresh = %+v ok=%v", fresh, ok)
	}
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var rm *runtimeMetrics
	rm.setTracingEnabled(true)
	rm.incTracingInitFailures()
	rm.incTracingExportErrors()
	rm.observeIntakeResult(true)
	rm.observeDispatch(false)
	if _, ok := rm.historyTotals(time.Now()); ok {
		t.Fatal("nil metrics must not report history stats")
	}
	_ = scrape(t, nil)
}
