package app

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuetzliches/rulepost/internal/history"
)

type runtimeMetrics struct {
	tracingEnabled           atomic.Int64
	tracingInitFailuresTotal atomic.Int64
	tracingExportErrorsTotal atomic.Int64

	eventsAcceptedTotal atomic.Int64
	eventsRejectedTotal atomic.Int64

	dispatchAttemptTotal   atomic.Int64
	dispatchDeliveredTotal atomic.Int64
	dispatchFailedTotal    atomic.Int64

	// History store for on-scrape totals
	historyStore history.Store
	historyStats struct {
		mu       sync.Mutex
		ttl      time.Duration
		cached   history.Stats
		cachedAt time.Time
		cachedOK bool
	}
}

func newRuntimeMetrics() *runtimeMetrics {
	m := &runtimeMetrics{}
	m.historyStats.ttl = time.Second
	return m
}

func (m *runtimeMetrics) setTracingEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.tracingEnabled.Store(1)
		return
	}
	m.tracingEnabled.Store(0)
}

func (m *runtimeMetrics) incTracingInitFailures() {
	if m == nil {
		return
	}
	m.tracingInitFailuresTotal.Add(1)
}

func (m *runtimeMetrics) incTracingExportErrors() {
	if m == nil {
		return
	}
	m.tracingExportErrorsTotal.Add(1)
}

func (m *runtimeMetrics) observeIntakeResult(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.eventsAcceptedTotal.Add(1)
	} else {
		m.eventsRejectedTotal.Add(1)
	}
}

func (m *runtimeMetrics) observeDispatch(delivered bool) {
	if m == nil {
		return
	}
	m.dispatchAttemptTotal.Add(1)
	if delivered {
		m.dispatchDeliveredTotal.Add(1)
	} else {
		m.dispatchFailedTotal.Add(1)
	}
}

func (m *runtimeMetrics) historyTotals(now time.Time) (history.Stats, bool) {
	if m == nil || m.historyStore == nil {
		return history.Stats{}, false
	}

	m.historyStats.mu.Lock()
	defer m.historyStats.mu.Unlock()
	if m.historyStats.cachedOK && now.Sub(m.historyStats.cachedAt) < m.historyStats.ttl {
		return m.historyStats.cached, true
	}
	stats, err := m.historyStore.Stats()
	if err != nil {
		return history.Stats{}, false
	}
	m.historyStats.cached = stats
	m.historyStats.cachedAt = now
	m.historyStats.cachedOK = true
	return stats, true
}

func newMetricsHandler(version string, start time.Time, rm *runtimeMetrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		tracingEnabled := int64(0)
		tracingInitFailuresTotal := int64(0)
		tracingExportErrorsTotal := int64(0)
		eventsAcceptedTotal := int64(0)
		eventsRejectedTotal := int64(0)
		dispatchAttemptTotal := int64(0)
		dispatchDeliveredTotal := int64(0)
		dispatchFailedTotal := int64(0)
		if rm != nil {
			tracingEnabled = rm.tracingEnabled.Load()
			tracingInitFailuresTotal = rm.tracingInitFailuresTotal.Load()
			tracingExportErrorsTotal = rm.tracingExportErrorsTotal.Load()
			eventsAcceptedTotal = rm.eventsAcceptedTotal.Load()
			eventsRejectedTotal = rm.eventsRejectedTotal.Load()
			dispatchAttemptTotal = rm.dispatchAttemptTotal.Load()
			dispatchDeliveredTotal = rm.dispatchDeliveredTotal.Load()
			dispatchFailedTotal = rm.dispatchFailedTotal.Load()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprintf(w, "# HELP rulepost_up Whether the rulepost process is up.\n")
		_, _ = fmt.Fprintf(w, "# TYPE rulepost_up gauge\n")
		_, _ = fmt.Fprintf(w, "rulepost_up 1\n")
		_, _ = fmt.Fprintf(w, "# HELP rulepost_build_info Build information.\n")
		_, _ = fmt.Fprintf(w, "# TYPE rulepost_build_info gauge\n")
		_, _ = fmt.Fprintf(w, "rulepost_build_info{version=%q} 1\n", version)
		_, _ = fmt.Fprintf(w, "# HELP rulepost_start_time_seconds Start time since unix epoch.\n")
		_, _ = fmt.Fprintf(w, "# TYPE rulepost_start_time_seconds gauge\n")
		_, _ = fmt.Fprintf(w, "rulepost_start_time_seconds %d\n", start.Unix())
		_, _ = fmt.Fprintf(w, "# HELP rulepost_tracing_enabled Whether tracing is enabled.\n")
		_, _ = fmt.Fprintf(w, "# TYPE rulepost_tracing_enabled gauge\n")
		_, _ = fmt.Fprintf(w, "rulepost_tracing_enabled %d\n", tracingEnabled)
		_, _ = fmt.Fprintf(w, "# HELP rulepost_tracing_init_failures_total Total number of tracing initialization failures.\n")
		_, _ = fmt.Fprintf(w, "# TYPE rulepost_tracing_init_failures_total counter\n")
		_, _ = fmt.Fprintf(w, "rulepost_tracing_init_failures_total %d\n", tracingInitFailuresTotal)
		_, _ = fmt.Fprintf(w, "# HELP rulepost_tracing_export_errors_total Total number of tracing exporter errors reported by OpenTelemetry.\n")
		_, _ = fmt.Fprintf(w, "# TYPE rulepost_tracing_export_errors_total counter\n")
		_, _ = fmt.Fprintf(w, "rulepost_tracing_export_errors_total %d\n", tracingExportErrorsTotal)
		_, _ = fmt.Fprintf(w, "# HELP rulepost_events_accepted_total Total number of events accepted on the intake.\n")
		_, _ = fmt.Fprintf(w, "# TYPE rulepost_events_accepted_total counter\n")
		_, _ = fmt.Fprintf(w, "rulepost_events_accepted_total %d\n", eventsAcceptedTotal)
		_, _ = fmt.Fprintf(w, "# HELP rulepost_events_rejected_total Total number of events rejected on the intake.\n")
		_, _ = fmt.Fprintf(w, "# TYPE rulepost_events_rejected_total counter\n")
		_, _ = fmt.Fprintf(w, "rulepost_events_rejected_total %d\n", eventsRejectedTotal)
		_, _ = fmt.Fprintf(w, "# HELP rulepost_dispatch_attempts_total Total number of dispatch attempts.\n")
		_, _ = fmt.Fprintf(w, "# TYPE rulepost_dispatch_attempts_total counter\n")
		_, _ = fmt.Fprintf(w, "rulepost_dispatch_attempts_total %d\n", dispatchAttemptTotal)
		_, _ = fmt.Fprintf(w, "# HELP rulepost_dispatch_delivered_total Total number of dispatches that reached their target.\n")
		_, _ = fmt.Fprintf(w, "# TYPE rulepost_dispatch_delivered_total counter\n")
		_, _ = fmt.Fprintf(w, "rulepost_dispatch_delivered_total %d\n", dispatchDeliveredTotal)
		_, _ = fmt.Fprintf(w, "# HELP rulepost_dispatch_failed_total Total number of dispatches that failed in transport.\n")
		_, _ = fmt.Fprintf(w, "# TYPE rulepost_dispatch_failed_total counter\n")
		_, _ = fmt.Fprintf(w, "rulepost_dispatch_failed_total %d\n", dispatchFailedTotal)

		if stats, ok := rm.historyTotals(time.Now()); ok {
			_, _ = fmt.Fprintf(w, "# HELP rulepost_history_attempts Recorded dispatch attempts by outcome.\n")
			_, _ = fmt.Fprintf(w, "# TYPE rulepost_history_attempts gauge\n")
			_, _ = fmt.Fprintf(w, "rulepost_history_attempts{outcome=\"delivered\"} %d\n", stats.Delivered)
			_, _ = fmt.Fprintf(w, "rulepost_history_attempts{outcome=\"failed\"} %d\n", stats.Failed)
		}
	})
}
