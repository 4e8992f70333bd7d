package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"time"
)

// PrometheusHandler returns an http.HandlerFunc that writes metrics in
// Prometheus text exposition format (version 0.0.4). Metrics are formatted
// manually; no client library is required.
func PrometheusHandler(collector *Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := collector.Stats()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		writeOutcomeCounter(w, "slotcached_requests_total",
			"Total number of proxied requests by slot binding outcome.",
			stats.Requests)

		writeMetric(w, "slotcached_saves_total{result=\"ok\"}",
			"slotcached_saves_total", "Total snapshot save attempts by result.",
			"counter", stats.SavesOK)
		fmt.Fprintf(w, "slotcached_saves_total{result=\"failed\"} %d\n", stats.SavesFailed)

		writeMetric(w, "slotcached_restores_total{result=\"ok\"}",
			"slotcached_restores_total", "Total snapshot restore attempts by result.",
			"counter", stats.RestoresOK)
		fmt.Fprintf(w, "slotcached_restores_total{result=\"failed\"} %d\n", stats.RestoresFailed)

		writeMetric(w, "slotcached_cleanup_runs_total",
			"slotcached_cleanup_runs_total", "Total metadata cleanup passes.",
			"counter", stats.CleanupRuns)

		writeMetric(w, "slotcached_active_requests",
			"slotcached_active_requests", "Number of requests currently being processed.",
			"gauge", stats.ActiveRequests)

		writeMetric(w, "slotcached_hot_slots",
			"slotcached_hot_slots", "Number of slots currently holding a known KV prefix.",
			"gauge", int64(stats.HotSlots))

		fmt.Fprintf(w, "# HELP slotcached_uptime_seconds Seconds since the service started.\n")
		fmt.Fprintf(w, "# TYPE slotcached_uptime_seconds gauge\n")
		fmt.Fprintf(w, "slotcached_uptime_seconds %g\n", time.Since(collector.startTime).Seconds())

		writeLatencyHistogram(w, "slotcached_request_duration_seconds",
			"Request duration in seconds.", collector.latency)
	}
}

// writeMetric writes one sample with its HELP/TYPE header.
func writeMetric(w http.ResponseWriter, sample, name, help, metricType string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %d\n", sample, value)
}

// writeOutcomeCounter writes a counter labeled by outcome.
func writeOutcomeCounter(w http.ResponseWriter, name, help string, values map[string]int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{outcome=%q} %d\n", name, k, values[k])
	}
}

// writeLatencyHistogram writes the latency histogram with cumulative buckets.
func writeLatencyHistogram(w http.ResponseWriter, name, help string, h *histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)
	var cumulative int64
	for i, bound := range h.buckets {
		cumulative += h.counts[i]
		fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", name, fmt.Sprintf("%g", bound), cumulative)
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", name, h.count)
	fmt.Fprintf(w, "%s_sum %g\n", name, h.sum)
	fmt.Fprintf(w, "%s_count %d\n", name, h.count)
}
