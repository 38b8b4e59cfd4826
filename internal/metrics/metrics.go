// Package metrics exposes Prometheus collectors for the HTTP surface, the
// allocation ledger and reconciliation runs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "HTTP requests served, by method, route and status.",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	allocationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_allocations_created_total",
		Help: "Allocations written, by source.",
	}, []string{"source"})

	allocationsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_allocations_deleted_total",
		Help: "Allocations unlinked.",
	})

	matchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_match_decisions_total",
		Help: "Matching engine decisions per payment evaluated in a run.",
	}, []string{"decision"})

	runErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reconciliation_commit_errors_total",
		Help: "Auto-commits rejected by the ledger during a run.",
	})
)

// ObserveRequest records one served request. route is the matched pattern,
// not the raw path, so ids do not explode cardinality.
func ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func AllocationCreated(source string) {
	allocationsCreated.WithLabelValues(source).Inc()
}

func AllocationDeleted() {
	allocationsDeleted.Inc()
}

func MatchDecision(decision string) {
	matchDecisions.WithLabelValues(decision).Inc()
}

func CommitError() {
	runErrors.Inc()
}

// Handler serves the default registry in the text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
