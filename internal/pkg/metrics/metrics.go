// Package metrics exposes Prometheus collectors for the billing core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradingagent"

var Registry = prometheus.NewRegistry()

var (
	PricingCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pricing_cache_lookups_total",
		Help:      "Pricing strategy cache lookups by result (hit, miss).",
	}, []string{"result"})

	TaskSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_submissions_total",
		Help:      "Task submissions by billing path (free, paid).",
	}, []string{"path"})

	QuotaOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quota_operations_total",
		Help:      "Quota ledger mutations by operation and result.",
	}, []string{"operation", "result"})

	PaymentTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_transitions_total",
		Help:      "Applied payment state transitions by target status.",
	}, []string{"status"})

	WebhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Provider events by type and outcome.",
	}, []string{"type", "outcome"})

	DispatchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_requests_total",
		Help:      "Dispatch gateway calls by result.",
	}, []string{"result"})

	DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Dispatch gateway call latency.",
		Buckets:   prometheus.DefBuckets,
	})

	ProviderRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_provider_requests_total",
		Help:      "Payment provider calls by operation and result.",
	}, []string{"operation", "result"})

	SweeperJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_sweeper_jobs_total",
		Help:      "Stale payment reconciliation jobs by result.",
	}, []string{"result"})

	JobQueueJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobqueue_jobs",
		Help:      "Background jobs by state as last read from Redis.",
	}, []string{"state"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		PricingCacheLookups,
		TaskSubmissions,
		QuotaOperations,
		PaymentTransitions,
		WebhookEvents,
		DispatchRequests,
		DispatchDuration,
		ProviderRequests,
		SweeperJobs,
		JobQueueJobs,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Result maps an error to the "ok"/"error" label pair used across counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
