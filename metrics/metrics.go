package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "codepad"

var (
	// JobsTotal counts finished compile-and-run jobs by outcome kind
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Total number of compile-and-run jobs by outcome.",
	}, []string{"kind"})

	// PhaseDuration observes how long each pipeline phase took
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "phase_duration_seconds",
		Help:      "Duration of pipeline phases.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"phase"})

	// Timeouts counts phases killed by the timeout controller
	Timeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "timeouts_total",
		Help:      "Total number of phases that exceeded their deadline.",
	}, []string{"phase"})

	// ToolchainBootstraps counts toolchain bootstraps by result
	ToolchainBootstraps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "toolchain_bootstraps_total",
		Help:      "Total number of toolchain bootstraps.",
	}, []string{"result"})

	// FlagRetries counts jail flags stripped because the installed firejail rejected them
	FlagRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sandbox_flag_retries_total",
		Help:      "Unsupported isolation flags stripped before a retry.",
	}, []string{"flag"})

	// RateLimitHits counts API requests rejected by the rate limiter
	RateLimitHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_hits_total",
		Help:      "Total number of requests rejected by the rate limiter.",
	})

	// WebhookEvents counts received rebuild webhooks by outcome
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Total number of rebuild webhooks by outcome.",
	}, []string{"outcome"})

	// ActiveJobs tracks jobs currently holding a workspace
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_jobs",
		Help:      "Number of jobs currently in progress.",
	})
)
