package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Classification cascade
	ClassificationsTotal  *prometheus.CounterVec
	ClassificationLatency *prometheus.HistogramVec
	CacheLookups          *prometheus.CounterVec
	AIErrorsTotal         *prometheus.CounterVec

	// Circuit breaker
	BreakerState       prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec

	// SLA timers and escalation
	ActiveTimersCount     prometheus.Gauge
	BreachChecksTotal     *prometheus.CounterVec
	EscalationsSent       *prometheus.CounterVec
	AlertDeliveriesTotal  *prometheus.CounterVec
	WorkingMinutesElapsed prometheus.Histogram

	// Scheduler
	ScheduledJobsCount prometheus.Gauge
	JobDuration        *prometheus.HistogramVec
	JobRetriesTotal    *prometheus.CounterVec
	LeaderChanges      prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		ClassificationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "classifications_total",
			Help: "Total classifications by source and resulting category",
		}, []string{"source", "category"}),
		ClassificationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "classification_latency_seconds",
			Help:    "Time taken to classify a message, by source",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		CacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "classification_cache_lookups_total",
			Help: "Classification cache lookups by outcome (hit/miss)",
		}, []string{"outcome"}),
		AIErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_classifier_errors_total",
			Help: "AI classifier errors by category",
		}, []string{"category"}),
		BreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ai_breaker_state",
			Help: "AI circuit breaker state (0=closed, 1=open, 2=half_open)",
		}),
		BreakerTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		}, []string{"from", "to"}),
		ActiveTimersCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "active_sla_timers_count",
			Help: "Current number of requests with a running SLA clock",
		}),
		BreachChecksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "breach_checks_total",
			Help: "Breach check executions by outcome",
		}, []string{"outcome"}),
		EscalationsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escalations_sent_total",
			Help: "Escalation alerts created, by level",
		}, []string{"level"}),
		AlertDeliveriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_deliveries_total",
			Help: "Alert delivery attempts by status",
		}, []string{"status"}),
		WorkingMinutesElapsed: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "response_working_minutes",
			Help:    "Working minutes between client message and staff response",
			Buckets: []float64{5, 15, 30, 60, 120, 240, 480, 960},
		}),
		ScheduledJobsCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scheduled_jobs_count",
			Help: "Current number of jobs waiting in the delayed queue",
		}),
		JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Time taken to run a scheduled job, by type",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		JobRetriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "job_retries_total",
			Help: "Jobs re-armed after a handler failure, by type",
		}, []string{"type"}),
		LeaderChanges: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_leader_changes_total",
			Help: "Total number of scheduler leader changes",
		}),
	}
}
