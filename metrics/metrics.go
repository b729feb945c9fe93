// Package metrics exposes Prometheus collectors for research sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Step metrics
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_steps_total",
			Help: "Total number of research steps by action",
		},
		[]string{"action"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_step_duration_seconds",
			Help:    "Wall time spent in a research step",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"action"},
	)

	// Token metrics
	TokensUsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_tokens_used_total",
			Help: "Total model tokens consumed",
		},
	)

	// Search metrics
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_search_requests_total",
			Help: "Total search backend requests",
		},
		[]string{"backend", "outcome"}, // outcome: ok, error
	)

	// Fetch metrics
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_fetch_total",
			Help: "Total page fetches",
		},
		[]string{"outcome"},
	)

	// Evaluation metrics
	AnswerEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_answer_evaluations_total",
			Help: "Answer checks by metric and result",
		},
		[]string{"metric", "pass"},
	)

	// Session metrics
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_sessions_total",
			Help: "Finished research sessions",
		},
		[]string{"stop_reason", "forced"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepresearch_sessions_active",
			Help: "Research sessions currently running",
		},
	)
)
