// Package metrics holds the Prometheus collectors of the kitchen.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kitchen"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Language model calls by outcome",
		},
		[]string{"model", "outcome"},
	)

	llmCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Duration of single language model calls",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	llmInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "inflight_calls",
			Help:      "Language model calls currently holding a slot",
		},
	)

	cellsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "cells_total",
			Help:      "Generated cells by outcome",
		},
		[]string{"outcome"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "jobs_total",
			Help:      "Augmentation jobs by final status",
		},
		[]string{"status"},
	)

	lifecycleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Model lifecycle transitions by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	lifecycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transition_duration_seconds",
			Help:      "Duration of model lifecycle transitions",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal, httpRequestDuration,
		llmCallsTotal, llmCallDuration, llmInflight,
		cellsTotal, jobsTotal,
		lifecycleTotal, lifecycleDuration,
	)
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware instruments gin requests. The route pattern is used as the path
// label to keep cardinality low.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(path, c.Request.Method, status).Inc()
		httpRequestDuration.WithLabelValues(path, c.Request.Method, status).Observe(time.Since(start).Seconds())
	}
}

// ObserveLLMCall records one language model call.
func ObserveLLMCall(model, outcome string, d time.Duration) {
	llmCallsTotal.WithLabelValues(model, outcome).Inc()
	llmCallDuration.WithLabelValues(model).Observe(d.Seconds())
}

func LLMSlotAcquired() { llmInflight.Inc() }
func LLMSlotReleased() { llmInflight.Dec() }

func CellDone(ok bool) {
	if ok {
		cellsTotal.WithLabelValues("succeeded").Inc()
		return
	}
	cellsTotal.WithLabelValues("failed").Inc()
}

func JobFinished(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

func ObserveTransition(operation, outcome string, d time.Duration) {
	lifecycleTotal.WithLabelValues(operation, outcome).Inc()
	lifecycleDuration.WithLabelValues(operation).Observe(d.Seconds())
}
