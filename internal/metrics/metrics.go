package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentchat",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentchat",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"method", "endpoint"},
	)

	// RunsTotal counts agent runs by the status they finished in.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentchat",
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Agent runs by final status",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "agentchat",
			Subsystem: "agent",
			Name:      "run_duration_seconds",
			Help:      "Time from run creation to a terminal status",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	RunPollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentchat",
			Subsystem: "agent",
			Name:      "run_polls_total",
			Help:      "Run status requests issued while waiting for runs",
		},
	)

	APIErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentchat",
			Subsystem: "agent",
			Name:      "api_errors_total",
			Help:      "Agent service calls that failed",
		},
		[]string{"operation"},
	)

	ChatTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentchat",
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "Chat turns by profile kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentchat",
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Jobs waiting in the dispatcher",
		},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentchat",
			Subsystem: "worker",
			Name:      "active_workers",
			Help:      "Workers currently alive in the pool",
		},
	)
)

// Middleware records request count and latency per route template.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		RequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		RequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
