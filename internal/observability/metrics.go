package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the coordinator, pipeline
// and batcher flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	recordsProcessedTotal *prometheus.CounterVec
	stageDuration         *prometheus.HistogramVec
	stageFailuresTotal    *prometheus.CounterVec
	activeJobs            prometheus.Gauge
	jobsTotal             *prometheus.CounterVec
	retryScheduledTotal   prometheus.Counter
	cleanupDeletedTotal   prometheus.Counter
	batchSize             prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "material_engine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "material_engine",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		recordsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "material_engine",
				Name:      "records_processed_total",
				Help:      "Total processed material records by pipeline outcome.",
			},
			[]string{"outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "material_engine",
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration in seconds by stage.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"stage"},
		),
		stageFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "material_engine",
				Name:      "stage_failures_total",
				Help:      "Total pipeline stage failures by stage and reason.",
			},
			[]string{"stage", "reason"},
		),
		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "material_engine",
				Name:      "active_jobs",
				Help:      "Current number of active batch jobs.",
			},
		),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "material_engine",
				Name:      "jobs_total",
				Help:      "Total finished batch jobs by result.",
			},
			[]string{"result"},
		),
		retryScheduledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "material_engine",
				Name:      "retry_scheduled_total",
				Help:      "Total records re-queued by the retry scanner.",
			},
		),
		cleanupDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "material_engine",
				Name:      "cleanup_deleted_total",
				Help:      "Total aged records removed by cleanup.",
			},
		),
		batchSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "material_engine",
				Name:      "batch_size",
				Help:      "Average batch size of the most recent job drain.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.recordsProcessedTotal,
		m.stageDuration,
		m.stageFailuresTotal,
		m.activeJobs,
		m.jobsTotal,
		m.retryScheduledTotal,
		m.cleanupDeletedTotal,
		m.batchSize,
	)

	return m
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func (m *Metrics) IncRecordProcessed(outcome string) {
	if m == nil {
		return
	}
	m.recordsProcessedTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) ObserveStageDuration(stage string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.stageDuration.WithLabelValues(normalizeLabel(stage)).Observe(seconds)
}

func (m *Metrics) IncStageFailure(stage, reason string) {
	if m == nil {
		return
	}
	m.stageFailuresTotal.WithLabelValues(normalizeLabel(stage), normalizeLabel(reason)).Inc()
}

func (m *Metrics) SetActiveJobs(n int) {
	if m == nil {
		return
	}
	m.activeJobs.Set(float64(n))
}

func (m *Metrics) IncJobFinished(result string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) AddRetryScheduled(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.retryScheduledTotal.Add(float64(count))
}

func (m *Metrics) AddCleanupDeleted(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.cleanupDeletedTotal.Add(float64(count))
}

func (m *Metrics) SetAvgBatchSize(size float64) {
	if m == nil || size < 0 {
		return
	}
	m.batchSize.Set(size)
}

// Handler exposes the registry for a metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func normalizeLabel(v string) string {
	normalized := strings.ToLower(strings.TrimSpace(v))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
