package metricsvc

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trezcool/masomo/core/auth"
	"github.com/trezcool/masomo/core/permission"
)

const namespace = "masomo"

// Metrics holds the Prometheus collectors of the API.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	PermissionChecks     *prometheus.CounterVec
	SessionRevalidations *prometheus.CounterVec
	CreditsUsed          *prometheus.CounterVec
}

var _ auth.Recorder = (*Metrics)(nil)

// New creates the collectors and registers them in registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		PermissionChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "permission_checks_total",
				Help:      "Total number of permission checks by outcome",
			},
			[]string{"kind", "permission", "allowed"},
		),
		SessionRevalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_revalidations_total",
				Help:      "Total number of session revalidations by resulting state",
			},
			[]string{"state"},
		),
		CreditsUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_used_total",
				Help:      "Total number of credits debited by feature",
			},
			[]string{"feature"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionChecks,
		m.SessionRevalidations,
		m.CreditsUsed,
	)
	return m
}

// RecordCheck implements auth.Recorder.
func (m *Metrics) RecordCheck(kind string, perm permission.Permission, allowed bool) {
	m.PermissionChecks.WithLabelValues(kind, string(perm), strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordRevalidation(state auth.State) {
	m.SessionRevalidations.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) RecordCredits(feature string, credits int) {
	m.CreditsUsed.WithLabelValues(feature).Add(float64(credits))
}

// Middleware instruments the requests. Routes are labelled by their pattern (eg. /api/schools/:id).
// Errors are handed to the echo.HTTPErrorHandler here and not returned.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			if err := next(ctx); err != nil && !ctx.Response().Committed {
				// let the error handler write the response so its status is the one recorded
				ctx.Error(err)
			}

			status := ctx.Response().Status
			if !ctx.Response().Committed {
				status = 0
			}
			path := ctx.Path()
			if path == "" {
				path = "unmatched"
			}
			req := ctx.Request()
			m.HTTPRequestsTotal.WithLabelValues(req.Method, path, statusLabel(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(req.Method, path).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

func statusLabel(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
