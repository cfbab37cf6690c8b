package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the auth
// gateway. All methods are nil-safe so metrics can be disabled by wiring a
// nil service.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	tokenLogins     *prometheus.CounterVec
	tokenBreaches   prometheus.Counter
	tokensPurged    prometheus.Counter
	sessionsOpened  prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	tokenLogins := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "login_token_attempts_total",
		Help: "Persistent login attempts by outcome",
	}, []string{"outcome"})

	tokenBreaches := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "login_token_breaches_total",
		Help: "Detected login token replay/theft events",
	})

	tokensPurged := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "login_tokens_purged_total",
		Help: "Expired login tokens removed by the purge job",
	})

	sessionsOpened := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_opened_total",
		Help: "Server-side sessions created",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, tokenLogins, tokenBreaches, tokensPurged, sessionsOpened, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		tokenLogins:     tokenLogins,
		tokenBreaches:   tokenBreaches,
		tokensPurged:    tokensPurged,
		sessionsOpened:  sessionsOpened,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveTokenLogin counts a persistent login attempt by outcome.
func (m *MetricsService) ObserveTokenLogin(outcome string) {
	if m == nil {
		return
	}
	m.tokenLogins.WithLabelValues(outcome).Inc()
	if outcome == "breach" {
		m.tokenBreaches.Inc()
	}
}

// ObserveTokenPurge counts rows removed by the expiry purge.
func (m *MetricsService) ObserveTokenPurge(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensPurged.Add(float64(n))
}

// ObserveSessionOpened counts a newly created server-side session.
func (m *MetricsService) ObserveSessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
}
