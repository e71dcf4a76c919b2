package agent

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry     *prometheus.Registry
	requests     *prometheus.CounterVec
	authFailures prometheus.Counter
	jobDuration  prometheus.Histogram
	jobStatus    *prometheus.GaugeVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "biopoem",
			Subsystem: "agent",
			Name:      "requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "biopoem",
			Subsystem: "agent",
			Name:      "auth_failures_total",
			Help:      "Requests rejected for a missing or wrong secret.",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "biopoem",
			Subsystem: "agent",
			Name:      "job_duration_seconds",
			Help:      "Wall time of the workload engine.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		jobStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "biopoem",
			Subsystem: "agent",
			Name:      "job_status",
			Help:      "1 for the current job status, 0 otherwise.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.authFailures,
		m.jobDuration,
		m.jobStatus,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *metrics) setStatus(current string) {
	for _, s := range []string{"Running", "Success", "Failed"} {
		v := 0.0
		if s == current {
			v = 1
		}
		m.jobStatus.WithLabelValues(s).Set(v)
	}
}

func (m *metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}
