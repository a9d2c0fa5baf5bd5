// Package metrics holds the Prometheus collectors for the LTI flows and the HTTP surface.
package metrics

import (
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	logins         *prometheus.CounterVec
	launches       *prometheus.CounterVec
	gradePassbacks *prometheus.CounterVec
	jwksFetches    *prometheus.CounterVec
	outbound       *prometheus.HistogramVec

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// New registers the collectors on reg. gatherer backs the /metrics handler.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: gatherer,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lti_logins_total",
			Help: "OIDC login initiations by result code.",
		}, []string{"result"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lti_launches_total",
			Help: "Launch callbacks by result code.",
		}, []string{"result"}),
		gradePassbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lti_grade_passbacks_total",
			Help: "Grade passback attempts by resulting grade status.",
		}, []string{"status"}),
		jwksFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lti_jwks_fetch_total",
			Help: "Remote JWKS fetches by result.",
		}, []string{"result"}),
		outbound: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lti_outbound_request_duration_seconds",
			Help:    "Duration of calls to platform endpoints.",
			Buckets: prometheus.DefBuckets,
		}, []string{"call", "status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lti_http_requests_total",
			Help: "Total count of HTTP requests received.",
		}, []string{"method", "path", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lti_http_request_duration_seconds",
			Help:    "Histogram of request durations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lti_http_inflight_requests",
			Help: "Number of requests currently being handled.",
		}),
	}
	reg.MustRegister(m.logins, m.launches, m.gradePassbacks, m.jwksFetches, m.outbound,
		m.requests, m.duration, m.inFlight)
	return m
}

// NewDefault uses the process-wide Prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func (m *Metrics) Login(result string) {
	if m != nil {
		m.logins.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Launch(result string) {
	if m != nil {
		m.launches.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) GradePassback(status string) {
	if m != nil {
		m.gradePassbacks.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) JWKSFetch(result string) {
	if m != nil {
		m.jwksFetches.WithLabelValues(result).Inc()
	}
}

// Outbound records one call to a platform endpoint. status is the HTTP status or "error".
func (m *Metrics) Outbound(call, status string, elapsed time.Duration) {
	if m != nil {
		m.outbound.WithLabelValues(call, status).Observe(elapsed.Seconds())
	}
}

// Handler exposes /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Instrument wraps the handler with request counters, a duration histogram and an in-flight gauge.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start).Seconds()

		labels := []string{r.Method, routeLabel(r), strconv.Itoa(rec.status)}
		m.requests.WithLabelValues(labels...).Inc()
		m.duration.WithLabelValues(labels...).Observe(elapsed)
	})
}

// routeLabel prefers the chi route pattern so /lti/session/{launchId} stays one series.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return sanitizePath(r.URL.Path)
}

// sanitizePath reduces cardinality by collapsing long paths.
func sanitizePath(p string) string {
	clean := path.Clean(p)
	if clean == "" || clean == "." {
		return "/"
	}
	segments := strings.Split(clean, "/")
	if len(segments) > 4 {
		segments = append(segments[:4], "...")
	}
	res := strings.Join(segments, "/")
	if !strings.HasPrefix(res, "/") {
		res = "/" + res
	}
	return res
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}
