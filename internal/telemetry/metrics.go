package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Search outcomes.
const (
	OutcomeMatch    = "match"
	OutcomeNoMatch  = "no_match"
	OutcomeRejected = "rejected"
)

var (
	Registry = prometheus.NewRegistry()

	Connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rendezvous",
			Name:      "connections",
			Help:      "Live tracker connections by announced role.",
		},
		[]string{"role"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rendezvous",
			Name:      "messages_total",
			Help:      "Decoded messages received by the tracker.",
		},
		[]string{"verb"},
	)

	MalformedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rendezvous",
			Name:      "malformed_frames_total",
			Help:      "Frames dropped because they had no verb/payload separator.",
		},
	)

	SearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rendezvous",
			Name:      "searches_total",
			Help:      "Searches by outcome.",
		},
		[]string{"outcome"},
	)

	SearchMatches = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "rendezvous",
			Name:      "search_matches",
			Help:      "Servers reported per completed search.",
			Buckets:   prometheus.LinearBuckets(0, 1, 11),
		},
	)

	OpenSearches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rendezvous",
			Name:      "open_searches",
			Help:      "Match sessions whose aggregation window is open.",
		},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rendezvous",
			Name:      "admin_requests_total",
			Help:      "Total number of admin HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rendezvous",
			Name:      "admin_request_duration_seconds",
			Help:      "Latency of admin HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rendezvous",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "rendezvous",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		Connections, MessagesTotal, MalformedTotal,
		SearchesTotal, SearchMatches, OpenSearches,
		RequestsTotal, RequestDuration, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ObserveResult records a completed search that reported n servers.
func ObserveResult(n int) {
	outcome := OutcomeNoMatch
	if n > 0 {
		outcome = OutcomeMatch
	}
	SearchesTotal.WithLabelValues(outcome).Inc()
	SearchMatches.Observe(float64(n))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
