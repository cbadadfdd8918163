package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "content_requests_total",
			Help: "Total content requests",
		}, []string{"code"},
	)
	Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "content_request_duration_seconds",
		Help:    "Request latency seconds",
		Buckets: prometheus.DefBuckets,
	})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "content_in_flight",
		Help: "In-flight HTTP requests",
	})
	RequestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "content_request_errors_total",
			Help: "Total errors by type",
		}, []string{"type"},
	)
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "content_cache_lookups_total",
			Help: "Cache lookups by tier and result (hit, miss, error)",
		}, []string{"tier", "result"},
	)
	StoreQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "content_store_queries_total",
			Help: "Durable store lookups by result",
		}, []string{"result"},
	)
	Resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "content_resolutions_total",
			Help: "Resolutions by outcome",
		}, []string{"outcome"},
	)
	CacheInvalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "content_cache_invalidations_total",
		Help: "Cache keys removed after campaign changes",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, Latency, InFlight, RequestErrors,
		CacheLookups, StoreQueries, Resolutions, CacheInvalidations,
	)
}

func MetricsHandler() http.Handler { return promhttp.Handler() }

type rec struct {
	http.ResponseWriter
	code int
}

func (r *rec) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func Measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		InFlight.Inc()
		defer InFlight.Dec()

		rr := &rec{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rr, r)

		Latency.Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(strconv.Itoa(rr.code)).Inc()
	})
}
