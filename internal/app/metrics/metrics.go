package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "issuance_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "issuance_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "issuance_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	engineOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "issuance_layer",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Total number of engine operations by kind and outcome.",
		},
		[]string{"operation", "status"},
	)

	engineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "issuance_layer",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation"},
	)

	liquidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "issuance_layer",
			Subsystem: "engine",
			Name:      "liquidations_total",
			Help:      "Total number of liquidation attempts.",
		},
		[]string{"kind", "success"},
	)

	totalReservesUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "issuance_layer",
			Subsystem: "reserve",
			Name:      "total_reserves_usd",
			Help:      "Spot USD value of all supported collateral reserves.",
		},
	)

	totalValueLocked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "issuance_layer",
			Subsystem: "positions",
			Name:      "total_value_locked",
			Help:      "Custody balance across supported collateral kinds.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		engineOperations,
		engineDuration,
		liquidations,
		totalReservesUSD,
		totalValueLocked,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordOperation records one engine operation.
func RecordOperation(operation string, duration time.Duration, err error) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	engineOperations.WithLabelValues(operation, status).Inc()
	engineDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLiquidation records a liquidation attempt.
func RecordLiquidation(kind string, success bool) {
	if kind == "" {
		kind = "unknown"
	}
	result := "false"
	if success {
		result = "true"
	}
	liquidations.WithLabelValues(kind, result).Inc()
}

// SetTotalReservesUSD updates the reserve backing gauge.
func SetTotalReservesUSD(v float64) {
	totalReservesUSD.Set(v)
}

// SetTotalValueLocked updates the position collateral gauge.
func SetTotalValueLocked(v float64) {
	totalValueLocked.Set(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "users" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/users"
	}
	// /users/:user/<resource>
	if len(parts) == 2 {
		return "/users/:user"
	}
	return "/users/:user/" + parts[2]
}
