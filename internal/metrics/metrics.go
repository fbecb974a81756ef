// Package metrics provides Prometheus instrumentation for the lending engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts engine operations by name and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_operations_total",
		Help: "Total number of engine operations",
	}, []string{"op", "result"})

	// OperationLatency tracks engine operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lending_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// VolumeTotal tracks cumulative units moved, by operation and asset role
	// (collateral or borrowed).
	VolumeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_volume_units_total",
		Help: "Cumulative units moved by engine operations",
	}, []string{"op", "asset"})

	// PoolAvailable tracks undeployed pool liquidity.
	PoolAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lending_pool_available_units",
		Help: "Borrowed-asset liquidity available for lending",
	})

	// ActivePositions tracks the number of Active debt positions.
	ActivePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lending_active_positions",
		Help: "Number of currently active debt positions",
	})

	// LiquidationBonus records the bonus fraction paid on each liquidation.
	LiquidationBonus = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lending_liquidation_bonus_ratio",
		Help:    "Liquidator bonus fraction at execution time",
		Buckets: []float64{0, 0.01, 0.025, 0.05, 0.075, 0.1, 0.15, 0.2, 0.5},
	})

	// ShortfallTotal tracks debt left unpaid when a position's collateral
	// ran out.
	ShortfallTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lending_shortfall_units_total",
		Help: "Cumulative bad debt written off by liquidations",
	})

	// CompensationFailures counts asset transfers that could not be undone
	// after a failed operation.
	CompensationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lending_compensation_failures_total",
		Help: "Failed compensating transfers",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lending_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lending_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOperation records the outcome and latency of one engine operation.
func ObserveOperation(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(op, result).Inc()
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi route (e.g. /api/v1/positions/{id})
// so position IDs do not become label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
