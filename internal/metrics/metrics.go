// Package metrics provides Prometheus instrumentation for the simulation
// and settlement engine.
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
	// PriceTicks counts simulated ticks per pair, split by whether an
	// intervention adjusted the natural price.
	PriceTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_price_ticks_total",
		Help: "Total simulated price ticks",
	}, []string{"pair", "source"})

	// LatestPrice exposes the current published price per pair.
	LatestPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_latest_price",
		Help: "Latest published price per pair",
	}, []string{"pair"})

	// InterventionsApplied counts overrides applied, by rule.
	InterventionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_interventions_applied_total",
		Help: "Total intervention overrides applied",
	}, []string{"pair", "rule_id"})

	// InterventionHighDeviation counts overrides whose deviation exceeded
	// the configured threshold.
	InterventionHighDeviation = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_intervention_high_deviation_total",
		Help: "Intervention overrides flagged as high severity",
	}, []string{"pair"})

	// ReferenceFetches counts external reference price fetches by result.
	ReferenceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_reference_fetches_total",
		Help: "External reference price fetches",
	}, []string{"result"})

	// LedgerAdjustments counts balance adjustments by kind and result.
	LedgerAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_ledger_adjustments_total",
		Help: "Total ledger adjustments",
	}, []string{"kind", "result"})

	// PositionsPlaced counts placed positions by kind.
	PositionsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_positions_placed_total",
		Help: "Total positions placed",
	}, []string{"kind"})

	// PositionsSettled counts settled positions by kind and outcome.
	PositionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_positions_settled_total",
		Help: "Total positions settled",
	}, []string{"kind", "outcome"})

	// SettlementConflicts counts settlements lost to a concurrent scan.
	SettlementConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sim_settlement_conflicts_total",
		Help: "Settlement claims lost to a concurrent settler",
	})

	// SettlementScanDuration tracks how long one settlement scan takes.
	SettlementScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_settlement_scan_duration_seconds",
		Help:    "Settlement scan duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	// CommissionsPaid counts commission payouts by level.
	CommissionsPaid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_commissions_paid_total",
		Help: "Total referral commission payouts",
	}, []string{"level"})

	// SwapTransitions counts swap order state transitions.
	SwapTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_swap_transitions_total",
		Help: "Swap order state transitions",
	}, []string{"to", "result"})

	// PositionLimitRejections counts trades rejected by the exposure limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sim_position_limit_rejections_total",
		Help: "Trades rejected by exposure limiter",
	})

	// LoopRuns counts scheduler task runs by result.
	LoopRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_loop_runs_total",
		Help: "Periodic loop runs",
	}, []string{"task", "result"})

	// LoopDuration tracks periodic task run time.
	LoopDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sim_loop_duration_seconds",
		Help:    "Periodic loop run duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sim_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
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

// Hijack lets the WebSocket upgrader take over the connection through the
// wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
