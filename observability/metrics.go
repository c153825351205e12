package observability

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	stableMetricsOnce sync.Once
	stableRegistry    *StableMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// route activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total HTTP module requests segmented by module and route.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total HTTP module errors segmented by module, route, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nhb",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	module = orDefault(module, "unknown")
	method = orDefault(method, "unknown")
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(orDefault(module, "unknown"), orDefault(reason, "unspecified")).Inc()
}

// StableMetrics wraps collectors tracking the stable engine. Operation counts
// and liquidations are mirrored to the OpenTelemetry meter so OTLP collectors
// see them without scraping.
type StableMetrics struct {
	opCounter          metric.Int64Counter
	opLatency          metric.Float64Histogram
	liquidationCounter metric.Int64Counter

	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	failures     *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	seized       *prometheus.CounterVec
	debt         prometheus.Gauge
	collateral   *prometheus.GaugeVec
	price        *prometheus.GaugeVec
	priceAge     *prometheus.GaugeVec
}

// Stable returns the singleton metrics registry for the stable engine.
func Stable() *StableMetrics {
	stableMetricsOnce.Do(func() {
		stableRegistry = &StableMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "stable",
				Name:      "operations_total",
				Help:      "Count of stable engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nhb",
				Subsystem: "stable",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for stable engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "stable",
				Name:      "failures_total",
				Help:      "Count of rejected stable engine operations segmented by operation and reason code.",
			}, []string{"operation", "reason"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "stable",
				Name:      "liquidations_total",
				Help:      "Count of completed liquidations segmented by collateral asset.",
			}, []string{"asset"}),
			seized: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "stable",
				Name:      "seized_collateral_total",
				Help:      "Collateral units seized by liquidators segmented by asset.",
			}, []string{"asset"}),
			debt: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "stable",
				Name:      "outstanding_debt",
				Help:      "Total stable token debt across all positions in base units.",
			}),
			collateral: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "stable",
				Name:      "collateral_deposited",
				Help:      "Collateral held in custody segmented by asset in base units.",
			}, []string{"asset"}),
			price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "stable",
				Name:      "price_usd",
				Help:      "Latest accepted feed answer per collateral asset.",
			}, []string{"asset"}),
			priceAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "stable",
				Name:      "price_age_seconds",
				Help:      "Age of the latest feed round per collateral asset.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			stableRegistry.operations,
			stableRegistry.latency,
			stableRegistry.failures,
			stableRegistry.liquidations,
			stableRegistry.seized,
			stableRegistry.debt,
			stableRegistry.collateral,
			stableRegistry.price,
			stableRegistry.priceAge,
		)
		stableRegistry.initMeter()
	})
	return stableRegistry
}

func (m *StableMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("nhbstable/stable")
	fallback := noop.NewMeterProvider().Meter("nhbstable/stable")
	counter, err := meter.Int64Counter("nhb.stable.operations")
	if err != nil {
		counter, _ = fallback.Int64Counter("nhb.stable.operations")
	}
	latency, err := meter.Float64Histogram("nhb.stable.operation_duration", metric.WithUnit("s"))
	if err != nil {
		latency, _ = fallback.Float64Histogram("nhb.stable.operation_duration")
	}
	liquidations, err := meter.Int64Counter("nhb.stable.liquidations")
	if err != nil {
		liquidations, _ = fallback.Int64Counter("nhb.stable.liquidations")
	}
	m.opCounter = counter
	m.opLatency = latency
	m.liquidationCounter = liquidations
}

// Observe records an engine operation. reason is a stable error code and is
// ignored when the operation succeeded.
func (m *StableMetrics) Observe(operation string, duration time.Duration, reason string, failed bool) {
	if m == nil {
		return
	}
	op := orDefault(operation, "unknown")
	outcome := "success"
	if failed {
		outcome = "error"
		m.failures.WithLabelValues(op, orDefault(reason, "unknown")).Inc()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
	if m.opCounter != nil {
		attrs := metric.WithAttributes(attribute.String("operation", op), attribute.String("outcome", outcome))
		m.opCounter.Add(context.Background(), 1, attrs)
		m.opLatency.Record(context.Background(), duration.Seconds(), metric.WithAttributes(attribute.String("operation", op)))
	}
}

// RecordLiquidation counts a liquidation and the collateral it seized.
func (m *StableMetrics) RecordLiquidation(asset string, seized *big.Int) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	m.liquidations.WithLabelValues(label).Inc()
	if m.liquidationCounter != nil {
		m.liquidationCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("asset", label)))
	}
	if value := bigToFloat(seized); value > 0 {
		m.seized.WithLabelValues(label).Add(value)
	}
}

// SetTotals publishes aggregate debt and per-asset collateral.
func (m *StableMetrics) SetTotals(debt *big.Int, collateral map[string]*big.Int) {
	if m == nil {
		return
	}
	m.debt.Set(bigToFloat(debt))
	for asset, amount := range collateral {
		m.collateral.WithLabelValues(labelAsset(asset)).Set(bigToFloat(amount))
	}
}

// RecordPrice publishes a feed answer (8 decimals) and its age.
func (m *StableMetrics) RecordPrice(asset string, answer *big.Int, age time.Duration) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	m.price.WithLabelValues(label).Set(bigToFloat(answer) / 1e8)
	if age < 0 {
		age = 0
	}
	m.priceAge.WithLabelValues(label).Set(age.Seconds())
}

func orDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
