package observability

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestStableMetricsObserve(t *testing.T) {
	m := Stable()
	m.Observe("mint", 10*time.Millisecond, "", false)
	m.Observe("mint", 5*time.Millisecond, "health_factor_broken", true)

	if got := testutil.ToFloat64(m.operations.WithLabelValues("mint", "success")); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("mint", "health_factor_broken")); got != 1 {
		t.Fatalf("expected 1 failure, got %v", got)
	}
}

func TestStableMetricsLiquidationAndTotals(t *testing.T) {
	m := Stable()
	m.RecordLiquidation(" weth ", big.NewInt(1_500))
	if got := testutil.ToFloat64(m.liquidations.WithLabelValues("WETH")); got != 1 {
		t.Fatalf("expected liquidation count 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.seized.WithLabelValues("WETH")); got != 1_500 {
		t.Fatalf("expected seized 1500, got %v", got)
	}

	m.SetTotals(big.NewInt(42), map[string]*big.Int{"wbtc": big.NewInt(7)})
	if got := testutil.ToFloat64(m.debt); got != 42 {
		t.Fatalf("expected debt 42, got %v", got)
	}
	if got := testutil.ToFloat64(m.collateral.WithLabelValues("WBTC")); got != 7 {
		t.Fatalf("expected collateral 7, got %v", got)
	}

	m.RecordPrice("WETH", big.NewInt(2_000_00000000), -time.Second)
	if got := testutil.ToFloat64(m.price.WithLabelValues("WETH")); got != 2000 {
		t.Fatalf("expected price 2000, got %v", got)
	}
	if got := testutil.ToFloat64(m.priceAge.WithLabelValues("WETH")); got != 0 {
		t.Fatalf("negative age should clamp to zero, got %v", got)
	}
}

func TestModuleMetricsObserve(t *testing.T) {
	m := ModuleMetrics()
	m.Observe("stable", "POST /v1/positions/mint", 422, time.Millisecond)
	if got := testutil.ToFloat64(m.errors.WithLabelValues("stable", "POST /v1/positions/mint", "422")); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
	m.RecordThrottle("", "")
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("unknown", "unspecified")); got != 1 {
		t.Fatalf("expected throttle default labels, got %v", got)
	}
}

func TestEventMetrics(t *testing.T) {
	m := Events()
	m.RecordEvent("stable.collateral.deposited")
	m.RecordSinkFailure("")
	if got := testutil.ToFloat64(m.emitted.WithLabelValues("stable.collateral.deposited")); got != 1 {
		t.Fatalf("expected 1 event, got %v", got)
	}
	if got := testutil.ToFloat64(m.dropped.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("expected 1 sink failure, got %v", got)
	}
}

func TestBigToFloatNil(t *testing.T) {
	if bigToFloat(nil) != 0 {
		t.Fatalf("nil should map to zero")
	}
	var nilMetrics *StableMetrics
	nilMetrics.Observe("x", 0, "", true)
	nilMetrics.RecordLiquidation("x", nil)
}

func TestStableLatencyHistogram(t *testing.T) {
	m := Stable()
	m.Observe("redeem", 20*time.Millisecond, "", false)
	m.Observe("redeem", 2*time.Second, "stale_price", true)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var hist *dto.Histogram
	for _, family := range families {
		if family.GetName() != "nhb_stable_operation_duration_seconds" {
			continue
		}
		for _, sample := range family.GetMetric() {
			for _, label := range sample.GetLabel() {
				if label.GetName() == "operation" && label.GetValue() == "redeem" {
					hist = sample.GetHistogram()
				}
			}
		}
	}
	if hist == nil {
		t.Fatalf("redeem latency histogram not exported")
	}
	if hist.GetSampleCount() != 2 {
		t.Fatalf("expected 2 samples, got %d", hist.GetSampleCount())
	}
	if hist.GetSampleSum() < 2 {
		t.Fatalf("unexpected sample sum %v", hist.GetSampleSum())
	}
}
