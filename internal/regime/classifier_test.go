package regime

import (
	"testing"
	"time"

	"trading-risk-controller/internal/core"
)

func feed(c *Classifier, prices []float64, vol float64, base time.Time) {
	for i, price := range prices {
		c.Observe(core.MarketDataSnapshot{
			Symbol:             "BTCUSDT",
			Price:              price,
			RealizedVolatility: vol,
			Timestamp:          base.Add(time.Duration(i) * time.Second),
		})
	}
}

// TestStaleDataForcesConservativeDefault verifies missing or old data
// yields the high-vol default instead of a real classification.
func TestStaleDataForcesConservativeDefault(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	state := c.Classify(time.Now())
	if !state.Stale {
		t.Error("empty window should classify as stale")
	}
	if state.Label != LabelHighVol {
		t.Errorf("expected conservative HIGH_VOL default, got %s", state.Label)
	}
	if state.VolatilityScore < DefaultConfig().StressVolThreshold {
		t.Errorf("stale vol score should sit at stress level, got %.2f", state.VolatilityScore)
	}

	// Fresh data, then classification well past the freshness window.
	now := time.Now()
	feed(c, []float64{100, 101, 102}, 0.3, now.Add(-5*time.Minute))
	state = c.Classify(now)
	if !state.Stale {
		t.Error("snapshots past the freshness window should classify as stale")
	}
}

// TestStressClassification verifies extreme volatility maps to STRESS
// regardless of direction.
func TestStressClassification(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	feed(c, []float64{100, 105, 95, 110, 90}, 2.0, time.Now())

	state := c.Classify(time.Now())
	if state.Label != LabelStress {
		t.Errorf("expected STRESS, got %s", state.Label)
	}
	if state.Stale {
		t.Error("fresh data should not be stale")
	}
}

// TestTrendingClassification verifies a clean directional move at calm
// volatility maps to TRENDING.
func TestTrendingClassification(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	prices := make([]float64, 20)
	for i := range prices {
		prices[i] = 100 + float64(i)
	}
	feed(c, prices, 0.3, time.Now())

	state := c.Classify(time.Now())
	if state.Label != LabelTrending {
		t.Errorf("expected TRENDING, got %s", state.Label)
	}
}

// TestChoppyClassification verifies oscillating prices at calm
// volatility map to CHOPPY.
func TestChoppyClassification(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	prices := make([]float64, 20)
	for i := range prices {
		if i%2 == 0 {
			prices[i] = 100
		} else {
			prices[i] = 101
		}
	}
	feed(c, prices, 0.3, time.Now())

	state := c.Classify(time.Now())
	if state.Label != LabelChoppy {
		t.Errorf("expected CHOPPY, got %s", state.Label)
	}
}

// TestHighVolClassification verifies elevated but sub-stress volatility
// maps to HIGH_VOL before any trend analysis.
func TestHighVolClassification(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	prices := make([]float64, 20)
	for i := range prices {
		prices[i] = 100 + float64(i) // Would be TRENDING at calm vol
	}
	feed(c, prices, 1.0, time.Now())

	state := c.Classify(time.Now())
	if state.Label != LabelHighVol {
		t.Errorf("expected HIGH_VOL to take precedence, got %s", state.Label)
	}
}
