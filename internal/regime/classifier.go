// Package regime maps market-data snapshots to a discrete market regime
// label plus a volatility score. The classification is replaced wholesale
// each cycle; stale data forces a conservative default.
package regime

import (
	"math"
	"sync"
	"time"

	"trading-risk-controller/internal/core"
)

// Label is a discrete market-condition classification.
type Label string

const (
	LabelLowVol   Label = "LOW_VOL"
	LabelHighVol  Label = "HIGH_VOL"
	LabelTrending Label = "TRENDING"
	LabelChoppy   Label = "CHOPPY"
	LabelStress   Label = "STRESS"
)

// State is the derived regime for one evaluation cycle.
type State struct {
	Label           Label     `json:"label"`
	VolatilityScore float64   `json:"volatility_score"`
	Stale           bool      `json:"stale"` // Conservative default was forced
	DetectedAt      time.Time `json:"detected_at"`
}

// Config holds classifier thresholds.
type Config struct {
	HighVolThreshold   float64       `json:"high_vol_threshold"`   // Vol score above = high-vol
	StressVolThreshold float64       `json:"stress_vol_threshold"` // Vol score above = stress
	TrendThreshold     float64       `json:"trend_threshold"`      // Directional efficiency above = trending
	ChoppyThreshold    float64       `json:"choppy_threshold"`     // Directional efficiency below = choppy
	WindowSize         int           `json:"window_size"`
	Freshness          time.Duration `json:"freshness"` // Max snapshot age before conservative default
}

// DefaultConfig returns classifier defaults.
func DefaultConfig() Config {
	return Config{
		HighVolThreshold:   0.8,
		StressVolThreshold: 1.5,
		TrendThreshold:     0.6,
		ChoppyThreshold:    0.25,
		WindowSize:         30,
		Freshness:          30 * time.Second,
	}
}

type observation struct {
	price     float64
	vol       float64
	timestamp time.Time
}

// Classifier derives the regime from a rolling window of snapshots.
type Classifier struct {
	mu      sync.RWMutex
	config  Config
	window  []observation
	lastVol map[string]float64
}

// NewClassifier creates a classifier with the given config.
func NewClassifier(config Config) *Classifier {
	if config.WindowSize <= 0 {
		config = DefaultConfig()
	}
	return &Classifier{
		config:  config,
		lastVol: make(map[string]float64),
	}
}

// Config returns the classifier's thresholds.
func (c *Classifier) Config() Config {
	return c.config
}

// Observe records a market-data snapshot.
func (c *Classifier) Observe(snap core.MarketDataSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastVol[snap.Symbol] = snap.RealizedVolatility
	c.window = append(c.window, observation{
		price:     snap.Price,
		vol:       snap.RealizedVolatility,
		timestamp: snap.Timestamp,
	})
	if len(c.window) > c.config.WindowSize {
		c.window = c.window[len(c.window)-c.config.WindowSize:]
	}
}

// Classify derives the regime for the current cycle. If the newest
// snapshot is older than the freshness threshold the cycle gets the
// conservative high-vol default instead of a real classification.
func (c *Classifier) Classify(now time.Time) State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.window) == 0 || now.Sub(c.window[len(c.window)-1].timestamp) > c.config.Freshness {
		return State{
			Label:           LabelHighVol,
			VolatilityScore: c.config.StressVolThreshold,
			Stale:           true,
			DetectedAt:      now,
		}
	}

	volScore := c.averageVol()
	state := State{VolatilityScore: volScore, DetectedAt: now}

	switch {
	case volScore >= c.config.StressVolThreshold:
		state.Label = LabelStress
	case volScore >= c.config.HighVolThreshold:
		state.Label = LabelHighVol
	default:
		efficiency := c.directionalEfficiency()
		switch {
		case efficiency >= c.config.TrendThreshold:
			state.Label = LabelTrending
		case efficiency < c.config.ChoppyThreshold:
			state.Label = LabelChoppy
		default:
			state.Label = LabelLowVol
		}
	}
	return state
}

func (c *Classifier) averageVol() float64 {
	if len(c.lastVol) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range c.lastVol {
		sum += v
	}
	return sum / float64(len(c.lastVol))
}

// directionalEfficiency is |net move| / sum(|moves|) over the window:
// close to 1 for a clean trend, close to 0 for churn.
func (c *Classifier) directionalEfficiency() float64 {
	if len(c.window) < 2 {
		return 0
	}
	net := c.window[len(c.window)-1].price - c.window[0].price
	total := 0.0
	for i := 1; i < len(c.window); i++ {
		total += math.Abs(c.window[i].price - c.window[i-1].price)
	}
	if total == 0 {
		return 0
	}
	return math.Abs(net) / total
}
