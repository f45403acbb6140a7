package learning

import (
	"sync"

	"trading-risk-controller/internal/regime"
)

// FitnessKey identifies a (strategy, regime) pair.
type FitnessKey struct {
	StrategyID string       `json:"strategy_id"`
	Regime     regime.Label `json:"regime"`
}

// FitnessStats accumulates observed performance for one pair.
type FitnessStats struct {
	AvgPnL               float64 `json:"avg_pnl"`
	WinRate              float64 `json:"win_rate"`
	DrawdownContribution float64 `json:"drawdown_contribution"`
	SampleCount          int     `json:"sample_count"`
	wins                 int
}

// FitnessConfig holds fitness tracking parameters.
type FitnessConfig struct {
	MinSamples   int     `json:"min_samples"`   // Neutral weight until reached
	ReferencePnL float64 `json:"reference_pnl"` // Normalizes avg PnL into the score
	// MaxReallocation is the largest allocation shift proposed per pair
	// per cycle, in relative units, at one full fitness point from
	// neutral. The governor may clip it further.
	MaxReallocation float64 `json:"max_reallocation"`
}

// DefaultFitnessConfig returns fitness defaults.
func DefaultFitnessConfig() FitnessConfig {
	return FitnessConfig{
		MinSamples:      5,
		ReferencePnL:    500,
		MaxReallocation: 0.05,
	}
}

// FitnessTracker scores each strategy per regime for the allocation
// collaborator.
type FitnessTracker struct {
	mu     sync.RWMutex
	config FitnessConfig
	stats  map[FitnessKey]*FitnessStats
}

// NewFitnessTracker creates an empty tracker.
func NewFitnessTracker(config FitnessConfig) *FitnessTracker {
	if config.ReferencePnL <= 0 {
		config = DefaultFitnessConfig()
	}
	return &FitnessTracker{
		config: config,
		stats:  make(map[FitnessKey]*FitnessStats),
	}
}

// Update folds one completed trade into the pair's running stats.
func (t *FitnessTracker) Update(strategyID string, label regime.Label, pnl, drawdown float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := FitnessKey{StrategyID: strategyID, Regime: label}
	s, ok := t.stats[key]
	if !ok {
		s = &FitnessStats{}
		t.stats[key] = s
	}
	s.SampleCount++
	if pnl > 0 {
		s.wins++
	}
	n := float64(s.SampleCount)
	s.AvgPnL += (pnl - s.AvgPnL) / n
	s.DrawdownContribution += (drawdown - s.DrawdownContribution) / n
	s.WinRate = float64(s.wins) / n
}

// Score returns the fitness score for a pair, clamped to [0.5, 1.5].
// Neutral (1.0) until enough samples exist.
func (t *FitnessTracker) Score(strategyID string, label regime.Label) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[FitnessKey{StrategyID: strategyID, Regime: label}]
	if !ok || s.SampleCount < t.config.MinSamples {
		return 1.0
	}
	return clamp(s.WinRate+s.AvgPnL/t.config.ReferencePnL, 0.5, 1.5)
}

// Snapshot returns a copy of all pair stats.
func (t *FitnessTracker) Snapshot() map[FitnessKey]FitnessStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[FitnessKey]FitnessStats, len(t.stats))
	for k, v := range t.stats {
		out[k] = *v
	}
	return out
}
