package learning

import (
	"sync"

	"trading-risk-controller/internal/regime"
	"trading-risk-controller/internal/risk"
)

// RegimeStats accumulates observed performance for one regime. Entries
// are never deleted, only reweighted by further samples.
type RegimeStats struct {
	AvgPnL      float64 `json:"avg_pnl"`
	AvgDrawdown float64 `json:"avg_drawdown"`
	SampleCount int     `json:"sample_count"`
}

// MemoryConfig holds regime memory parameters.
type MemoryConfig struct {
	MinSamples   int     `json:"min_samples"`   // Below this the bias is neutral
	ReferencePnL float64 `json:"reference_pnl"` // Normalizes avg PnL into the bias range
}

// DefaultMemoryConfig returns regime memory defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MinSamples:   10,
		ReferencePnL: 500,
	}
}

// Memory remembers per-regime performance and feeds the Tier-3 regime
// bias lookup.
type Memory struct {
	mu     sync.RWMutex
	config MemoryConfig
	stats  map[regime.Label]*RegimeStats
}

// NewMemory creates an empty regime memory.
func NewMemory(config MemoryConfig) *Memory {
	if config.ReferencePnL <= 0 {
		config = DefaultMemoryConfig()
	}
	return &Memory{
		config: config,
		stats:  make(map[regime.Label]*RegimeStats),
	}
}

// Update folds one completed trade into the regime's running averages.
func (m *Memory) Update(label regime.Label, pnl, drawdown float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[label]
	if !ok {
		s = &RegimeStats{}
		m.stats[label] = s
	}
	s.SampleCount++
	n := float64(s.SampleCount)
	s.AvgPnL += (pnl - s.AvgPnL) / n
	s.AvgDrawdown += (drawdown - s.AvgDrawdown) / n
}

// Bias returns the bounded Tier-3 size multiplier for a regime:
// favorable regimes push the factor up to 1+cap, adverse down to
// 1-cap. Neutral until the minimum sample count is reached.
func (m *Memory) Bias(label regime.Label) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[label]
	if !ok || s.SampleCount < m.config.MinSamples {
		return 1.0
	}
	bias := s.AvgPnL / m.config.ReferencePnL
	return 1.0 + clamp(bias, -risk.RegimeBiasCap, risk.RegimeBiasCap)
}

// Snapshot returns a copy of all regime stats.
func (m *Memory) Snapshot() map[regime.Label]RegimeStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[regime.Label]RegimeStats, len(m.stats))
	for k, v := range m.stats {
		out[k] = *v
	}
	return out
}
