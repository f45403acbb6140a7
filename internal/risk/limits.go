package risk

import (
	"fmt"
	"sync"
	"time"
)

// Rule identifiers. These key the limit table, audit records, the
// effectiveness scores and the governor's cooldown map.
const (
	RuleMaxPositionSize      = "max_position_size"
	RuleMaxLeverage          = "max_leverage"
	RuleLiquidationDistance  = "liquidation_distance"
	RuleMaxGrossExposure     = "max_gross_exposure"
	RuleMaxConcentration     = "max_symbol_concentration"
	RuleDrawdownScaling      = "drawdown_scaling"
	RuleMaxVaR               = "max_var"
	RuleVolatilityScalar     = "volatility_scalar"
	RuleRegimeBias           = "regime_bias"
	RuleConfidenceScalar     = "confidence_scalar"
	RuleKillSwitch           = "kill_switch"
)

// RegimeBiasCap bounds the Tier-3 regime bias factor. Hard constant,
// never adjustable by learning.
const RegimeBiasCap = 0.15

// Limit is one threshold with hard bounds. Current is the soft value the
// learning engine may move; Floor and Ceiling are never adjustable.
type Limit struct {
	Current float64 `json:"current"`
	Floor   float64 `json:"floor"`
	Ceiling float64 `json:"ceiling"`
}

// LimitsConfig seeds the limit table.
type LimitsConfig struct {
	MaxPositionSize       Limit `json:"max_position_size"`       // Notional per symbol
	MaxLeverage           Limit `json:"max_leverage"`            // Gross exposure / equity
	MaxMarginUtilization  Limit `json:"max_margin_utilization"`  // Liquidation-distance proxy
	MaxGrossExposure      Limit `json:"max_gross_exposure"`      // Total notional
	MaxConcentration      Limit `json:"max_symbol_concentration"` // Fraction of gross in one symbol
	DrawdownThreshold     Limit `json:"drawdown_threshold"`      // Percent where scaling starts
	MaxVaR                Limit `json:"max_var"`
	VolatilityBaseline    Limit `json:"volatility_baseline"` // Vol score where scaling starts

	DrawdownKillPercent float64 `json:"drawdown_kill_percent"` // Hard, not adjustable
	MinTradeSize        float64 `json:"min_trade_size"`
}

// DefaultLimitsConfig returns conservative defaults.
func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		MaxPositionSize:      Limit{Current: 10000, Floor: 1000, Ceiling: 50000},
		MaxLeverage:          Limit{Current: 3, Floor: 1, Ceiling: 10},
		MaxMarginUtilization: Limit{Current: 0.7, Floor: 0.3, Ceiling: 0.9},
		MaxGrossExposure:     Limit{Current: 50000, Floor: 10000, Ceiling: 200000},
		MaxConcentration:     Limit{Current: 0.3, Floor: 0.1, Ceiling: 0.5},
		DrawdownThreshold:    Limit{Current: 5, Floor: 2, Ceiling: 8},
		MaxVaR:               Limit{Current: 2500, Floor: 500, Ceiling: 10000},
		VolatilityBaseline:   Limit{Current: 0.5, Floor: 0.2, Ceiling: 1.0},
		DrawdownKillPercent:  10,
		MinTradeSize:         10,
	}
}

// Limits is the mutable limit table. Soft values move only through
// ApplyDelta, which the governor alone is allowed to call.
type Limits struct {
	mu     sync.RWMutex
	limits map[string]Limit

	killPercent  float64
	minTradeSize float64
}

// NewLimits builds the limit table from config. Seed values outside
// their hard bounds are clamped in.
func NewLimits(cfg LimitsConfig) *Limits {
	l := &Limits{
		limits:       make(map[string]Limit),
		killPercent:  cfg.DrawdownKillPercent,
		minTradeSize: cfg.MinTradeSize,
	}
	l.limits[RuleMaxPositionSize] = clampLimit(cfg.MaxPositionSize)
	l.limits[RuleMaxLeverage] = clampLimit(cfg.MaxLeverage)
	l.limits[RuleLiquidationDistance] = clampLimit(cfg.MaxMarginUtilization)
	l.limits[RuleMaxGrossExposure] = clampLimit(cfg.MaxGrossExposure)
	l.limits[RuleMaxConcentration] = clampLimit(cfg.MaxConcentration)
	l.limits[RuleDrawdownScaling] = clampLimit(cfg.DrawdownThreshold)
	l.limits[RuleMaxVaR] = clampLimit(cfg.MaxVaR)
	l.limits[RuleVolatilityScalar] = clampLimit(cfg.VolatilityBaseline)
	return l
}

func clampLimit(lim Limit) Limit {
	if lim.Current < lim.Floor {
		lim.Current = lim.Floor
	}
	if lim.Current > lim.Ceiling {
		lim.Current = lim.Ceiling
	}
	return lim
}

// Value returns a rule's current soft threshold.
func (l *Limits) Value(ruleID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limits[ruleID].Current
}

// Get returns the full limit for a rule.
func (l *Limits) Get(ruleID string) (Limit, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lim, ok := l.limits[ruleID]
	return lim, ok
}

// ApplyDelta moves a rule's soft threshold, clipped to its hard bounds.
// Returns the delta actually applied.
func (l *Limits) ApplyDelta(ruleID string, delta float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limits[ruleID]
	if !ok {
		return 0, fmt.Errorf("unknown rule %q", ruleID)
	}
	before := lim.Current
	lim.Current = before + delta
	lim = clampLimit(lim)
	l.limits[ruleID] = lim
	return lim.Current - before, nil
}

// Snapshot returns a copy of the full limit table.
func (l *Limits) Snapshot() map[string]Limit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Limit, len(l.limits))
	for k, v := range l.limits {
		out[k] = v
	}
	return out
}

// DrawdownKillPercent returns the hard drawdown level that forces
// blockAll and engages the kill-switch.
func (l *Limits) DrawdownKillPercent() float64 {
	return l.killPercent
}

// MinTradeSize returns the size below which a scaled trade is treated
// as rounding to zero.
func (l *Limits) MinTradeSize() float64 {
	return l.minTradeSize
}

// Adjustment is one governor-approved change to a soft limit. The
// adjustment log is append-only; replaying it against the seed config
// reproduces the current table.
type Adjustment struct {
	RuleID    string    `json:"rule_id"`
	Delta     float64   `json:"delta"`
	NewValue  float64   `json:"new_value"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}
