package learning

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-risk-controller/internal/governor"
	"trading-risk-controller/internal/risk"
)

// TuningConfig holds self-tuning parameters. Deltas are relative: a
// fraction of the rule's hard floor-to-ceiling range per step.
type TuningConfig struct {
	UpperBand       float64 `json:"upper_band"`        // Score above this proposes relaxation
	LowerBand       float64 `json:"lower_band"`        // Score below this proposes tightening
	MinSamples      int     `json:"min_samples"`       // Samples required before any proposal
	MaxStepFraction float64 `json:"max_step_fraction"` // Max relative step per cycle
}

// DefaultTuningConfig returns self-tuning defaults.
func DefaultTuningConfig() TuningConfig {
	return TuningConfig{
		UpperBand:       0.3,
		LowerBand:       -0.3,
		MinSamples:      10,
		MaxStepFraction: 0.02,
	}
}

// TuningResult records one self-tuning attempt, accepted or denied.
type TuningResult struct {
	RuleID    string    `json:"rule_id"`
	Score     float64   `json:"score"`
	Proposed  float64   `json:"proposed"` // Relative delta sent to the governor
	Applied   float64   `json:"applied"`  // Absolute delta applied to the limit
	Accepted  bool      `json:"accepted"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Tuner proposes soft-threshold adjustments from effectiveness scores.
// A rule whose interventions consistently help earns headroom toward
// its hard ceiling; one that consistently hurts is pulled toward its
// hard floor. Every proposal passes through the governor.
type Tuner struct {
	mu      sync.Mutex
	config  TuningConfig
	limits  *risk.Limits
	gov     *governor.Governor
	logger  zerolog.Logger
	history []risk.Adjustment
}

// NewTuner creates a tuner bound to the limit table and governor.
func NewTuner(config TuningConfig, limits *risk.Limits, gov *governor.Governor, logger zerolog.Logger) *Tuner {
	if config.MaxStepFraction <= 0 {
		config = DefaultTuningConfig()
	}
	return &Tuner{
		config: config,
		limits: limits,
		gov:    gov,
		logger: logger,
	}
}

// RunCycle walks the scored rules and proposes at most one adjustment
// per rule. Returns the attempts made this cycle.
func (t *Tuner) RunCycle(scores map[string]Score) []TuningResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var results []TuningResult
	for ruleID, score := range scores {
		lim, ok := t.limits.Get(ruleID)
		if !ok {
			continue // Rule has no adjustable threshold
		}
		if score.SampleCount < t.config.MinSamples {
			continue
		}

		var relative float64
		switch {
		case score.Score > t.config.UpperBand:
			relative = t.config.MaxStepFraction
		case score.Score < t.config.LowerBand:
			relative = -t.config.MaxStepFraction
		default:
			continue
		}

		result := t.propose(ruleID, score.Score, relative, lim)
		results = append(results, result)
	}
	return results
}

// propose routes one relative delta through the governor and applies
// whatever was granted to the limit table.
func (t *Tuner) propose(ruleID string, score, relative float64, lim risk.Limit) TuningResult {
	now := time.Now()
	granted, ok, reason := t.gov.RequestChange(governor.KindLimit, ruleID, relative)
	result := TuningResult{
		RuleID:    ruleID,
		Score:     score,
		Proposed:  relative,
		Accepted:  ok,
		Reason:    reason,
		Timestamp: now,
	}
	if !ok {
		return result
	}

	hardRange := lim.Ceiling - lim.Floor
	applied, err := t.limits.ApplyDelta(ruleID, granted*hardRange)
	if err != nil {
		result.Accepted = false
		result.Reason = err.Error()
		return result
	}
	result.Applied = applied

	t.history = append(t.history, risk.Adjustment{
		RuleID:    ruleID,
		Delta:     applied,
		NewValue:  t.limits.Value(ruleID),
		Reason:    reason,
		Timestamp: now,
	})
	t.logger.Info().
		Str("rule", ruleID).
		Float64("score", score).
		Float64("applied", applied).
		Float64("new_value", t.limits.Value(ruleID)).
		Msg("limit tuned")
	return result
}

// Adjustments returns a copy of the applied-adjustment log.
func (t *Tuner) Adjustments() []risk.Adjustment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]risk.Adjustment(nil), t.history...)
}
