package learning

import (
	"math"
	"sync"
	"time"

	"trading-risk-controller/internal/core"
)

// Score is the learned estimate in [-1,1] of whether a rule's
// interventions helped.
type Score struct {
	Score       float64   `json:"score"`
	SampleCount int       `json:"sample_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// intervention is a pending scaleDown/reject awaiting its outcome.
type intervention struct {
	proposalID    string
	ruleIDs       []string
	symbol        string
	strategyID    string
	requestedSize float64
	approvedSize  float64
	recordedAt    time.Time
}

// EffectivenessConfig holds effectiveness scoring parameters.
type EffectivenessConfig struct {
	ObservationDelay time.Duration `json:"observation_delay"`
	PriorStrength    float64       `json:"prior_strength"`
	MaxPending       int           `json:"max_pending"`
}

// DefaultEffectivenessConfig returns scoring defaults.
func DefaultEffectivenessConfig() EffectivenessConfig {
	return EffectivenessConfig{
		ObservationDelay: 5 * time.Minute,
		PriorStrength:    20,
		MaxPending:       500,
	}
}

// EffectivenessTracker scores each risk rule by comparing realized
// outcomes of constrained trades against a counterfactual estimate of
// the unconstrained outcome.
type EffectivenessTracker struct {
	mu      sync.RWMutex
	config  EffectivenessConfig
	scores  map[string]*Score
	pending []intervention
}

// NewEffectivenessTracker creates an empty tracker.
func NewEffectivenessTracker(config EffectivenessConfig) *EffectivenessTracker {
	if config.ObservationDelay <= 0 {
		config = DefaultEffectivenessConfig()
	}
	return &EffectivenessTracker{
		config: config,
		scores: make(map[string]*Score),
	}
}

// RecordIntervention queues a constrained decision for later scoring.
// Only rules that actually reduced the size are attributed.
func (t *EffectivenessTracker) RecordIntervention(p core.TradeProposal, d core.Decision) {
	if !d.Intervened() {
		return
	}
	var ruleIDs []string
	for _, a := range d.Audits {
		if a.Factor < 1 {
			ruleIDs = append(ruleIDs, a.RuleID)
		}
	}
	if len(ruleIDs) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) >= t.config.MaxPending {
		t.pending = t.pending[1:]
	}
	t.pending = append(t.pending, intervention{
		proposalID:    p.ID,
		ruleIDs:       ruleIDs,
		symbol:        p.Symbol,
		strategyID:    p.StrategyID,
		requestedSize: p.RequestedSize,
		approvedSize:  d.Size,
		recordedAt:    d.EvaluatedAt,
	})
}

// Observe matches a closed trade outcome against pending interventions
// for the same symbol and strategy once the observation delay has
// elapsed, and updates the attributed rules' scores. Returns the score
// deltas applied, keyed by rule.
func (t *EffectivenessTracker) Observe(outcome core.ExecutionOutcome, now time.Time) map[string]float64 {
	if !outcome.Closed || outcome.FilledSize <= 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	deltas := make(map[string]float64)
	remaining := t.pending[:0]
	for _, iv := range t.pending {
		if iv.symbol != outcome.Symbol || iv.strategyID != outcome.StrategyID {
			remaining = append(remaining, iv)
			continue
		}
		if now.Sub(iv.recordedAt) < t.config.ObservationDelay {
			remaining = append(remaining, iv)
			continue
		}

		benefit := t.observedBenefit(iv, outcome)
		for _, ruleID := range iv.ruleIDs {
			deltas[ruleID] += t.updateScore(ruleID, benefit, now)
		}
	}
	t.pending = remaining
	return deltas
}

// observedBenefit estimates how much the intervention helped in [-1,1].
// The counterfactual unconstrained outcome scales the realized per-unit
// PnL up to the originally requested size: a loss avoided by scaling
// down is a positive benefit, a missed gain is negative.
func (t *EffectivenessTracker) observedBenefit(iv intervention, outcome core.ExecutionOutcome) float64 {
	perUnit := outcome.RealizedPnL / outcome.FilledSize
	counterfactual := perUnit * iv.requestedSize
	actual := perUnit * iv.approvedSize

	scale := math.Max(math.Abs(counterfactual), math.Abs(actual))
	if scale == 0 {
		return 0
	}
	return clamp((actual-counterfactual)/scale, -1, 1)
}

// updateScore applies the exponential moving update with Bayesian
// shrinkage on the step size. Returns the delta applied.
func (t *EffectivenessTracker) updateScore(ruleID string, benefit float64, now time.Time) float64 {
	s, ok := t.scores[ruleID]
	if !ok {
		s = &Score{}
		t.scores[ruleID] = s
	}
	s.SampleCount++
	w := ConfidenceWeight(s.SampleCount, t.config.PriorStrength)
	before := s.Score
	s.Score = clamp(s.Score+w*(benefit-s.Score), -1, 1)
	s.LastUpdated = now
	return s.Score - before
}

// Scores returns a copy of all rule scores.
func (t *EffectivenessTracker) Scores() map[string]Score {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Score, len(t.scores))
	for k, v := range t.scores {
		out[k] = *v
	}
	return out
}

// PendingCount returns the number of interventions awaiting outcomes.
func (t *EffectivenessTracker) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// ConfidenceWeight is the Bayesian-shrinkage step multiplier
// n/(n+prior): small samples move scores slowly.
func ConfidenceWeight(sampleCount int, priorStrength float64) float64 {
	n := float64(sampleCount)
	return n / (n + priorStrength)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
