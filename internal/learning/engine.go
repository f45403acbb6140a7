// Package learning adapts the risk controller from observed outcomes:
// it scores each rule's interventions, tunes soft thresholds through
// the governor, remembers per-regime performance and tracks strategy
// fitness. All writes stop while an incident or capital preservation
// is active.
package learning

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-risk-controller/internal/core"
	"trading-risk-controller/internal/governor"
	"trading-risk-controller/internal/regime"
	"trading-risk-controller/internal/risk"
)

// SuspendFn reports whether learning writes are currently suspended.
type SuspendFn func() bool

// AllocationEntry is one strategy-regime fitness score published to
// the allocation collaborator. AllowedDelta is the governor-granted
// reallocation shift for this cycle, in relative units; zero when the
// pair is neutral or the governor denied the request.
type AllocationEntry struct {
	StrategyID   string       `json:"strategy_id"`
	Regime       regime.Label `json:"regime"`
	Fitness      float64      `json:"fitness"`
	SampleCount  int          `json:"sample_count"`
	AllowedDelta float64      `json:"allowed_delta"`
}

// CycleReport summarizes one learning cycle.
type CycleReport struct {
	RanAt       time.Time         `json:"ran_at"`
	Suspended   bool              `json:"suspended"`
	Tuning      []TuningResult    `json:"tuning,omitempty"`
	Allocations []AllocationEntry `json:"allocations,omitempty"`
}

// EngineConfig aggregates the learning sub-tracker configs.
type EngineConfig struct {
	Effectiveness EffectivenessConfig `json:"effectiveness"`
	Tuning        TuningConfig        `json:"tuning"`
	Memory        MemoryConfig        `json:"memory"`
	Fitness       FitnessConfig       `json:"fitness"`
}

// DefaultEngineConfig returns learning defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Effectiveness: DefaultEffectivenessConfig(),
		Tuning:        DefaultTuningConfig(),
		Memory:        DefaultMemoryConfig(),
		Fitness:       DefaultFitnessConfig(),
	}
}

// Engine is the adaptive learning engine: four trackers behind one
// suspension gate.
type Engine struct {
	mu        sync.Mutex
	logger    zerolog.Logger
	suspended SuspendFn

	effectiveness *EffectivenessTracker
	tuner         *Tuner
	memory        *Memory
	fitness       *FitnessTracker

	gov        *governor.Governor
	maxRealloc float64

	lastReport CycleReport
}

// NewEngine wires the learning engine. suspended may be nil, meaning
// never suspended.
func NewEngine(cfg EngineConfig, limits *risk.Limits, gov *governor.Governor, suspended SuspendFn, logger zerolog.Logger) *Engine {
	maxRealloc := cfg.Fitness.MaxReallocation
	if maxRealloc <= 0 {
		maxRealloc = DefaultFitnessConfig().MaxReallocation
	}
	return &Engine{
		logger:        logger,
		suspended:     suspended,
		effectiveness: NewEffectivenessTracker(cfg.Effectiveness),
		tuner:         NewTuner(cfg.Tuning, limits, gov, logger),
		memory:        NewMemory(cfg.Memory),
		fitness:       NewFitnessTracker(cfg.Fitness),
		gov:           gov,
		maxRealloc:    maxRealloc,
	}
}

func (e *Engine) isSuspended() bool {
	return e.suspended != nil && e.suspended()
}

// RecordDecision queues an intervening decision for effectiveness
// scoring. No-op while suspended.
func (e *Engine) RecordDecision(p core.TradeProposal, d core.Decision) {
	if e.isSuspended() {
		return
	}
	e.effectiveness.RecordIntervention(p, d)
}

// OnOutcome folds a completed trade into every tracker. Returns the
// effectiveness score deltas applied, nil while suspended.
func (e *Engine) OnOutcome(outcome core.ExecutionOutcome, label regime.Label, drawdown float64, now time.Time) map[string]float64 {
	if e.isSuspended() {
		return nil
	}
	if outcome.Closed {
		e.memory.Update(label, outcome.RealizedPnL, drawdown)
		e.fitness.Update(outcome.StrategyID, label, outcome.RealizedPnL, drawdown)
	}
	return e.effectiveness.Observe(outcome, now)
}

// RunCycle executes one learning cycle: self-tuning proposals plus a
// fresh allocation report. While suspended it returns a report marked
// as such and writes nothing.
func (e *Engine) RunCycle(now time.Time) CycleReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := CycleReport{RanAt: now}
	if e.isSuspended() {
		report.Suspended = true
		e.lastReport = report
		return report
	}

	report.Tuning = e.tuner.RunCycle(e.effectiveness.Scores())
	report.Allocations = e.allocationReport()
	e.lastReport = report

	e.logger.Debug().
		Int("tuning_attempts", len(report.Tuning)).
		Int("allocations", len(report.Allocations)).
		Msg("learning cycle complete")
	return report
}

// allocationReport builds the per-strategy-regime fitness listing with
// the governor-bounded reallocation delta each pair may shift.
func (e *Engine) allocationReport() []AllocationEntry {
	snapshot := e.fitness.Snapshot()
	entries := make([]AllocationEntry, 0, len(snapshot))
	for key, stats := range snapshot {
		score := e.fitness.Score(key.StrategyID, key.Regime)
		entry := AllocationEntry{
			StrategyID:  key.StrategyID,
			Regime:      key.Regime,
			Fitness:     score,
			SampleCount: stats.SampleCount,
		}
		if desired := (score - 1.0) * e.maxRealloc; desired != 0 && e.gov != nil {
			target := "alloc:" + key.StrategyID + ":" + string(key.Regime)
			if granted, ok, _ := e.gov.RequestChange(governor.KindAllocation, target, desired); ok {
				entry.AllowedDelta = granted
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// RegimeBias exposes the memory's bias lookup for the evaluator.
func (e *Engine) RegimeBias(label regime.Label) float64 {
	return e.memory.Bias(label)
}

// EffectivenessScores returns a copy of the current rule scores.
func (e *Engine) EffectivenessScores() map[string]Score {
	return e.effectiveness.Scores()
}

// RegimeStatsSnapshot returns a copy of the regime memory.
func (e *Engine) RegimeStatsSnapshot() map[regime.Label]RegimeStats {
	return e.memory.Snapshot()
}

// FitnessSnapshot returns a copy of the strategy fitness table.
func (e *Engine) FitnessSnapshot() map[FitnessKey]FitnessStats {
	return e.fitness.Snapshot()
}

// Adjustments returns the applied limit-adjustment log.
func (e *Engine) Adjustments() []risk.Adjustment {
	return e.tuner.Adjustments()
}

// LastReport returns the most recent cycle report.
func (e *Engine) LastReport() CycleReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}
