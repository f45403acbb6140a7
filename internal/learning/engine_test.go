package learning

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-risk-controller/internal/core"
	"trading-risk-controller/internal/governor"
	"trading-risk-controller/internal/regime"
	"trading-risk-controller/internal/risk"
)

func testEngine(suspended SuspendFn) (*Engine, *risk.Limits) {
	limits := risk.NewLimits(risk.DefaultLimitsConfig())
	gov := governor.New(governor.DefaultConfig(), governor.FreezeFn(suspended), zerolog.Nop())
	cfg := DefaultEngineConfig()
	cfg.Effectiveness.ObservationDelay = time.Minute
	return NewEngine(cfg, limits, gov, suspended, zerolog.Nop()), limits
}

// TestRegimeMemoryBias verifies the bias stays neutral until enough
// samples exist and then clamps to the hard cap.
func TestRegimeMemoryBias(t *testing.T) {
	m := NewMemory(MemoryConfig{MinSamples: 3, ReferencePnL: 100})

	if bias := m.Bias(regime.LabelTrending); bias != 1.0 {
		t.Errorf("unseen regime should be neutral, got %.4f", bias)
	}

	m.Update(regime.LabelTrending, 50, 0)
	m.Update(regime.LabelTrending, 50, 0)
	if bias := m.Bias(regime.LabelTrending); bias != 1.0 {
		t.Errorf("below min samples should be neutral, got %.4f", bias)
	}

	m.Update(regime.LabelTrending, 50, 0)
	if bias := m.Bias(regime.LabelTrending); math.Abs(bias-1.15) > 1e-9 {
		// avgPnL 50 / reference 100 = 0.5, clamped to the +0.15 cap.
		t.Errorf("expected bias clamped to 1.15, got %.4f", bias)
	}

	for i := 0; i < 10; i++ {
		m.Update(regime.LabelStress, -500, 8)
	}
	if bias := m.Bias(regime.LabelStress); math.Abs(bias-0.85) > 1e-9 {
		t.Errorf("expected bias clamped to 0.85, got %.4f", bias)
	}
}

// TestFitnessNeutralUntilSampled verifies strategy fitness reports
// neutral before the minimum sample count and bounded scores after.
func TestFitnessNeutralUntilSampled(t *testing.T) {
	f := NewFitnessTracker(FitnessConfig{MinSamples: 5, ReferencePnL: 100})

	if score := f.Score("momentum-1", regime.LabelLowVol); score != 1.0 {
		t.Errorf("unsampled pair should be neutral, got %.4f", score)
	}

	for i := 0; i < 4; i++ {
		f.Update("momentum-1", regime.LabelLowVol, 80, 0)
	}
	if score := f.Score("momentum-1", regime.LabelLowVol); score != 1.0 {
		t.Errorf("below min samples should be neutral, got %.4f", score)
	}

	f.Update("momentum-1", regime.LabelLowVol, 80, 0)
	score := f.Score("momentum-1", regime.LabelLowVol)
	// winRate 1.0 + avgPnL 80/100 = 1.8, clamped to 1.5.
	if math.Abs(score-1.5) > 1e-9 {
		t.Errorf("expected score clamped to 1.5, got %.4f", score)
	}

	for i := 0; i < 10; i++ {
		f.Update("mean-rev-2", regime.LabelChoppy, -200, 5)
	}
	if score := f.Score("mean-rev-2", regime.LabelChoppy); math.Abs(score-0.5) > 1e-9 {
		t.Errorf("expected losing pair clamped to 0.5, got %.4f", score)
	}
}

// TestTunerRelaxesHighScoringRule verifies a persistently helpful rule
// earns a governor-bounded step toward its ceiling.
func TestTunerRelaxesHighScoringRule(t *testing.T) {
	limits := risk.NewLimits(risk.DefaultLimitsConfig())
	gov := governor.New(governor.DefaultConfig(), nil, zerolog.Nop())
	tuner := NewTuner(DefaultTuningConfig(), limits, gov, zerolog.Nop())

	before := limits.Value(risk.RuleMaxPositionSize)
	lim, _ := limits.Get(risk.RuleMaxPositionSize)

	results := tuner.RunCycle(map[string]Score{
		risk.RuleMaxPositionSize: {Score: 0.8, SampleCount: 50},
	})

	if len(results) != 1 || !results[0].Accepted {
		t.Fatalf("expected one accepted tuning result, got %+v", results)
	}
	after := limits.Value(risk.RuleMaxPositionSize)
	expectedStep := DefaultTuningConfig().MaxStepFraction * (lim.Ceiling - lim.Floor)
	if math.Abs((after-before)-expectedStep) > 1e-9 {
		t.Errorf("expected step %.4f toward ceiling, got %.4f", expectedStep, after-before)
	}
	if len(tuner.Adjustments()) != 1 {
		t.Errorf("expected 1 adjustment record, got %d", len(tuner.Adjustments()))
	}
}

// TestTunerTightensLowScoringRule verifies a persistently harmful rule
// is pulled toward its floor.
func TestTunerTightensLowScoringRule(t *testing.T) {
	limits := risk.NewLimits(risk.DefaultLimitsConfig())
	gov := governor.New(governor.DefaultConfig(), nil, zerolog.Nop())
	tuner := NewTuner(DefaultTuningConfig(), limits, gov, zerolog.Nop())

	before := limits.Value(risk.RuleMaxGrossExposure)

	results := tuner.RunCycle(map[string]Score{
		risk.RuleMaxGrossExposure: {Score: -0.8, SampleCount: 50},
	})

	if len(results) != 1 || !results[0].Accepted {
		t.Fatalf("expected one accepted tuning result, got %+v", results)
	}
	if after := limits.Value(risk.RuleMaxGrossExposure); after >= before {
		t.Errorf("expected tightening below %.2f, got %.2f", before, after)
	}
}

// TestTunerIgnoresThinAndNeutralScores verifies no proposals happen
// inside the bands or below the sample floor.
func TestTunerIgnoresThinAndNeutralScores(t *testing.T) {
	limits := risk.NewLimits(risk.DefaultLimitsConfig())
	gov := governor.New(governor.DefaultConfig(), nil, zerolog.Nop())
	tuner := NewTuner(DefaultTuningConfig(), limits, gov, zerolog.Nop())

	results := tuner.RunCycle(map[string]Score{
		risk.RuleMaxPositionSize:  {Score: 0.9, SampleCount: 2},  // Too few samples
		risk.RuleMaxGrossExposure: {Score: 0.1, SampleCount: 50}, // Inside the bands
	})

	if len(results) != 0 {
		t.Errorf("expected no tuning attempts, got %+v", results)
	}
}

// TestEngineSuspensionBlocksAllWrites verifies zero learning writes
// happen while an incident or preservation is active.
func TestEngineSuspensionBlocksAllWrites(t *testing.T) {
	suspended := true
	e, limits := testEngine(func() bool { return suspended })

	p := core.NewTradeProposal("BTCUSDT", core.DirectionLong, 10, "momentum-1")
	d := core.Decision{
		ProposalID:  p.ID,
		Action:      core.ActionScaleDown,
		Size:        5,
		EvaluatedAt: time.Now().Add(-10 * time.Minute),
		Audits:      []core.RuleAudit{{RuleID: risk.RuleMaxPositionSize, Tier: 1, Factor: 0.5}},
	}
	e.RecordDecision(p, d)

	deltas := e.OnOutcome(core.ExecutionOutcome{
		Symbol: "BTCUSDT", StrategyID: "momentum-1",
		FilledSize: 5, RealizedPnL: -100, Closed: true,
	}, regime.LabelHighVol, 3, time.Now())
	if deltas != nil {
		t.Error("suspended engine must not score outcomes")
	}

	before := limits.Snapshot()
	report := e.RunCycle(time.Now())
	if !report.Suspended {
		t.Error("cycle report should be marked suspended")
	}
	if len(report.Tuning) != 0 {
		t.Error("suspended cycle must not tune limits")
	}
	for ruleID, lim := range limits.Snapshot() {
		if lim.Current != before[ruleID].Current {
			t.Errorf("limit %s moved during suspension", ruleID)
		}
	}
	if len(e.EffectivenessScores()) != 0 {
		t.Error("suspended engine accumulated scores")
	}

	// Thawed engine resumes writes.
	suspended = false
	e.RecordDecision(p, d)
	deltas = e.OnOutcome(core.ExecutionOutcome{
		Symbol: "BTCUSDT", StrategyID: "momentum-1",
		FilledSize: 5, RealizedPnL: -100, Closed: true,
	}, regime.LabelHighVol, 3, time.Now())
	if len(deltas) == 0 {
		t.Error("thawed engine should score outcomes")
	}
}

// TestEngineAllocationReport verifies RunCycle publishes fitness
// entries for every sampled strategy-regime pair, each carrying a
// governor-granted reallocation delta.
func TestEngineAllocationReport(t *testing.T) {
	limits := risk.NewLimits(risk.DefaultLimitsConfig())
	gov := governor.New(governor.DefaultConfig(), nil, zerolog.Nop())
	e := NewEngine(DefaultEngineConfig(), limits, gov, nil, zerolog.Nop())

	for i := 0; i < 6; i++ {
		e.OnOutcome(core.ExecutionOutcome{
			Symbol: "BTCUSDT", StrategyID: "momentum-1",
			FilledSize: 5, RealizedPnL: 50, Closed: true,
		}, regime.LabelTrending, 0, time.Now())
	}

	report := e.RunCycle(time.Now())
	if report.Suspended {
		t.Fatal("unsuspended cycle reported as suspended")
	}
	if len(report.Allocations) != 1 {
		t.Fatalf("expected 1 allocation entry, got %d", len(report.Allocations))
	}
	entry := report.Allocations[0]
	if entry.StrategyID != "momentum-1" || entry.Regime != regime.LabelTrending {
		t.Errorf("unexpected allocation entry: %+v", entry)
	}
	if entry.SampleCount != 6 {
		t.Errorf("expected 6 samples, got %d", entry.SampleCount)
	}
	if entry.Fitness <= 1.0 {
		t.Errorf("winning pair should score above neutral, got %.4f", entry.Fitness)
	}
	if entry.AllowedDelta <= 0 {
		t.Errorf("above-neutral pair should earn a positive reallocation delta, got %.4f", entry.AllowedDelta)
	}

	// The grant runs through the governor's budget like every other
	// self-modification.
	var found bool
	for _, rec := range gov.ChangeLog() {
		if rec.Kind == governor.KindAllocation {
			found = true
			if math.Abs(rec.Applied-entry.AllowedDelta) > 1e-9 {
				t.Errorf("change log delta %.4f != granted delta %.4f", rec.Applied, entry.AllowedDelta)
			}
		}
	}
	if !found {
		t.Error("expected an allocation record in the governor change log")
	}
}

// TestNeutralPairGetsNoReallocation verifies an unsampled pair reports
// neutral fitness and no reallocation grant.
func TestNeutralPairGetsNoReallocation(t *testing.T) {
	limits := risk.NewLimits(risk.DefaultLimitsConfig())
	gov := governor.New(governor.DefaultConfig(), nil, zerolog.Nop())
	e := NewEngine(DefaultEngineConfig(), limits, gov, nil, zerolog.Nop())

	// Two samples stay below the fitness minimum.
	for i := 0; i < 2; i++ {
		e.OnOutcome(core.ExecutionOutcome{
			Symbol: "BTCUSDT", StrategyID: "mean-rev-2",
			FilledSize: 5, RealizedPnL: -100, Closed: true,
		}, regime.LabelChoppy, 2, time.Now())
	}

	report := e.RunCycle(time.Now())
	if len(report.Allocations) != 1 {
		t.Fatalf("expected 1 allocation entry, got %d", len(report.Allocations))
	}
	if entry := report.Allocations[0]; entry.Fitness != 1.0 || entry.AllowedDelta != 0 {
		t.Errorf("thin pair should be neutral with no grant, got %+v", entry)
	}
	if len(gov.ChangeLog()) != 0 {
		t.Errorf("neutral pair must not consume governor budget, got %d records", len(gov.ChangeLog()))
	}
}
