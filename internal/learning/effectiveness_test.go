package learning

import (
	"math"
	"testing"
	"time"

	"trading-risk-controller/internal/core"
)

func testEffectivenessConfig() EffectivenessConfig {
	return EffectivenessConfig{
		ObservationDelay: 5 * time.Minute,
		PriorStrength:    20,
		MaxPending:       100,
	}
}

func scaledDecision(p core.TradeProposal, approved float64, at time.Time) core.Decision {
	return core.Decision{
		ProposalID:  p.ID,
		Action:      core.ActionScaleDown,
		Size:        approved,
		EvaluatedAt: at,
		Audits: []core.RuleAudit{
			{RuleID: "max_position_size", Tier: 1, Factor: approved / p.RequestedSize, Outcome: "scale_down"},
		},
	}
}

// TestInterventionScoredPositiveOnAvoidedLoss verifies scaling down a
// trade that went on to lose money earns the rule a positive score.
func TestInterventionScoredPositiveOnAvoidedLoss(t *testing.T) {
	tr := NewEffectivenessTracker(testEffectivenessConfig())

	p := core.NewTradeProposal("BTCUSDT", core.DirectionLong, 10, "momentum-1")
	recorded := time.Now().Add(-10 * time.Minute)
	tr.RecordIntervention(p, scaledDecision(p, 5, recorded))

	outcome := core.ExecutionOutcome{
		ProposalID:  p.ID,
		Symbol:      "BTCUSDT",
		Direction:   core.DirectionLong,
		StrategyID:  "momentum-1",
		FilledSize:  5,
		RealizedPnL: -100,
		Closed:      true,
	}
	deltas := tr.Observe(outcome, time.Now())

	if len(deltas) != 1 {
		t.Fatalf("expected 1 rule delta, got %d", len(deltas))
	}
	score := tr.Scores()["max_position_size"]
	if score.Score <= 0 {
		t.Errorf("avoided loss should score positive, got %.4f", score.Score)
	}
	if score.SampleCount != 1 {
		t.Errorf("expected sample count 1, got %d", score.SampleCount)
	}
	if tr.PendingCount() != 0 {
		t.Errorf("observed intervention should leave the pending queue, %d remain", tr.PendingCount())
	}
}

// TestInterventionScoredNegativeOnMissedGain verifies scaling down a
// winning trade counts against the rule.
func TestInterventionScoredNegativeOnMissedGain(t *testing.T) {
	tr := NewEffectivenessTracker(testEffectivenessConfig())

	p := core.NewTradeProposal("BTCUSDT", core.DirectionLong, 10, "momentum-1")
	tr.RecordIntervention(p, scaledDecision(p, 5, time.Now().Add(-10*time.Minute)))

	outcome := core.ExecutionOutcome{
		Symbol:      "BTCUSDT",
		StrategyID:  "momentum-1",
		FilledSize:  5,
		RealizedPnL: 100,
		Closed:      true,
	}
	tr.Observe(outcome, time.Now())

	if score := tr.Scores()["max_position_size"]; score.Score >= 0 {
		t.Errorf("missed gain should score negative, got %.4f", score.Score)
	}
}

// TestObservationDelayHoldsPending verifies outcomes arriving before
// the observation delay leave the intervention queued.
func TestObservationDelayHoldsPending(t *testing.T) {
	tr := NewEffectivenessTracker(testEffectivenessConfig())

	p := core.NewTradeProposal("BTCUSDT", core.DirectionLong, 10, "momentum-1")
	tr.RecordIntervention(p, scaledDecision(p, 5, time.Now()))

	outcome := core.ExecutionOutcome{
		Symbol:      "BTCUSDT",
		StrategyID:  "momentum-1",
		FilledSize:  5,
		RealizedPnL: -50,
		Closed:      true,
	}
	deltas := tr.Observe(outcome, time.Now())

	if len(deltas) != 0 {
		t.Error("outcome inside the observation delay must not score")
	}
	if tr.PendingCount() != 1 {
		t.Errorf("expected intervention still pending, got %d", tr.PendingCount())
	}
}

// TestNonInterveningDecisionIgnored verifies approvals are never queued.
func TestNonInterveningDecisionIgnored(t *testing.T) {
	tr := NewEffectivenessTracker(testEffectivenessConfig())

	p := core.NewTradeProposal("BTCUSDT", core.DirectionLong, 10, "momentum-1")
	d := core.Decision{ProposalID: p.ID, Action: core.ActionApprove, Size: 10, EvaluatedAt: time.Now()}
	tr.RecordIntervention(p, d)

	if tr.PendingCount() != 0 {
		t.Errorf("approval should not be queued, got %d pending", tr.PendingCount())
	}
}

// TestScoreStaysClipped verifies repeated extreme benefits never push a
// score outside [-1,1].
func TestScoreStaysClipped(t *testing.T) {
	tr := NewEffectivenessTracker(testEffectivenessConfig())

	for i := 0; i < 200; i++ {
		p := core.NewTradeProposal("BTCUSDT", core.DirectionLong, 10, "momentum-1")
		tr.RecordIntervention(p, scaledDecision(p, 1, time.Now().Add(-10*time.Minute)))
		tr.Observe(core.ExecutionOutcome{
			Symbol:      "BTCUSDT",
			StrategyID:  "momentum-1",
			FilledSize:  1,
			RealizedPnL: -1000,
			Closed:      true,
		}, time.Now())
	}

	score := tr.Scores()["max_position_size"]
	if score.Score < -1 || score.Score > 1 {
		t.Errorf("score escaped [-1,1]: %.4f", score.Score)
	}
}

// TestConfidenceWeight verifies the Bayesian-shrinkage form: small
// samples move slowly, large samples approach full weight.
func TestConfidenceWeight(t *testing.T) {
	small := ConfidenceWeight(1, 20)
	large := ConfidenceWeight(1000, 20)

	if math.Abs(small-1.0/21.0) > 1e-9 {
		t.Errorf("expected 1/21 for first sample, got %.6f", small)
	}
	if large <= small || large >= 1 {
		t.Errorf("expected large-sample weight near 1, got %.6f", large)
	}
}
