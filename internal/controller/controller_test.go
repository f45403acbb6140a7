package controller

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-risk-controller/internal/core"
	"trading-risk-controller/internal/events"
	"trading-risk-controller/internal/governor"
	"trading-risk-controller/internal/incident"
	"trading-risk-controller/internal/learning"
	"trading-risk-controller/internal/regime"
	"trading-risk-controller/internal/risk"
)

func testController() *Controller {
	return testControllerWith(events.NewEventBus())
}

func testControllerWith(bus *events.EventBus) *Controller {
	limitsCfg := risk.DefaultLimitsConfig()
	limitsCfg.MinTradeSize = 1

	return New(
		Config{CycleInterval: time.Second, APIFailureThreshold: 5, StartingEquity: 100000},
		limitsCfg,
		regime.DefaultConfig(),
		incident.DefaultConfig(),
		incident.DefaultPreservationConfig(),
		governor.DefaultConfig(),
		learning.DefaultEngineConfig(),
		nil, // no database
		nil, // no redis
		bus,
		zerolog.Nop(),
	)
}

func feedMarketData(c *Controller, vol float64) {
	c.OnMarketData(core.MarketDataSnapshot{
		Symbol:             "BTCUSDT",
		Price:              50000,
		RealizedVolatility: vol,
		Timestamp:          time.Now(),
	})
}

// TestEvaluateProposalApproves verifies a clean proposal passes through
// the full controller path.
func TestEvaluateProposalApproves(t *testing.T) {
	c := testController()
	feedMarketData(c, 0.3)

	p := core.NewTradeProposal("BTCUSDT", core.DirectionLong, 5000, "momentum-1")
	d, err := c.EvaluateProposal(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Action != core.ActionApprove {
		t.Fatalf("expected APPROVE, got %s (%s)", d.Action, d.Reason)
	}
}

// TestStaleDataStillEvaluates verifies evaluation proceeds under the
// conservative regime default when market data is missing.
func TestStaleDataStillEvaluates(t *testing.T) {
	c := testController()

	p := core.NewTradeProposal("BTCUSDT", core.DirectionLong, 5000, "momentum-1")
	d, err := c.EvaluateProposal(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Stress-level default vol score forces a scale-down.
	if d.Action != core.ActionScaleDown {
		t.Errorf("expected SCALE_DOWN under stale-data default, got %s (%s)", d.Action, d.Reason)
	}
}

// TestManualKillSwitch verifies engage/clear round-trips and gates
// evaluation.
func TestManualKillSwitch(t *testing.T) {
	c := testController()
	feedMarketData(c, 0.3)

	c.EngageKillSwitch("manual override")
	p := core.NewTradeProposal("BTCUSDT", core.DirectionLong, 5000, "momentum-1")
	d, err := c.EvaluateProposal(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Action != core.ActionBlockAll {
		t.Fatalf("expected BLOCK_ALL while engaged, got %s", d.Action)
	}

	c.ClearKillSwitch("operator-1")
	d, err = c.EvaluateProposal(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Action == core.ActionBlockAll {
		t.Error("kill-switch should be cleared")
	}
}

// TestAPIFailureStreakEngagesKillSwitch verifies sustained API failures
// trip the kill-switch and that successes decay the streak.
func TestAPIFailureStreakEngagesKillSwitch(t *testing.T) {
	c := testController()

	fail := core.ApiHealthSignal{Failed: true, Timestamp: time.Now()}
	okSig := core.ApiHealthSignal{Failed: false, Timestamp: time.Now()}

	// Alternating failures never accumulate a streak.
	for i := 0; i < 4; i++ {
		c.OnAPIHealth(fail)
		c.OnAPIHealth(okSig)
	}
	if c.KillSwitchEngaged() {
		t.Fatal("decayed streak should not engage the kill-switch")
	}

	for i := 0; i < 5; i++ {
		c.OnAPIHealth(fail)
	}
	if !c.KillSwitchEngaged() {
		t.Error("expected kill-switch after sustained failure streak")
	}
}

// TestDrawdownKillPath verifies a fill pushing drawdown past the kill
// level engages the kill-switch and opens an incident.
func TestDrawdownKillPath(t *testing.T) {
	c := testController()
	feedMarketData(c, 0.3)

	c.OnExecutionOutcome(core.ExecutionOutcome{
		Symbol:     "BTCUSDT",
		Direction:  core.DirectionLong,
		FilledSize: 5000,
		Timestamp:  time.Now(),
	})
	// Close at a loss past the 10% kill level.
	c.OnExecutionOutcome(core.ExecutionOutcome{
		Symbol:      "BTCUSDT",
		Direction:   core.DirectionLong,
		FilledSize:  5000,
		RealizedPnL: -12000,
		Closed:      true,
		Timestamp:   time.Now(),
	})

	if !c.KillSwitchEngaged() {
		t.Error("expected kill-switch after kill-level drawdown")
	}
	if !c.Incidents().Active() {
		t.Error("expected an open incident after kill-level drawdown")
	}
}

// TestBenignSignalDoesNotStallPreservationRamp verifies one anomaly
// that only reaches Watch and clears restarts the ramp from the floor
// instead of pinning preservation there forever.
func TestBenignSignalDoesNotStallPreservationRamp(t *testing.T) {
	c := testController()

	c.preservation.Activate()
	c.preservation.BeginRamp()
	c.preservation.AdvanceCycle()
	c.preservation.AdvanceCycle()
	if c.preservation.Multiplier() <= 0.5 {
		t.Fatalf("expected ramp progress, got %.3f", c.preservation.Multiplier())
	}

	// A single API hiccup: Watch only, then cleared by the next tick.
	c.signalIncident(incident.TriggerAPIAnomaly, "api call failed", false)
	if c.preservation.Multiplier() != 0.5 {
		t.Fatalf("expected interrupt back to floor, got %.3f", c.preservation.Multiplier())
	}
	c.machine.Tick(time.Now().Add(time.Hour))
	if c.machine.State() != incident.StateNormal {
		t.Fatalf("expected Watch to clear, got %s", c.machine.State())
	}

	cycles := incident.DefaultPreservationConfig().RampCycles
	for i := 0; i <= cycles && c.preservation.Active(); i++ {
		c.preservation.AdvanceCycle()
	}
	if c.preservation.Active() {
		t.Error("preservation never recovered after a benign signal")
	}
	if c.learningFrozen() {
		t.Error("learning stayed frozen after recovery")
	}
}

// TestAllocationUpdatePublishedEachCycle verifies the cycle loop
// publishes fitness scores and reallocation deltas to the bus.
func TestAllocationUpdatePublishedEachCycle(t *testing.T) {
	bus := events.NewEventBus()
	c := testControllerWith(bus)

	got := make(chan events.Event, 1)
	bus.Subscribe(events.EventAllocationUpdate, func(ev events.Event) { got <- ev })

	for i := 0; i < 6; i++ {
		c.OnExecutionOutcome(core.ExecutionOutcome{
			Symbol:      "BTCUSDT",
			Direction:   core.DirectionLong,
			StrategyID:  "momentum-1",
			FilledSize:  5,
			RealizedPnL: 50,
			Closed:      true,
			Timestamp:   time.Now(),
		})
	}

	c.runCycle(context.Background(), time.Now())

	select {
	case ev := <-got:
		if _, ok := ev.Data["allocations"]; !ok {
			t.Error("allocation event missing allocations payload")
		}
	case <-time.After(time.Second):
		t.Fatal("no allocation update published")
	}
}

// TestRestoreLimitsWithoutDatabase verifies the startup replay is a
// no-op when no journal exists.
func TestRestoreLimitsWithoutDatabase(t *testing.T) {
	c := testController()

	if err := c.RestoreLimits(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := risk.DefaultLimitsConfig().MaxPositionSize.Current
	if got := c.Limits().Value(risk.RuleMaxPositionSize); got != want {
		t.Errorf("limits should be untouched without a journal: got %.2f, want %.2f", got, want)
	}
}

// TestIncidentFreezesLearning verifies learning writes stop while an
// incident is open.
func TestIncidentFreezesLearning(t *testing.T) {
	c := testController()
	c.Incidents().Signal(incident.TriggerManual, "operator drill", true)

	if !c.learningFrozen() {
		t.Fatal("expected learning frozen during incident")
	}

	report := c.Learning().RunCycle(time.Now())
	if !report.Suspended {
		t.Error("learning cycle should be suspended during incident")
	}
}
