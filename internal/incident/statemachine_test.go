package incident

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testConfig() Config {
	return Config{
		DebounceWindow:      30 * time.Second,
		QuietWindow:         2 * time.Minute,
		StabilizationWindow: 5 * time.Minute,
	}
}

func stableMetrics() (bool, map[string]float64) {
	return true, map[string]float64{"daily_drawdown": 1.0}
}

// TestCriticalSignalOpensIncident verifies a critical trigger escalates
// straight to Active from Normal.
func TestCriticalSignalOpensIncident(t *testing.T) {
	m := NewMachine(testConfig(), stableMetrics, zerolog.Nop())

	m.Signal(TriggerExposureBreach, "gross exposure breach", true)

	if m.State() != StateActive {
		t.Fatalf("expected ACTIVE, got %s", m.State())
	}
	inc := m.Current()
	if inc == nil {
		t.Fatal("expected an open incident")
	}
	if inc.Trigger != TriggerExposureBreach {
		t.Errorf("expected trigger %s, got %s", TriggerExposureBreach, inc.Trigger)
	}
	if len(inc.Events) != 1 {
		t.Errorf("expected 1 event, got %d", len(inc.Events))
	}
}

// TestWatchDebounce verifies a non-critical signal enters Watch and
// decays back to Normal if it does not persist.
func TestWatchDebounce(t *testing.T) {
	m := NewMachine(testConfig(), stableMetrics, zerolog.Nop())

	m.Signal(TriggerDrawdown, "drawdown above soft threshold", false)
	if m.State() != StateWatch {
		t.Fatalf("expected WATCH, got %s", m.State())
	}
	if m.Active() {
		t.Error("watch state should not count as an active incident")
	}

	// Signal cleared: after the debounce window the machine decays.
	m.Tick(time.Now().Add(31 * time.Second))
	if m.State() != StateNormal {
		t.Errorf("expected NORMAL after debounce decay, got %s", m.State())
	}
}

// TestPersistentAnomalyStreamEscalates verifies a sparse but ongoing
// signal stream keeps Watch alive and escalates once it persists past
// the debounce window, instead of being cleared between signals.
func TestPersistentAnomalyStreamEscalates(t *testing.T) {
	cfg := testConfig()
	cfg.DebounceWindow = 100 * time.Millisecond
	m := NewMachine(cfg, stableMetrics, zerolog.Nop())

	m.Signal(TriggerAPIAnomaly, "api call failed", false)
	time.Sleep(30 * time.Millisecond)
	m.Signal(TriggerAPIAnomaly, "api call failed", false)

	// The repeat signal refreshed the stream: a tick now must not clear.
	m.Tick(time.Now())
	if m.State() != StateWatch {
		t.Fatalf("sparse stream should keep WATCH alive, got %s", m.State())
	}

	time.Sleep(110 * time.Millisecond)
	m.Signal(TriggerAPIAnomaly, "api call failed", false)
	if m.State() != StateActive {
		t.Errorf("anomaly persisting past the debounce window should escalate, got %s", m.State())
	}
}

// TestEventHookFiresPerAppendedEvent verifies every event appended to
// an open incident reaches the registered callback, not just the
// opening one.
func TestEventHookFiresPerAppendedEvent(t *testing.T) {
	m := NewMachine(testConfig(), stableMetrics, zerolog.Nop())

	seen := make(chan Event, 8)
	m.OnEvent(func(incidentID string, ev Event) {
		if incidentID == "" {
			t.Error("event callback missing incident id")
		}
		seen <- ev
	})

	m.Signal(TriggerDrawdown, "breach", true)
	m.Signal(TriggerAPIAnomaly, "api call failed", false)
	m.Tick(time.Now().Add(3 * time.Minute))
	if m.State() != StateCooldown {
		t.Fatalf("expected COOLDOWN, got %s", m.State())
	}
	m.Signal(TriggerVolatilitySpike, "vol spiked", false)

	for i := 0; i < 3; i++ {
		select {
		case <-seen:
		case <-time.After(time.Second):
			t.Fatalf("expected 3 event callbacks, got %d", i)
		}
	}
}

// TestFullIncidentLifecycle walks an incident through Active, Cooldown
// and closure, checking the closure report carries the event log.
func TestFullIncidentLifecycle(t *testing.T) {
	m := NewMachine(testConfig(), stableMetrics, zerolog.Nop())

	var mu sync.Mutex
	var report *ClosureReport
	done := make(chan struct{})
	m.OnClose(func(r ClosureReport) {
		mu.Lock()
		report = &r
		mu.Unlock()
		close(done)
	})

	m.Signal(TriggerDrawdown, "kill level breached", true)
	m.Signal(TriggerAPIAnomaly, "api call failed", false)
	m.Signal(TriggerVolatilitySpike, "vol spiked", false)

	if m.State() != StateActive {
		t.Fatalf("expected ACTIVE, got %s", m.State())
	}

	// Quiet window elapses with healthy metrics.
	m.Tick(time.Now().Add(3 * time.Minute))
	if m.State() != StateCooldown {
		t.Fatalf("expected COOLDOWN, got %s", m.State())
	}

	// Stabilization window elapses.
	m.Tick(time.Now().Add(10 * time.Minute))
	if m.State() != StateNormal {
		t.Fatalf("expected NORMAL after closure, got %s", m.State())
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("closure report never delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if report.Trigger != TriggerDrawdown {
		t.Errorf("expected opening trigger in report, got %s", report.Trigger)
	}
	if len(report.Events) != 3 {
		t.Errorf("expected 3 events in report, got %d", len(report.Events))
	}
	if report.MetricsBefore == nil || report.MetricsAfter == nil {
		t.Error("expected before/after metrics in report")
	}
}

// TestAnomalyDuringCooldownReopens verifies any anomaly in Cooldown
// returns the machine to Active.
func TestAnomalyDuringCooldownReopens(t *testing.T) {
	m := NewMachine(testConfig(), stableMetrics, zerolog.Nop())

	m.Signal(TriggerDrawdown, "breach", true)
	m.Tick(time.Now().Add(3 * time.Minute))
	if m.State() != StateCooldown {
		t.Fatalf("expected COOLDOWN, got %s", m.State())
	}

	m.Signal(TriggerAPIAnomaly, "api degraded again", false)
	if m.State() != StateActive {
		t.Errorf("expected ACTIVE after cooldown anomaly, got %s", m.State())
	}
	inc := m.Current()
	if len(inc.Events) != 2 {
		t.Errorf("expected the anomaly appended to the incident log, got %d events", len(inc.Events))
	}
}

// TestUnhealthyMetricsHoldActive verifies the machine will not enter
// Cooldown while metrics stay above thresholds.
func TestUnhealthyMetricsHoldActive(t *testing.T) {
	unhealthy := func() (bool, map[string]float64) {
		return false, map[string]float64{"daily_drawdown": 9.0}
	}
	m := NewMachine(testConfig(), unhealthy, zerolog.Nop())

	m.Signal(TriggerDrawdown, "breach", true)
	m.Tick(time.Now().Add(10 * time.Minute))

	if m.State() != StateActive {
		t.Errorf("expected ACTIVE while metrics unhealthy, got %s", m.State())
	}
}
