// Package incident tracks system stability through a single serialized
// state machine. Any component may signal a potential trigger; only the
// machine commits transitions, in arrival order.
package incident

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State of the incident machine.
type State string

const (
	StateNormal   State = "NORMAL"
	StateWatch    State = "WATCH"
	StateActive   State = "ACTIVE"
	StateCooldown State = "COOLDOWN"
	StateClosed   State = "CLOSED"
)

// Trigger classifies what opened or escalated an incident.
type Trigger string

const (
	TriggerDrawdown        Trigger = "drawdown"
	TriggerAPIAnomaly      Trigger = "api-anomaly"
	TriggerExposureBreach  Trigger = "exposure-breach"
	TriggerVolatilitySpike Trigger = "volatility-spike"
	TriggerManual          Trigger = "manual"
)

// Event is one entry in an incident's append-only log.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Trigger   Trigger   `json:"trigger"`
	Detail    string    `json:"detail"`
}

// Incident is a single stability episode from open to close.
type Incident struct {
	ID        string     `json:"id"`
	OpenedAt  time.Time  `json:"opened_at"`
	Trigger   Trigger    `json:"trigger"`
	Events    []Event    `json:"events"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	ReportRef string     `json:"report_ref,omitempty"`
}

// ClosureReport is the structured post-mortem emitted when an incident
// closes.
type ClosureReport struct {
	IncidentID          string             `json:"incident_id"`
	Trigger             Trigger            `json:"trigger"`
	OpenedAt            time.Time          `json:"opened_at"`
	ClosedAt            time.Time          `json:"closed_at"`
	Events              []Event            `json:"events"`
	MetricsBefore       map[string]float64 `json:"metrics_before"`
	MetricsAfter        map[string]float64 `json:"metrics_after"`
	EffectivenessDeltas map[string]float64 `json:"effectiveness_deltas,omitempty"`
}

// Config holds state machine timing.
type Config struct {
	DebounceWindow      time.Duration `json:"debounce_window"`      // Watch -> Active persistence
	QuietWindow         time.Duration `json:"quiet_window"`         // Active -> Cooldown anomaly-free span
	StabilizationWindow time.Duration `json:"stabilization_window"` // Cooldown -> Closed span
}

// DefaultConfig returns state machine defaults.
func DefaultConfig() Config {
	return Config{
		DebounceWindow:      30 * time.Second,
		QuietWindow:         2 * time.Minute,
		StabilizationWindow: 5 * time.Minute,
	}
}

// MetricsFn reports whether risk metrics are back under safe thresholds
// and a snapshot of the metrics themselves, for closure reports.
type MetricsFn func() (ok bool, metrics map[string]float64)

// Machine is the single transition authority.
type Machine struct {
	mu      sync.Mutex
	config  Config
	logger  zerolog.Logger
	metrics MetricsFn

	state         State
	current       *Incident
	watchSince    time.Time
	watchLast     time.Time
	watchTrigger  Trigger
	lastAnomaly   time.Time
	cooldownSince time.Time
	metricsBefore map[string]float64

	onTransition func(from, to State, inc *Incident)
	onEvent      func(incidentID string, ev Event)
	onClose      func(report ClosureReport)
}

// NewMachine creates a machine resting in Normal.
func NewMachine(config Config, metrics MetricsFn, logger zerolog.Logger) *Machine {
	return &Machine{
		config:  config,
		logger:  logger,
		metrics: metrics,
		state:   StateNormal,
	}
}

// OnTransition sets the callback invoked after each committed transition.
func (m *Machine) OnTransition(fn func(from, to State, inc *Incident)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// OnEvent sets the callback invoked for each event appended to an open
// incident, including the opening one.
func (m *Machine) OnEvent(fn func(incidentID string, ev Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = fn
}

// OnClose sets the callback invoked with the closure report.
func (m *Machine) OnClose(fn func(report ClosureReport)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = fn
}

// State returns the current machine state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active reports whether an incident is currently open.
func (m *Machine) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateActive || m.state == StateCooldown
}

// Current returns a copy of the open incident, if any.
func (m *Machine) Current() *Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	inc := *m.current
	inc.Events = append([]Event(nil), m.current.Events...)
	return &inc
}

// Signal reports a potential trigger. Critical triggers (exposure
// breach, volatility spike beyond the hard threshold, manual, repeated
// API failures) escalate straight to Active from any state; others pass
// through Watch with a debounce window.
func (m *Machine) Signal(trigger Trigger, detail string, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	switch m.state {
	case StateNormal:
		if critical {
			m.open(trigger, detail, now)
			return
		}
		m.watchSince = now
		m.watchLast = now
		m.watchTrigger = trigger
		m.transition(StateWatch)
		m.logger.Warn().Str("trigger", string(trigger)).Str("detail", detail).Msg("abnormal signal, watching")

	case StateWatch:
		if critical {
			m.open(trigger, detail, now)
			return
		}
		if now.Sub(m.watchSince) >= m.config.DebounceWindow {
			m.open(m.watchTrigger, detail, now)
			return
		}
		// Inside the window the signal counts toward persistence; the
		// stream must go quiet for a full window before Tick clears.
		m.watchLast = now

	case StateActive:
		m.appendEvent(trigger, detail, now)
		m.lastAnomaly = now

	case StateCooldown:
		// Any anomaly during cooldown resets the stabilization window
		// and returns to Active.
		m.appendEvent(trigger, detail, now)
		m.lastAnomaly = now
		m.transition(StateActive)
		m.logger.Warn().Str("trigger", string(trigger)).Msg("anomaly during cooldown, reopening")
	}
}

// Tick drives the time-based transitions. Call it once per cycle.
func (m *Machine) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateWatch:
		// The stream went quiet for a full window since the last signal;
		// informational only.
		if now.Sub(m.watchLast) >= m.config.DebounceWindow {
			m.transition(StateNormal)
		}

	case StateActive:
		ok := true
		if m.metrics != nil {
			ok, _ = m.metrics()
		}
		if ok && now.Sub(m.lastAnomaly) >= m.config.QuietWindow {
			m.cooldownSince = now
			m.transition(StateCooldown)
			m.logger.Info().Str("incident_id", m.current.ID).Msg("metrics stabilized, entering cooldown")
		}

	case StateCooldown:
		if now.Sub(m.cooldownSince) >= m.config.StabilizationWindow {
			m.close(now)
		}
	}
}

func (m *Machine) open(trigger Trigger, detail string, now time.Time) {
	m.current = &Incident{
		ID:       uuid.New().String(),
		OpenedAt: now,
		Trigger:  trigger,
	}
	m.appendEvent(trigger, detail, now)
	m.lastAnomaly = now
	if m.metrics != nil {
		_, m.metricsBefore = m.metrics()
	}
	m.transition(StateActive)
	m.logger.Error().
		Str("incident_id", m.current.ID).
		Str("trigger", string(trigger)).
		Str("detail", detail).
		Msg("incident opened")
}

func (m *Machine) close(now time.Time) {
	inc := m.current
	closedAt := now
	inc.ClosedAt = &closedAt
	inc.ReportRef = "report:" + inc.ID

	var after map[string]float64
	if m.metrics != nil {
		_, after = m.metrics()
	}
	report := ClosureReport{
		IncidentID:    inc.ID,
		Trigger:       inc.Trigger,
		OpenedAt:      inc.OpenedAt,
		ClosedAt:      closedAt,
		Events:        append([]Event(nil), inc.Events...),
		MetricsBefore: m.metricsBefore,
		MetricsAfter:  after,
	}

	m.transition(StateClosed)
	m.logger.Info().
		Str("incident_id", inc.ID).
		Int("events", len(inc.Events)).
		Msg("incident closed")

	// Closed rests immediately back at Normal once the report is out.
	m.current = nil
	m.metricsBefore = nil
	m.transition(StateNormal)

	if m.onClose != nil {
		go m.onClose(report)
	}
}

func (m *Machine) appendEvent(trigger Trigger, detail string, now time.Time) {
	if m.current == nil {
		return
	}
	ev := Event{
		Timestamp: now,
		Trigger:   trigger,
		Detail:    detail,
	}
	m.current.Events = append(m.current.Events, ev)
	if m.onEvent != nil {
		go m.onEvent(m.current.ID, ev)
	}
}

func (m *Machine) transition(to State) {
	from := m.state
	m.state = to
	if m.onTransition != nil {
		go m.onTransition(from, to, m.current)
	}
}
