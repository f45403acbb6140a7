package incident

import (
	"sync"
	"time"
)

// PreservationState is a snapshot of capital preservation mode.
type PreservationState struct {
	Active       bool      `json:"active"`
	ActivatedAt  time.Time `json:"activated_at,omitempty"`
	Ramping      bool      `json:"ramping"`
	RampProgress float64   `json:"ramp_progress"` // Fraction of normal limits restored
	Multiplier   float64   `json:"multiplier"`
}

// PreservationConfig holds capital preservation parameters.
type PreservationConfig struct {
	FloorMultiplier float64 `json:"floor_multiplier"` // Tightening applied while active
	RampCycles      int     `json:"ramp_cycles"`      // Cycles to restore full limits
}

// DefaultPreservationConfig returns preservation defaults.
func DefaultPreservationConfig() PreservationConfig {
	return PreservationConfig{
		FloorMultiplier: 0.5,
		RampCycles:      20,
	}
}

// Preservation derives the tightened limit multiplier applied to
// Tier 1-3 limits while the system recovers from stress. While an
// incident is open the multiplier sits at the floor; once the incident
// closes the multiplier ramps linearly back to 1.0, and any anomaly
// during the ramp restarts it from the floor.
type Preservation struct {
	mu       sync.Mutex
	config   PreservationConfig
	active   bool
	ramping  bool
	progress float64
	since    time.Time
}

// NewPreservation creates an inactive controller.
func NewPreservation(config PreservationConfig) *Preservation {
	if config.RampCycles <= 0 {
		config.RampCycles = DefaultPreservationConfig().RampCycles
	}
	if config.FloorMultiplier <= 0 || config.FloorMultiplier >= 1 {
		config.FloorMultiplier = DefaultPreservationConfig().FloorMultiplier
	}
	return &Preservation{config: config}
}

// Activate pins the multiplier at the floor. Forced whenever an
// incident is active.
func (p *Preservation) Activate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		p.since = time.Now()
	}
	p.active = true
	p.ramping = false
	p.progress = 0
}

// BeginRamp starts restoring limits after the incident closes.
func (p *Preservation) BeginRamp() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	p.ramping = true
	p.progress = 0
}

// AdvanceCycle moves the ramp forward one cycle. Returns true when the
// ramp completes and preservation deactivates.
func (p *Preservation) AdvanceCycle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || !p.ramping {
		return false
	}
	p.progress += 1.0 / float64(p.config.RampCycles)
	if p.progress >= 1 {
		p.active = false
		p.ramping = false
		p.progress = 1
		return true
	}
	return false
}

// Interrupt drops the multiplier back to the floor. Called on any
// anomaly while preservation is active. An in-progress ramp keeps
// running from the floor on subsequent cycles; while an open incident
// pins the floor the call changes nothing.
func (p *Preservation) Interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	p.progress = 0
}

// Active reports whether preservation mode is engaged.
func (p *Preservation) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Multiplier returns the current limit tightening multiplier: 1.0 when
// inactive, the floor while active, rising linearly during the ramp.
func (p *Preservation) Multiplier() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.multiplierLocked()
}

func (p *Preservation) multiplierLocked() float64 {
	if !p.active {
		return 1.0
	}
	floor := p.config.FloorMultiplier
	return floor + p.progress*(1-floor)
}

// Snapshot returns the current preservation state.
func (p *Preservation) Snapshot() PreservationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PreservationState{
		Active:       p.active,
		ActivatedAt:  p.since,
		Ramping:      p.ramping,
		RampProgress: p.progress,
		Multiplier:   p.multiplierLocked(),
	}
}
