// Package governor bounds the rate and magnitude of all self-modifying
// behavior. Every limit or allocation change passes through here; the
// governor clips requests against per-cycle and per-day budgets,
// enforces per-rule cooldowns, and refuses everything during a
// learning freeze.
package governor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ChangeKind distinguishes what a change request targets.
type ChangeKind string

const (
	KindLimit      ChangeKind = "limit"
	KindAllocation ChangeKind = "allocation"
)

// Config holds governor budgets.
type Config struct {
	CycleBudget  float64       `json:"cycle_budget"` // Total absolute change per cycle
	DayBudget    float64       `json:"day_budget"`   // Total absolute change per day
	RuleCooldown time.Duration `json:"rule_cooldown"`
}

// DefaultConfig returns governor defaults.
func DefaultConfig() Config {
	return Config{
		CycleBudget:  0.05,
		DayBudget:    0.20,
		RuleCooldown: 10 * time.Minute,
	}
}

// Budget is a snapshot of the governor's consumed/remaining budgets.
type Budget struct {
	CycleUsed      float64 `json:"cycle_used"`
	CycleRemaining float64 `json:"cycle_remaining"`
	DayUsed        float64 `json:"day_used"`
	DayRemaining   float64 `json:"day_remaining"`
}

// ChangeRecord is one accepted change in the append-only log.
type ChangeRecord struct {
	Kind      ChangeKind `json:"kind"`
	TargetID  string     `json:"target_id"`
	Requested float64    `json:"requested"`
	Applied   float64    `json:"applied"`
	Timestamp time.Time  `json:"timestamp"`
}

// FreezeFn reports whether learning writes are currently suspended.
type FreezeFn func() bool

// Governor arbitrates self-modification requests. All budget counters
// live behind one mutex; requests are processed sequentially.
type Governor struct {
	mu     sync.Mutex
	config Config
	logger zerolog.Logger
	frozen FreezeFn

	cycleUsed  float64
	dayUsed    float64
	dayReset   time.Time
	lastChange map[string]time.Time
	changeLog  []ChangeRecord
}

// New creates a governor. frozen may be nil.
func New(config Config, frozen FreezeFn, logger zerolog.Logger) *Governor {
	return &Governor{
		config:     config,
		logger:     logger,
		frozen:     frozen,
		dayReset:   time.Now().Truncate(24 * time.Hour),
		lastChange: make(map[string]time.Time),
	}
}

// RequestChange asks to move a rule threshold or strategy allocation by
// proposedDelta. Returns the bounded delta actually granted. A zero
// grant with ok=false means the request was denied outright.
func (g *Governor) RequestChange(kind ChangeKind, targetID string, proposedDelta float64) (float64, bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen != nil && g.frozen() {
		return 0, false, "learning freeze active"
	}
	if proposedDelta == 0 {
		return 0, false, "zero delta"
	}

	g.checkDayReset()

	now := time.Now()
	if last, ok := g.lastChange[targetID]; ok && now.Sub(last) < g.config.RuleCooldown {
		remaining := g.config.RuleCooldown - now.Sub(last)
		return 0, false, "cooldown active for " + targetID + " (" + remaining.Round(time.Second).String() + " remaining)"
	}

	magnitude := abs(proposedDelta)
	cycleRemaining := g.config.CycleBudget - g.cycleUsed
	dayRemaining := g.config.DayBudget - g.dayUsed
	allowed := min(magnitude, min(cycleRemaining, dayRemaining))
	if allowed <= 0 {
		return 0, false, "change budget exhausted"
	}

	granted := allowed
	if proposedDelta < 0 {
		granted = -allowed
	}

	g.cycleUsed += allowed
	g.dayUsed += allowed
	g.lastChange[targetID] = now
	g.changeLog = append(g.changeLog, ChangeRecord{
		Kind:      kind,
		TargetID:  targetID,
		Requested: proposedDelta,
		Applied:   granted,
		Timestamp: now,
	})

	g.logger.Info().
		Str("kind", string(kind)).
		Str("target", targetID).
		Float64("requested", proposedDelta).
		Float64("granted", granted).
		Msg("change accepted")

	if allowed < magnitude {
		return granted, true, "clipped to remaining budget"
	}
	return granted, true, ""
}

// ResetCycle clears the per-cycle budget. Unused budget does not carry
// over.
func (g *Governor) ResetCycle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cycleUsed = 0
}

// Budget returns the current budget snapshot.
func (g *Governor) Budget() Budget {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkDayReset()
	return Budget{
		CycleUsed:      g.cycleUsed,
		CycleRemaining: g.config.CycleBudget - g.cycleUsed,
		DayUsed:        g.dayUsed,
		DayRemaining:   g.config.DayBudget - g.dayUsed,
	}
}

// ChangeLog returns a copy of the append-only accepted-change log.
func (g *Governor) ChangeLog() []ChangeRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ChangeRecord(nil), g.changeLog...)
}

func (g *Governor) checkDayReset() {
	today := time.Now().Truncate(24 * time.Hour)
	if today.After(g.dayReset) {
		g.dayUsed = 0
		g.dayReset = today
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
