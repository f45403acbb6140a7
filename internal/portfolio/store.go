// Package portfolio owns the authoritative portfolio state. All readers
// see a consistent versioned snapshot; mutations happen only through the
// Store and each one increments the version atomically.
package portfolio

import (
	"errors"
	"math"
	"sync"
	"time"

	"trading-risk-controller/internal/core"
)

// ErrStaleSnapshot is returned when a commit check runs against a
// snapshot older than the latest committed version.
var ErrStaleSnapshot = errors.New("portfolio snapshot is stale")

// VaR confidence multiplier (one-tailed 95%).
const varZScore = 1.65

// State is an immutable snapshot of the portfolio. Copies are safe to
// hand to concurrent evaluators.
type State struct {
	Version           uint64             `json:"version"`
	GrossExposure     float64            `json:"gross_exposure"`
	NetExposure       float64            `json:"net_exposure"`
	PerSymbolExposure map[string]float64 `json:"per_symbol_exposure"` // Signed notional per symbol
	Equity            float64            `json:"equity"`
	DailyPnL          float64            `json:"daily_pnl"`
	DailyDrawdown     float64            `json:"daily_drawdown"` // Percent below the daily equity peak
	EstimatedVaR      float64            `json:"estimated_var"`
	MarginUtilization float64            `json:"margin_utilization"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Store serializes all read-modify-write sequences on portfolio state.
type Store struct {
	mu         sync.RWMutex
	state      State
	peakEquity float64
	dailyReset time.Time

	// Exposure-weighted portfolio volatility for the VaR estimate,
	// updated from market data snapshots.
	symbolVol map[string]float64
}

// NewStore creates a store seeded with the starting equity.
func NewStore(startingEquity float64) *Store {
	now := time.Now()
	return &Store{
		state: State{
			Version:           1,
			PerSymbolExposure: make(map[string]float64),
			Equity:            startingEquity,
			UpdatedAt:         now,
		},
		peakEquity: startingEquity,
		dailyReset: now.Truncate(24 * time.Hour),
		symbolVol:  make(map[string]float64),
	}
}

// Snapshot returns a consistent copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyState()
}

// Version returns the latest committed version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Version
}

// CheckFresh reports whether a snapshot version is still the latest.
// Evaluations made against an older version must be retried.
func (s *Store) CheckFresh(version uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if version != s.state.Version {
		return ErrStaleSnapshot
	}
	return nil
}

// ApplyFill applies a confirmed execution outcome atomically with a
// version increment and returns the new snapshot.
func (s *Store) ApplyFill(outcome core.ExecutionOutcome) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkDailyReset()

	notional := outcome.FilledSize
	if outcome.Direction == core.DirectionShort {
		notional = -notional
	}
	if outcome.Closed {
		// Closing fill unwinds exposure instead of adding to it.
		notional = -notional
		s.state.DailyPnL += outcome.RealizedPnL
		s.state.Equity += outcome.RealizedPnL
	}
	s.state.PerSymbolExposure[outcome.Symbol] += notional
	if math.Abs(s.state.PerSymbolExposure[outcome.Symbol]) < 1e-9 {
		delete(s.state.PerSymbolExposure, outcome.Symbol)
	}

	s.recomputeExposure()
	s.recomputeDrawdown()
	s.recomputeVaR()

	s.state.Version++
	s.state.UpdatedAt = time.Now()
	return s.copyState()
}

// UpdateVolatility records a symbol's realized volatility for the VaR
// estimate and refreshes derived fields under a new version.
func (s *Store) UpdateVolatility(symbol string, vol float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbolVol[symbol] = vol
	s.recomputeVaR()
	s.state.Version++
	s.state.UpdatedAt = time.Now()
}

// SetMarginUtilization updates the margin utilization fraction reported
// by the execution collaborator.
func (s *Store) SetMarginUtilization(utilization float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.MarginUtilization = utilization
	s.state.Version++
	s.state.UpdatedAt = time.Now()
}

func (s *Store) recomputeExposure() {
	gross, net := 0.0, 0.0
	for _, exp := range s.state.PerSymbolExposure {
		gross += math.Abs(exp)
		net += exp
	}
	s.state.GrossExposure = gross
	s.state.NetExposure = net
}

func (s *Store) recomputeDrawdown() {
	if s.state.Equity > s.peakEquity {
		s.peakEquity = s.state.Equity
	}
	if s.peakEquity > 0 {
		s.state.DailyDrawdown = (s.peakEquity - s.state.Equity) / s.peakEquity * 100
	}
}

// recomputeVaR uses a parametric estimate: exposure-weighted volatility
// times gross exposure at the 95% one-day level.
func (s *Store) recomputeVaR() {
	if s.state.GrossExposure <= 0 {
		s.state.EstimatedVaR = 0
		return
	}
	weighted := 0.0
	for symbol, exp := range s.state.PerSymbolExposure {
		vol, ok := s.symbolVol[symbol]
		if !ok {
			vol = 0.5 // Conservative default for unseen symbols
		}
		weighted += math.Abs(exp) * vol
	}
	dailyVol := weighted / math.Sqrt(252)
	s.state.EstimatedVaR = varZScore * dailyVol
}

// checkDailyReset resets daily PnL and the drawdown peak on a new day.
func (s *Store) checkDailyReset() {
	today := time.Now().Truncate(24 * time.Hour)
	if today.After(s.dailyReset) {
		s.state.DailyPnL = 0
		s.state.DailyDrawdown = 0
		s.peakEquity = s.state.Equity
		s.dailyReset = today
	}
}

func (s *Store) copyState() State {
	out := s.state
	out.PerSymbolExposure = make(map[string]float64, len(s.state.PerSymbolExposure))
	for k, v := range s.state.PerSymbolExposure {
		out.PerSymbolExposure[k] = v
	}
	return out
}

// ProjectedExposure returns the gross and per-symbol exposure a snapshot
// would have after adding a signed notional to a symbol.
func ProjectedExposure(snap State, symbol string, notional float64) (gross, symbolExposure float64) {
	symbolExposure = snap.PerSymbolExposure[symbol] + notional
	gross = snap.GrossExposure - math.Abs(snap.PerSymbolExposure[symbol]) + math.Abs(symbolExposure)
	return gross, symbolExposure
}
