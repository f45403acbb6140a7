package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction of a proposed trade.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// TradeProposal is a strategy's request to open or adjust a position.
// Immutable once created; the evaluator never mutates it.
type TradeProposal struct {
	ID            string     `json:"id"`
	Symbol        string     `json:"symbol"`
	Direction     Direction  `json:"direction"`
	RequestedSize float64    `json:"requested_size"` // Notional size in quote currency
	StrategyID    string     `json:"strategy_id"`
	Confidence    *float64   `json:"confidence,omitempty"` // 0-1, nil = neutral
	Timestamp     time.Time  `json:"timestamp"`
}

// NewTradeProposal creates a proposal with a generated ID and timestamp.
func NewTradeProposal(symbol string, direction Direction, size float64, strategyID string) TradeProposal {
	return TradeProposal{
		ID:            uuid.New().String(),
		Symbol:        symbol,
		Direction:     direction,
		RequestedSize: size,
		StrategyID:    strategyID,
		Timestamp:     time.Now(),
	}
}

// Validate checks the proposal for basic sanity before risk evaluation
func (p TradeProposal) Validate() (bool, string) {
	if p.Direction != DirectionLong && p.Direction != DirectionShort {
		return false, fmt.Sprintf("invalid direction %q (must be LONG/SHORT)", p.Direction)
	}
	if p.RequestedSize <= 0 {
		return false, fmt.Sprintf("invalid size %.8f (must be > 0)", p.RequestedSize)
	}
	if p.Symbol == "" {
		return false, "missing symbol"
	}
	if p.StrategyID == "" {
		return false, "missing strategy id"
	}
	if p.Confidence != nil && (*p.Confidence < 0 || *p.Confidence > 1) {
		return false, fmt.Sprintf("invalid confidence %.4f (must be in [0,1])", *p.Confidence)
	}
	return true, ""
}

// ConfidenceOrNeutral returns the proposal confidence, or 0.5 when absent.
func (p TradeProposal) ConfidenceOrNeutral() float64 {
	if p.Confidence == nil {
		return 0.5
	}
	return *p.Confidence
}
