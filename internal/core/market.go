package core

import "time"

// MarketDataSnapshot is one observation from the market-data collaborator.
type MarketDataSnapshot struct {
	Symbol             string    `json:"symbol"`
	Price              float64   `json:"price"`
	RealizedVolatility float64   `json:"realized_volatility"` // Annualized fraction, e.g. 0.65
	Timestamp          time.Time `json:"timestamp"`
}

// ExecutionOutcome is a confirmed fill reported by the execution collaborator.
type ExecutionOutcome struct {
	ProposalID string    `json:"proposal_id"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	StrategyID string    `json:"strategy_id"`
	FilledSize float64   `json:"filled_size"`
	FillPrice  float64   `json:"fill_price"`
	RealizedPnL float64  `json:"realized_pnl"` // Set on closing fills
	Closed     bool      `json:"closed"`
	Timestamp  time.Time `json:"timestamp"`
}

// ApiHealthSignal carries exchange API health from the execution collaborator.
type ApiHealthSignal struct {
	ErrorRate float64       `json:"error_rate"` // 0-1 over the reporting window
	Latency   time.Duration `json:"latency"`
	Failed    bool          `json:"failed"` // True when the last call errored
	Timestamp time.Time     `json:"timestamp"`
}
