package core

import "time"

// DecisionAction is the outcome of a risk evaluation.
type DecisionAction string

const (
	ActionApprove   DecisionAction = "APPROVE"
	ActionScaleDown DecisionAction = "SCALE_DOWN"
	ActionReject    DecisionAction = "REJECT"
	ActionBlockAll  DecisionAction = "BLOCK_ALL"
)

// Decision is the risk evaluator's verdict on a proposal.
type Decision struct {
	ProposalID       string         `json:"proposal_id"`
	Action           DecisionAction `json:"action"`
	Size             float64        `json:"size"`   // Approved size (0 on reject/block)
	Factor           float64        `json:"factor"` // Composed scaling factor applied to requested size
	Reason           string         `json:"reason"`
	PortfolioVersion uint64         `json:"portfolio_version"`
	EvaluatedAt      time.Time      `json:"evaluated_at"`
	Audits           []RuleAudit    `json:"audits"`
}

// RuleAudit records a single rule's evaluation, used later by
// effectiveness scoring.
type RuleAudit struct {
	RuleID    string  `json:"rule_id"`
	Tier      int     `json:"tier"`
	Input     float64 `json:"input"`
	Threshold float64 `json:"threshold"`
	Factor    float64 `json:"factor"` // 1.0 = pass-through
	Outcome   string  `json:"outcome"`
}

// Intervened reports whether the decision constrained the proposal.
func (d Decision) Intervened() bool {
	return d.Action == ActionScaleDown || d.Action == ActionReject || d.Action == ActionBlockAll
}
