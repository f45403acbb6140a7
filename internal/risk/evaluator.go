package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"trading-risk-controller/internal/core"
	"trading-risk-controller/internal/portfolio"
	"trading-risk-controller/internal/regime"
)

// EvalContext carries everything one evaluation reads. All fields are
// snapshots; Evaluate has no side effects beyond the returned decision
// and its audit records.
type EvalContext struct {
	Portfolio portfolio.State
	Regime    regime.State

	// RegimeBias returns the bounded Tier-3 size bias for a regime,
	// fed by regime memory. Nil means neutral.
	RegimeBias func(label regime.Label) float64

	IncidentActive bool
	// PreservationMultiplier tightens Tier-1..3 limits while capital
	// preservation is active. 1.0 when inactive.
	PreservationMultiplier float64
	KillSwitch             bool
}

// Evaluator runs the four-tier risk evaluation. It is a pure function of
// (proposal, context, limits); the limit table is the only shared state
// and is read-locked per rule lookup.
type Evaluator struct {
	limits *Limits
	logger zerolog.Logger
}

// NewEvaluator creates an evaluator over the shared limit table.
func NewEvaluator(limits *Limits, logger zerolog.Logger) *Evaluator {
	return &Evaluator{limits: limits, logger: logger}
}

// Evaluate runs tiers in fixed order, short-circuiting on the first hard
// rejection. All scaling factors compose multiplicatively; ties at a
// limit count as violations.
func (e *Evaluator) Evaluate(p core.TradeProposal, ctx EvalContext) core.Decision {
	d := core.Decision{
		ProposalID:       p.ID,
		PortfolioVersion: ctx.Portfolio.Version,
		EvaluatedAt:      time.Now(),
		Factor:           1.0,
	}

	// Tier 4 gates come first: the kill-switch overrides everything,
	// and incident/preservation tighten the limits tiers 1-3 see.
	if ctx.KillSwitch {
		d.Action = core.ActionBlockAll
		d.Reason = "kill-switch engaged"
		d.Audits = append(d.Audits, core.RuleAudit{
			RuleID: RuleKillSwitch, Tier: 4, Input: 1, Threshold: 0, Factor: 0, Outcome: "block_all",
		})
		return d
	}

	if ok, reason := p.Validate(); !ok {
		d.Action = core.ActionReject
		d.Reason = fmt.Sprintf("invalid proposal: %s", reason)
		return d
	}

	tighten := ctx.PreservationMultiplier
	if tighten <= 0 || tighten > 1 {
		tighten = 1.0
	}
	if ctx.IncidentActive && tighten == 1.0 {
		// Incident without an explicit preservation multiplier still
		// tightens; preservation is forced active during incidents.
		tighten = 0.5
	}

	factor := 1.0
	signed := p.RequestedSize
	if p.Direction == core.DirectionShort {
		signed = -signed
	}

	// === Tier 1: trade-level ===
	maxPos := e.limits.Value(RuleMaxPositionSize) * tighten
	_, projSym := portfolio.ProjectedExposure(ctx.Portfolio, p.Symbol, signed)
	if abs(projSym) >= maxPos {
		headroom := maxPos - abs(ctx.Portfolio.PerSymbolExposure[p.Symbol])
		f := ruleFactor(headroom, p.RequestedSize)
		factor *= f
		d.Audits = append(d.Audits, audit(RuleMaxPositionSize, 1, abs(projSym), maxPos, f))
		if f <= 0 {
			return e.reject(d, RuleMaxPositionSize, "symbol position limit leaves no headroom")
		}
	} else {
		d.Audits = append(d.Audits, audit(RuleMaxPositionSize, 1, abs(projSym), maxPos, 1))
	}

	maxLev := e.limits.Value(RuleMaxLeverage) * tighten
	if ctx.Portfolio.Equity > 0 {
		projGross, _ := portfolio.ProjectedExposure(ctx.Portfolio, p.Symbol, signed)
		projLev := projGross / ctx.Portfolio.Equity
		if projLev >= maxLev {
			allowedGross := maxLev * ctx.Portfolio.Equity
			headroom := allowedGross - ctx.Portfolio.GrossExposure
			f := ruleFactor(headroom, p.RequestedSize)
			factor *= f
			d.Audits = append(d.Audits, audit(RuleMaxLeverage, 1, projLev, maxLev, f))
			if f <= 0 {
				return e.reject(d, RuleMaxLeverage, "leverage limit leaves no headroom")
			}
		} else {
			d.Audits = append(d.Audits, audit(RuleMaxLeverage, 1, projLev, maxLev, 1))
		}
	}

	// Liquidation distance, approximated through projected margin
	// utilization: utilization grows proportionally with gross exposure.
	maxMargin := e.limits.Value(RuleLiquidationDistance) * tighten
	if ctx.Portfolio.GrossExposure > 0 && ctx.Portfolio.MarginUtilization > 0 {
		projGross, _ := portfolio.ProjectedExposure(ctx.Portfolio, p.Symbol, signed)
		projMargin := ctx.Portfolio.MarginUtilization * projGross / ctx.Portfolio.GrossExposure
		if projMargin >= maxMargin {
			allowedGross := maxMargin / ctx.Portfolio.MarginUtilization * ctx.Portfolio.GrossExposure
			headroom := allowedGross - ctx.Portfolio.GrossExposure
			f := ruleFactor(headroom, p.RequestedSize)
			factor *= f
			d.Audits = append(d.Audits, audit(RuleLiquidationDistance, 1, projMargin, maxMargin, f))
			if f <= 0 {
				return e.reject(d, RuleLiquidationDistance, "too close to liquidation threshold")
			}
		} else {
			d.Audits = append(d.Audits, audit(RuleLiquidationDistance, 1, projMargin, maxMargin, 1))
		}
	}

	// === Tier 2: portfolio-level ===
	maxGross := e.limits.Value(RuleMaxGrossExposure) * tighten
	projGross, _ := portfolio.ProjectedExposure(ctx.Portfolio, p.Symbol, signed)
	if projGross >= maxGross {
		headroom := maxGross - ctx.Portfolio.GrossExposure
		f := ruleFactor(headroom, p.RequestedSize)
		factor *= f
		d.Audits = append(d.Audits, audit(RuleMaxGrossExposure, 2, projGross, maxGross, f))
		if f <= 0 {
			return e.reject(d, RuleMaxGrossExposure, "gross exposure limit leaves no headroom")
		}
	} else {
		d.Audits = append(d.Audits, audit(RuleMaxGrossExposure, 2, projGross, maxGross, 1))
	}

	// Concentration is only meaningful against existing exposure; the
	// first position in an empty book is always 100% concentrated.
	maxConc := e.limits.Value(RuleMaxConcentration) * tighten
	if projGross > 0 && ctx.Portfolio.GrossExposure > abs(ctx.Portfolio.PerSymbolExposure[p.Symbol]) {
		conc := abs(projSym) / projGross
		if conc >= maxConc {
			// Largest addition keeping |sym| < maxConc * gross.
			existing := abs(ctx.Portfolio.PerSymbolExposure[p.Symbol])
			rest := ctx.Portfolio.GrossExposure - existing
			headroom := (maxConc*rest - (1-maxConc)*existing) / (1 - maxConc)
			f := ruleFactor(headroom, p.RequestedSize)
			factor *= f
			d.Audits = append(d.Audits, audit(RuleMaxConcentration, 2, conc, maxConc, f))
			if f <= 0 {
				return e.reject(d, RuleMaxConcentration, "symbol concentration limit leaves no headroom")
			}
		} else {
			d.Audits = append(d.Audits, audit(RuleMaxConcentration, 2, conc, maxConc, 1))
		}
	}

	// Drawdown scaling: piecewise-linear multiplier, 1.0 at the soft
	// threshold down to 0 at the hard kill level.
	ddThreshold := e.limits.Value(RuleDrawdownScaling) * tighten
	killLevel := e.limits.DrawdownKillPercent()
	dd := ctx.Portfolio.DailyDrawdown
	if dd >= killLevel {
		d.Action = core.ActionBlockAll
		d.Reason = fmt.Sprintf("daily drawdown %.2f%% at or above kill level %.2f%%", dd, killLevel)
		d.Audits = append(d.Audits, audit(RuleDrawdownScaling, 2, dd, killLevel, 0))
		return d
	}
	if dd >= ddThreshold {
		f := 1 - (dd-ddThreshold)/(killLevel-ddThreshold)
		if f < 0 {
			f = 0
		}
		factor *= f
		d.Audits = append(d.Audits, audit(RuleDrawdownScaling, 2, dd, ddThreshold, f))
		if f <= 0 {
			return e.reject(d, RuleDrawdownScaling, "drawdown multiplier reduced size to zero")
		}
	} else {
		d.Audits = append(d.Audits, audit(RuleDrawdownScaling, 2, dd, ddThreshold, 1))
	}

	maxVaR := e.limits.Value(RuleMaxVaR) * tighten
	if ctx.Portfolio.GrossExposure > 0 && ctx.Portfolio.EstimatedVaR > 0 {
		projVaR := ctx.Portfolio.EstimatedVaR * projGross / ctx.Portfolio.GrossExposure
		if projVaR >= maxVaR {
			allowedGross := maxVaR / ctx.Portfolio.EstimatedVaR * ctx.Portfolio.GrossExposure
			headroom := allowedGross - ctx.Portfolio.GrossExposure
			f := ruleFactor(headroom, p.RequestedSize)
			factor *= f
			d.Audits = append(d.Audits, audit(RuleMaxVaR, 2, projVaR, maxVaR, f))
			if f <= 0 {
				return e.reject(d, RuleMaxVaR, "projected VaR exceeds cap")
			}
		} else {
			d.Audits = append(d.Audits, audit(RuleMaxVaR, 2, projVaR, maxVaR, 1))
		}
	}

	// === Tier 3: market-condition ===
	volBaseline := e.limits.Value(RuleVolatilityScalar)
	volScore := ctx.Regime.VolatilityScore
	if volScore > volBaseline && volScore > 0 {
		// Never scales up beyond 1.0.
		f := volBaseline / volScore
		factor *= f
		d.Audits = append(d.Audits, audit(RuleVolatilityScalar, 3, volScore, volBaseline, f))
	} else {
		d.Audits = append(d.Audits, audit(RuleVolatilityScalar, 3, volScore, volBaseline, 1))
	}

	// Strategy confidence below neutral scales the size down; high
	// confidence never scales up.
	if conf := p.ConfidenceOrNeutral(); conf < 0.5 {
		f := conf / 0.5
		factor *= f
		d.Audits = append(d.Audits, audit(RuleConfidenceScalar, 3, conf, 0.5, f))
	} else {
		d.Audits = append(d.Audits, audit(RuleConfidenceScalar, 3, conf, 0.5, 1))
	}

	if ctx.RegimeBias != nil {
		bias := ctx.RegimeBias(ctx.Regime.Label)
		if bias < 1-RegimeBiasCap {
			bias = 1 - RegimeBiasCap
		}
		if bias > 1+RegimeBiasCap {
			bias = 1 + RegimeBiasCap
		}
		factor *= bias
		d.Audits = append(d.Audits, audit(RuleRegimeBias, 3, bias, 1, bias))
	}

	// === Final sizing ===
	size := p.RequestedSize * factor
	hardCeiling := hardCeilingSize(e.limits, tighten)
	if size > hardCeiling {
		size = hardCeiling
		factor = size / p.RequestedSize
	}
	d.Factor = factor
	if factor <= 0 || size < e.limits.MinTradeSize() {
		d.Action = core.ActionReject
		d.Reason = fmt.Sprintf("scaled size %.4f rounds to zero (min %.4f)", size, e.limits.MinTradeSize())
		d.Size = 0
		return d
	}

	d.Size = size
	if size < p.RequestedSize {
		d.Action = core.ActionScaleDown
		d.Reason = fmt.Sprintf("scaled to %.4f (factor %.4f)", size, factor)
	} else {
		d.Action = core.ActionApprove
		d.Reason = "within limits"
	}

	e.logger.Debug().
		Str("proposal_id", p.ID).
		Str("symbol", p.Symbol).
		Str("action", string(d.Action)).
		Float64("requested", p.RequestedSize).
		Float64("approved", d.Size).
		Float64("factor", factor).
		Msg("proposal evaluated")
	return d
}

func (e *Evaluator) reject(d core.Decision, ruleID, reason string) core.Decision {
	d.Action = core.ActionReject
	d.Reason = fmt.Sprintf("%s: %s", ruleID, reason)
	d.Size = 0
	d.Factor = 0
	return d
}

// ruleFactor converts the remaining headroom under a limit into a
// multiplicative scaling factor on the requested size.
func ruleFactor(headroom, requested float64) float64 {
	if headroom <= 0 || requested <= 0 {
		return 0
	}
	f := headroom / requested
	if f > 1 {
		f = 1
	}
	return f
}

// hardCeilingSize is the tightest absolute cap on a single trade for
// the active state: the position-size rule's hard ceiling, tightened
// under capital preservation.
func hardCeilingSize(limits *Limits, tighten float64) float64 {
	lim, ok := limits.Get(RuleMaxPositionSize)
	if !ok {
		return 0
	}
	return lim.Ceiling * tighten
}

func audit(ruleID string, tier int, input, threshold, factor float64) core.RuleAudit {
	outcome := "pass"
	if factor < 1 {
		outcome = "scale_down"
	}
	if factor <= 0 {
		outcome = "reject"
	}
	if factor > 1 {
		outcome = "bias_up"
	}
	return core.RuleAudit{
		RuleID:    ruleID,
		Tier:      tier,
		Input:     input,
		Threshold: threshold,
		Factor:    factor,
		Outcome:   outcome,
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
