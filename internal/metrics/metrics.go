// Package metrics exposes prometheus collectors for the risk
// controller. Everything registers through promauto at init; the HTTP
// surface serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DecisionsTotal counts risk decisions by action and symbol.
var DecisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskbrain",
		Subsystem: "evaluator",
		Name:      "decisions_total",
		Help:      "Total number of risk decisions",
	},
	[]string{"action", "symbol"},
)

// EvaluationLatency tracks the evaluator's decision latency.
var EvaluationLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "riskbrain",
		Subsystem: "evaluator",
		Name:      "evaluation_latency_ms",
		Help:      "Time to evaluate one proposal in milliseconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	},
)

// RuleViolationsTotal counts per-rule violations recorded in audits.
var RuleViolationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskbrain",
		Subsystem: "evaluator",
		Name:      "rule_violations_total",
		Help:      "Total number of rule violations by rule",
	},
	[]string{"rule"},
)

// IncidentState reports the incident machine state as a gauge
// (0=normal 1=watch 2=active 3=cooldown).
var IncidentState = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskbrain",
		Subsystem: "incident",
		Name:      "state",
		Help:      "Current incident state (0=normal 1=watch 2=active 3=cooldown)",
	},
)

// IncidentsTotal counts opened incidents by trigger.
var IncidentsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskbrain",
		Subsystem: "incident",
		Name:      "incidents_total",
		Help:      "Total number of opened incidents",
	},
	[]string{"trigger"},
)

// PreservationMultiplier reports the capital preservation multiplier.
var PreservationMultiplier = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskbrain",
		Subsystem: "incident",
		Name:      "preservation_multiplier",
		Help:      "Current capital preservation limit multiplier",
	},
)

// GovernorBudgetRemaining reports remaining change budget by window.
var GovernorBudgetRemaining = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "riskbrain",
		Subsystem: "governor",
		Name:      "budget_remaining",
		Help:      "Remaining self-modification budget",
	},
	[]string{"window"}, // cycle, day
)

// LimitAdjustmentsTotal counts applied limit adjustments by rule.
var LimitAdjustmentsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskbrain",
		Subsystem: "learning",
		Name:      "limit_adjustments_total",
		Help:      "Total number of applied limit adjustments",
	},
	[]string{"rule"},
)

// EffectivenessScore reports the learned score per rule.
var EffectivenessScore = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "riskbrain",
		Subsystem: "learning",
		Name:      "effectiveness_score",
		Help:      "Learned effectiveness score per rule",
	},
	[]string{"rule"},
)

// PortfolioDrawdown reports the current daily drawdown percent.
var PortfolioDrawdown = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskbrain",
		Subsystem: "portfolio",
		Name:      "daily_drawdown_percent",
		Help:      "Current daily drawdown in percent of peak equity",
	},
)

// PortfolioGrossExposure reports the current gross exposure.
var PortfolioGrossExposure = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskbrain",
		Subsystem: "portfolio",
		Name:      "gross_exposure",
		Help:      "Current gross notional exposure",
	},
)

// KillSwitchEngaged reports whether the kill-switch is engaged.
var KillSwitchEngaged = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskbrain",
		Subsystem: "controller",
		Name:      "kill_switch_engaged",
		Help:      "Whether the kill-switch is engaged (1) or not (0)",
	},
)
