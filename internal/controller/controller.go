// Package controller orchestrates the risk brain: it owns the
// evaluation pipeline, feeds outcomes back into portfolio state and
// learning, drives the incident machine and publishes state to
// external collaborators.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-risk-controller/internal/core"
	"trading-risk-controller/internal/database"
	"trading-risk-controller/internal/events"
	"trading-risk-controller/internal/governor"
	"trading-risk-controller/internal/incident"
	"trading-risk-controller/internal/learning"
	"trading-risk-controller/internal/metrics"
	"trading-risk-controller/internal/portfolio"
	"trading-risk-controller/internal/regime"
	"trading-risk-controller/internal/risk"
)

// ErrEvaluationConflict is returned when every evaluation attempt ran
// against a portfolio snapshot that went stale before commit.
var ErrEvaluationConflict = errors.New("evaluation conflicted with concurrent portfolio updates")

// maxEvalRetries bounds optimistic-concurrency retries per proposal.
const maxEvalRetries = 3

// Config holds controller-level parameters.
type Config struct {
	CycleInterval       time.Duration `json:"cycle_interval"`
	APIFailureThreshold int           `json:"api_failure_threshold"` // Streak that engages the kill-switch
	StartingEquity      float64       `json:"starting_equity"`
}

// DefaultConfig returns controller defaults.
func DefaultConfig() Config {
	return Config{
		CycleInterval:       10 * time.Second,
		APIFailureThreshold: 5,
		StartingEquity:      100000,
	}
}

// Controller wires the risk brain together.
type Controller struct {
	config Config
	logger zerolog.Logger

	store        *portfolio.Store
	classifier   *regime.Classifier
	limits       *risk.Limits
	evaluator    *risk.Evaluator
	machine      *incident.Machine
	preservation *incident.Preservation
	gov          *governor.Governor
	engine       *learning.Engine
	bus          *events.EventBus
	repo         *database.Repository
	riskState    *database.RedisRiskStateRepository

	mu               sync.RWMutex
	killSwitch       bool
	killSwitchReason string
	apiFailureStreak int
	lastRegime       regime.Label
	scoresAtOpen     map[string]learning.Score
}

// New builds the full controller graph from config.
func New(cfg Config, limitsCfg risk.LimitsConfig, regimeCfg regime.Config, incidentCfg incident.Config,
	preservationCfg incident.PreservationConfig, govCfg governor.Config, learningCfg learning.EngineConfig,
	repo *database.Repository, riskState *database.RedisRiskStateRepository, bus *events.EventBus,
	logger zerolog.Logger) *Controller {

	c := &Controller{
		config:     cfg,
		logger:     logger,
		store:      portfolio.NewStore(cfg.StartingEquity),
		classifier: regime.NewClassifier(regimeCfg),
		limits:     risk.NewLimits(limitsCfg),
		bus:        bus,
		repo:       repo,
		riskState:  riskState,
	}

	c.evaluator = risk.NewEvaluator(c.limits, logger)
	c.preservation = incident.NewPreservation(preservationCfg)
	c.machine = incident.NewMachine(incidentCfg, c.stabilityMetrics, logger)
	c.gov = governor.New(govCfg, c.learningFrozen, logger)
	c.engine = learning.NewEngine(learningCfg, c.limits, c.gov, c.learningFrozen, logger)

	c.machine.OnTransition(c.onIncidentTransition)
	c.machine.OnEvent(c.onIncidentEvent)
	c.machine.OnClose(c.onIncidentClose)
	return c
}

// RestoreLimits replays journaled limit adjustments over the seed
// config so soft thresholds survive a restart. No-op without a
// database.
func (c *Controller) RestoreLimits(ctx context.Context) error {
	adjustments, err := c.repo.ReplayAdjustments(ctx)
	if err != nil {
		return fmt.Errorf("failed to replay limit adjustments: %w", err)
	}
	for _, adj := range adjustments {
		if _, err := c.limits.ApplyDelta(adj.RuleID, adj.Delta); err != nil {
			c.logger.Warn().Err(err).Str("rule", adj.RuleID).Msg("skipping unreplayable adjustment")
		}
	}
	if len(adjustments) > 0 {
		c.logger.Info().Int("adjustments", len(adjustments)).Msg("limit table restored from journal")
	}
	return nil
}

// learningFrozen gates all self-modification: any open incident or
// active capital preservation suspends learning writes.
func (c *Controller) learningFrozen() bool {
	return c.machine.Active() || c.preservation.Active()
}

// stabilityMetrics feeds the incident machine's closure checks.
func (c *Controller) stabilityMetrics() (bool, map[string]float64) {
	snap := c.store.Snapshot()
	reg := c.classifier.Classify(time.Now())
	c.mu.RLock()
	streak := c.apiFailureStreak
	c.mu.RUnlock()

	m := map[string]float64{
		"daily_drawdown":     snap.DailyDrawdown,
		"gross_exposure":     snap.GrossExposure,
		"estimated_var":      snap.EstimatedVaR,
		"volatility_score":   reg.VolatilityScore,
		"api_failure_streak": float64(streak),
	}
	ok := snap.DailyDrawdown < c.limits.Value(risk.RuleDrawdownScaling) &&
		reg.VolatilityScore < c.classifier.Config().StressVolThreshold &&
		streak == 0
	return ok, m
}

// EvaluateProposal runs one proposal through the tiered evaluator with
// optimistic concurrency: a decision made against a snapshot that went
// stale before commit is discarded and retried fresh.
func (c *Controller) EvaluateProposal(ctx context.Context, p core.TradeProposal) (core.Decision, error) {
	started := time.Now()
	for attempt := 0; attempt < maxEvalRetries; attempt++ {
		evalCtx := risk.EvalContext{
			Portfolio:              c.store.Snapshot(),
			Regime:                 c.classifier.Classify(time.Now()),
			RegimeBias:             c.engine.RegimeBias,
			IncidentActive:         c.machine.Active(),
			PreservationMultiplier: c.preservation.Multiplier(),
			KillSwitch:             c.KillSwitchEngaged(),
		}

		d := c.evaluator.Evaluate(p, evalCtx)
		if err := c.store.CheckFresh(d.PortfolioVersion); err != nil {
			c.logger.Debug().Str("proposal_id", p.ID).Int("attempt", attempt+1).Msg("snapshot went stale, retrying")
			continue
		}

		c.commitDecision(ctx, p, d, time.Since(started))
		return d, nil
	}
	return core.Decision{}, fmt.Errorf("proposal %s: %w", p.ID, ErrEvaluationConflict)
}

// commitDecision applies a decision's side effects: journaling, events,
// metrics, learning attribution and the drawdown kill-switch.
func (c *Controller) commitDecision(ctx context.Context, p core.TradeProposal, d core.Decision, elapsed time.Duration) {
	metrics.DecisionsTotal.WithLabelValues(string(d.Action), p.Symbol).Inc()
	metrics.EvaluationLatency.Observe(float64(elapsed.Microseconds()) / 1000)
	for _, a := range d.Audits {
		if a.Factor < 1 {
			metrics.RuleViolationsTotal.WithLabelValues(a.RuleID).Inc()
		}
	}

	c.engine.RecordDecision(p, d)
	c.bus.PublishDecision(d.ProposalID, p.Symbol, string(d.Action), d.Reason, p.RequestedSize, d.Size)

	if err := c.repo.SaveDecision(ctx, p, d); err != nil {
		c.logger.Error().Err(err).Str("proposal_id", p.ID).Msg("failed to journal decision")
		c.bus.PublishError("controller", "failed to journal decision", err)
	}

	// A blockAll driven by the drawdown kill level latches the
	// kill-switch and opens an incident.
	if d.Action == core.ActionBlockAll && !c.KillSwitchEngaged() {
		c.EngageKillSwitch(d.Reason)
		c.machine.Signal(incident.TriggerDrawdown, d.Reason, true)
	}
}

// OnExecutionOutcome folds a confirmed fill back into portfolio state,
// checks post-fill risk and updates the learning trackers.
func (c *Controller) OnExecutionOutcome(outcome core.ExecutionOutcome) {
	snap := c.store.ApplyFill(outcome)
	reg := c.classifier.Classify(time.Now())

	metrics.PortfolioDrawdown.Set(snap.DailyDrawdown)
	metrics.PortfolioGrossExposure.Set(snap.GrossExposure)
	c.bus.PublishPortfolioUpdate(snap.Version, snap.GrossExposure, snap.DailyPnL, snap.DailyDrawdown)

	if snap.DailyDrawdown >= c.limits.DrawdownKillPercent() {
		reason := fmt.Sprintf("daily drawdown %.2f%% breached kill level %.2f%%",
			snap.DailyDrawdown, c.limits.DrawdownKillPercent())
		if !c.KillSwitchEngaged() {
			c.EngageKillSwitch(reason)
		}
		c.signalIncident(incident.TriggerDrawdown, reason, true)
	} else if snap.DailyDrawdown >= c.limits.Value(risk.RuleDrawdownScaling) {
		c.signalIncident(incident.TriggerDrawdown,
			fmt.Sprintf("daily drawdown %.2f%% above soft threshold", snap.DailyDrawdown), false)
	}
	if snap.GrossExposure >= c.limits.Value(risk.RuleMaxGrossExposure) {
		c.signalIncident(incident.TriggerExposureBreach,
			fmt.Sprintf("gross exposure %.2f at or above limit", snap.GrossExposure), true)
	}

	deltas := c.engine.OnOutcome(outcome, reg.Label, snap.DailyDrawdown, time.Now())
	for ruleID, delta := range deltas {
		metrics.EffectivenessScore.WithLabelValues(ruleID).Add(delta)
	}
}

// OnMarketData records a market snapshot for regime classification and
// the VaR estimate, and reacts to regime changes.
func (c *Controller) OnMarketData(snap core.MarketDataSnapshot) {
	c.classifier.Observe(snap)
	c.store.UpdateVolatility(snap.Symbol, snap.RealizedVolatility)

	reg := c.classifier.Classify(time.Now())
	c.mu.Lock()
	changed := reg.Label != c.lastRegime
	previous := c.lastRegime
	c.lastRegime = reg.Label
	c.mu.Unlock()

	if changed {
		c.bus.PublishRegimeChanged(string(previous), string(reg.Label), reg.VolatilityScore, reg.Stale)
		c.logger.Info().
			Str("from", string(previous)).
			Str("to", string(reg.Label)).
			Float64("volatility_score", reg.VolatilityScore).
			Msg("regime changed")
	}
	if reg.Label == regime.LabelStress {
		c.signalIncident(incident.TriggerVolatilitySpike,
			fmt.Sprintf("volatility score %.2f in stress territory", reg.VolatilityScore), true)
	}
}

// OnAPIHealth tracks the exchange API failure streak: failures push it
// up, successes decay it. A sustained streak engages the kill-switch.
func (c *Controller) OnAPIHealth(sig core.ApiHealthSignal) {
	c.mu.Lock()
	if sig.Failed {
		c.apiFailureStreak++
	} else if c.apiFailureStreak > 0 {
		c.apiFailureStreak--
	}
	streak := c.apiFailureStreak
	c.mu.Unlock()

	if streak >= c.config.APIFailureThreshold {
		reason := fmt.Sprintf("api failure streak reached %d", streak)
		if !c.KillSwitchEngaged() {
			c.EngageKillSwitch(reason)
		}
		c.signalIncident(incident.TriggerAPIAnomaly, reason, true)
	} else if sig.Failed {
		c.signalIncident(incident.TriggerAPIAnomaly, "api call failed", false)
	}
}

// signalIncident routes an anomaly to the incident machine and restarts
// the preservation ramp if one is in progress.
func (c *Controller) signalIncident(trigger incident.Trigger, detail string, critical bool) {
	wasActive := c.machine.Active()
	c.machine.Signal(trigger, detail, critical)

	if c.preservation.Active() {
		c.preservation.Interrupt()
		ps := c.preservation.Snapshot()
		c.bus.PublishPreservationUpdate(ps.Active, ps.Ramping, ps.Multiplier)
	}
	if !wasActive && c.machine.Active() {
		metrics.IncidentsTotal.WithLabelValues(string(trigger)).Inc()
	}
}

// EngageKillSwitch halts all new trading immediately.
func (c *Controller) EngageKillSwitch(reason string) {
	c.mu.Lock()
	c.killSwitch = true
	c.killSwitchReason = reason
	c.mu.Unlock()

	metrics.KillSwitchEngaged.Set(1)
	c.bus.PublishKillSwitch(true, reason)
	c.logger.Error().Str("reason", reason).Msg("kill-switch engaged")
}

// ClearKillSwitch re-enables trading. Manual operation only.
func (c *Controller) ClearKillSwitch(operator string) {
	c.mu.Lock()
	c.killSwitch = false
	c.killSwitchReason = ""
	c.mu.Unlock()

	metrics.KillSwitchEngaged.Set(0)
	c.bus.PublishKillSwitch(false, "cleared by "+operator)
	c.logger.Warn().Str("operator", operator).Msg("kill-switch cleared")
}

// KillSwitchEngaged reports the kill-switch state.
func (c *Controller) KillSwitchEngaged() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.killSwitch
}

// onIncidentTransition reacts to committed incident transitions.
func (c *Controller) onIncidentTransition(from, to incident.State, inc *incident.Incident) {
	metrics.IncidentState.Set(incidentStateGauge(to))

	detail := ""
	trigger := ""
	if inc != nil {
		trigger = string(inc.Trigger)
		if len(inc.Events) > 0 {
			detail = inc.Events[len(inc.Events)-1].Detail
		}
	}
	c.bus.PublishIncidentTransition(string(from), string(to), trigger, detail)

	if to == incident.StateActive && from != incident.StateCooldown {
		// Fresh incident: force capital preservation and snapshot the
		// effectiveness scores for the closure report.
		c.preservation.Activate()
		c.bus.PublishPreservationUpdate(true, false, c.preservation.Multiplier())
		c.mu.Lock()
		c.scoresAtOpen = c.engine.EffectivenessScores()
		c.mu.Unlock()
	}
}

// onIncidentEvent journals every event appended to an open incident as
// it happens, not just the opening one.
func (c *Controller) onIncidentEvent(incidentID string, ev incident.Event) {
	if err := c.repo.SaveIncidentEvent(context.Background(), incidentID, ev); err != nil {
		c.logger.Error().Err(err).Str("incident_id", incidentID).Msg("failed to journal incident event")
		c.bus.PublishError("controller", "failed to journal incident event", err)
	}
}

// onIncidentClose enriches the closure report with effectiveness score
// deltas, journals it and starts the preservation ramp.
func (c *Controller) onIncidentClose(report incident.ClosureReport) {
	c.mu.Lock()
	before := c.scoresAtOpen
	c.scoresAtOpen = nil
	c.mu.Unlock()

	if before != nil {
		report.EffectivenessDeltas = make(map[string]float64)
		for ruleID, score := range c.engine.EffectivenessScores() {
			report.EffectivenessDeltas[ruleID] = score.Score - before[ruleID].Score
		}
	}

	if err := c.repo.SaveIncidentReport(context.Background(), report); err != nil {
		c.logger.Error().Err(err).Str("incident_id", report.IncidentID).Msg("failed to journal closure report")
		c.bus.PublishError("controller", "failed to journal closure report", err)
	}
	c.bus.PublishIncidentClosed(report.IncidentID, string(report.Trigger),
		report.ClosedAt.Sub(report.OpenedAt), report)

	c.preservation.BeginRamp()
	c.bus.PublishPreservationUpdate(true, true, c.preservation.Multiplier())
}

// Run drives the cycle loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.CycleInterval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", c.config.CycleInterval).Msg("controller started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("controller stopped")
			return
		case now := <-ticker.C:
			c.runCycle(ctx, now)
		}
	}
}

// runCycle is one fixed evaluation cycle: time-driven incident
// transitions, the preservation ramp, governor budget reset, a learning
// pass and state publication.
func (c *Controller) runCycle(ctx context.Context, now time.Time) {
	c.machine.Tick(now)

	if c.preservation.AdvanceCycle() {
		c.logger.Info().Msg("capital preservation ramp complete, limits restored")
	}
	ps := c.preservation.Snapshot()
	metrics.PreservationMultiplier.Set(ps.Multiplier)
	if ps.Active {
		c.bus.PublishPreservationUpdate(ps.Active, ps.Ramping, ps.Multiplier)
	}

	c.gov.ResetCycle()
	budget := c.gov.Budget()
	metrics.GovernorBudgetRemaining.WithLabelValues("cycle").Set(budget.CycleRemaining)
	metrics.GovernorBudgetRemaining.WithLabelValues("day").Set(budget.DayRemaining)

	report := c.engine.RunCycle(now)
	for _, result := range report.Tuning {
		if !result.Accepted {
			continue
		}
		metrics.LimitAdjustmentsTotal.WithLabelValues(result.RuleID).Inc()
		c.bus.PublishLimitAdjusted(result.RuleID, result.Applied, c.limits.Value(result.RuleID))
		adj := risk.Adjustment{
			RuleID:    result.RuleID,
			Delta:     result.Applied,
			NewValue:  c.limits.Value(result.RuleID),
			Reason:    result.Reason,
			Timestamp: result.Timestamp,
		}
		if err := c.repo.SaveLimitAdjustment(ctx, adj); err != nil {
			c.logger.Error().Err(err).Str("rule", result.RuleID).Msg("failed to journal limit adjustment")
		}
	}
	if len(report.Allocations) > 0 {
		c.bus.PublishAllocationUpdate(report.Allocations)
	}

	c.publishRiskState(ctx)
}

// publishRiskState pushes the current limits and gates to Redis for
// external collaborators.
func (c *Controller) publishRiskState(ctx context.Context) {
	if c.riskState == nil {
		return
	}
	limits := make(map[string]float64)
	for ruleID, lim := range c.limits.Snapshot() {
		limits[ruleID] = lim.Current
	}
	c.mu.RLock()
	reg := c.lastRegime
	c.mu.RUnlock()

	state := database.PublishedRiskState{
		Limits:                 limits,
		KillSwitchEngaged:      c.KillSwitchEngaged(),
		IncidentState:          string(c.machine.State()),
		PreservationMultiplier: c.preservation.Multiplier(),
		Regime:                 string(reg),
		PortfolioVersion:       c.store.Version(),
	}
	if err := c.riskState.Publish(ctx, state); err != nil {
		c.logger.Error().Err(err).Msg("failed to publish risk state")
	}
}

// Status returns a point-in-time summary for the API surface.
func (c *Controller) Status() map[string]interface{} {
	snap := c.store.Snapshot()
	reg := c.classifier.Classify(time.Now())
	ps := c.preservation.Snapshot()
	budget := c.gov.Budget()

	c.mu.RLock()
	killSwitch := c.killSwitch
	killReason := c.killSwitchReason
	streak := c.apiFailureStreak
	c.mu.RUnlock()

	return map[string]interface{}{
		"portfolio": snap,
		"regime":    reg,
		"incident": map[string]interface{}{
			"state":   string(c.machine.State()),
			"current": c.machine.Current(),
		},
		"preservation": ps,
		"governor":     budget,
		"kill_switch": map[string]interface{}{
			"engaged": killSwitch,
			"reason":  killReason,
		},
		"api_failure_streak": streak,
		"learning": map[string]interface{}{
			"effectiveness_scores": c.engine.EffectivenessScores(),
			"last_cycle":           c.engine.LastReport(),
		},
	}
}

// Limits exposes the shared limit table.
func (c *Controller) Limits() *risk.Limits { return c.limits }

// Portfolio exposes the portfolio store.
func (c *Controller) Portfolio() *portfolio.Store { return c.store }

// Learning exposes the learning engine.
func (c *Controller) Learning() *learning.Engine { return c.engine }

// Governor exposes the meta-risk governor.
func (c *Controller) Governor() *governor.Governor { return c.gov }

// Incidents exposes the incident machine.
func (c *Controller) Incidents() *incident.Machine { return c.machine }

func incidentStateGauge(s incident.State) float64 {
	switch s {
	case incident.StateWatch:
		return 1
	case incident.StateActive:
		return 2
	case incident.StateCooldown:
		return 3
	default:
		return 0
	}
}
