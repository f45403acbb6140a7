package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trading-risk-controller/internal/core"
	"trading-risk-controller/internal/incident"
	"trading-risk-controller/internal/risk"
)

// Repository provides durable journaling of decisions, incidents and
// limit adjustments. All methods are nil-safe: a nil repository (no
// database configured) silently drops writes and returns empty reads,
// so the controller runs unchanged without persistence.
type Repository struct {
	db *DB
}

// NewRepository creates a repository over the connection pool. db may
// be nil.
func NewRepository(db *DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db}
}

// HealthCheck verifies database connectivity
func (r *Repository) HealthCheck(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.db.Pool.Ping(ctx)
}

// SaveDecision journals one evaluated proposal with its audit trail.
func (r *Repository) SaveDecision(ctx context.Context, p core.TradeProposal, d core.Decision) error {
	if r == nil {
		return nil
	}
	audits, err := json.Marshal(d.Audits)
	if err != nil {
		return fmt.Errorf("failed to marshal audits: %w", err)
	}
	query := `
		INSERT INTO decision_audits (proposal_id, symbol, strategy_id, action, requested_size,
			approved_size, factor, reason, portfolio_version, audits, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = r.db.Pool.Exec(ctx, query,
		d.ProposalID, p.Symbol, p.StrategyID, string(d.Action), p.RequestedSize,
		d.Size, d.Factor, d.Reason, d.PortfolioVersion, audits, d.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// SaveIncidentEvent journals one anomaly appended to an open incident.
func (r *Repository) SaveIncidentEvent(ctx context.Context, incidentID string, ev incident.Event) error {
	if r == nil {
		return nil
	}
	query := `
		INSERT INTO incident_events (incident_id, trigger_type, detail, occurred_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.db.Pool.Exec(ctx, query, incidentID, string(ev.Trigger), ev.Detail, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save incident event: %w", err)
	}
	return nil
}

// SaveIncidentReport journals a closure report.
func (r *Repository) SaveIncidentReport(ctx context.Context, report incident.ClosureReport) error {
	if r == nil {
		return nil
	}
	eventLog, err := json.Marshal(report.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal event log: %w", err)
	}
	before, err := json.Marshal(report.MetricsBefore)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	after, err := json.Marshal(report.MetricsAfter)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	deltas, err := json.Marshal(report.EffectivenessDeltas)
	if err != nil {
		return fmt.Errorf("failed to marshal deltas: %w", err)
	}
	query := `
		INSERT INTO incident_reports (incident_id, trigger_type, opened_at, closed_at,
			event_count, events, metrics_before, metrics_after, effectiveness_deltas)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (incident_id) DO NOTHING`
	_, err = r.db.Pool.Exec(ctx, query,
		report.IncidentID, string(report.Trigger), report.OpenedAt, report.ClosedAt,
		len(report.Events), eventLog, before, after, deltas)
	if err != nil {
		return fmt.Errorf("failed to save incident report: %w", err)
	}
	return nil
}

// SaveLimitAdjustment journals one applied limit change.
func (r *Repository) SaveLimitAdjustment(ctx context.Context, adj risk.Adjustment) error {
	if r == nil {
		return nil
	}
	query := `
		INSERT INTO limit_adjustments (rule_id, delta, new_value, reason, applied_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Pool.Exec(ctx, query, adj.RuleID, adj.Delta, adj.NewValue, adj.Reason, adj.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save limit adjustment: %w", err)
	}
	return nil
}

// RecentDecisions returns the most recent journaled decisions.
func (r *Repository) RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	if r == nil {
		return nil, nil
	}
	query := `
		SELECT proposal_id, symbol, strategy_id, action, requested_size, approved_size,
			factor, reason, portfolio_version, evaluated_at
		FROM decision_audits
		ORDER BY evaluated_at DESC
		LIMIT $1`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var records []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		if err := rows.Scan(&rec.ProposalID, &rec.Symbol, &rec.StrategyID, &rec.Action,
			&rec.RequestedSize, &rec.ApprovedSize, &rec.Factor, &rec.Reason,
			&rec.PortfolioVersion, &rec.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ReplayAdjustments returns all journaled limit adjustments in applied
// order, for rebuilding the limit table from the seed config.
func (r *Repository) ReplayAdjustments(ctx context.Context) ([]risk.Adjustment, error) {
	if r == nil {
		return nil, nil
	}
	query := `
		SELECT rule_id, delta, new_value, reason, applied_at
		FROM limit_adjustments
		ORDER BY applied_at ASC`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments: %w", err)
	}
	defer rows.Close()

	var adjustments []risk.Adjustment
	for rows.Next() {
		var adj risk.Adjustment
		if err := rows.Scan(&adj.RuleID, &adj.Delta, &adj.NewValue, &adj.Reason, &adj.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan adjustment: %w", err)
		}
		adjustments = append(adjustments, adj)
	}
	return adjustments, rows.Err()
}

// DecisionRecord is one journaled decision row.
type DecisionRecord struct {
	ProposalID       string    `json:"proposal_id"`
	Symbol           string    `json:"symbol"`
	StrategyID       string    `json:"strategy_id"`
	Action           string    `json:"action"`
	RequestedSize    float64   `json:"requested_size"`
	ApprovedSize     float64   `json:"approved_size"`
	Factor           float64   `json:"factor"`
	Reason           string    `json:"reason"`
	PortfolioVersion uint64    `json:"portfolio_version"`
	EvaluatedAt      time.Time `json:"evaluated_at"`
}
