package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Decision audit journal: one row per evaluated proposal
		`CREATE TABLE IF NOT EXISTS decision_audits (
			id SERIAL PRIMARY KEY,
			proposal_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			strategy_id VARCHAR(100),
			action VARCHAR(20) NOT NULL,
			requested_size DECIMAL(20, 8) NOT NULL,
			approved_size DECIMAL(20, 8) NOT NULL,
			factor DECIMAL(10, 6) NOT NULL,
			reason TEXT,
			portfolio_version BIGINT NOT NULL,
			audits JSONB,
			evaluated_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_audits_proposal ON decision_audits(proposal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_audits_symbol ON decision_audits(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_audits_evaluated ON decision_audits(evaluated_at)`,

		// Incident event log and closure reports
		`CREATE TABLE IF NOT EXISTS incident_events (
			id SERIAL PRIMARY KEY,
			incident_id VARCHAR(64) NOT NULL,
			trigger_type VARCHAR(40) NOT NULL,
			detail TEXT,
			occurred_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incident_events_incident ON incident_events(incident_id)`,

		`CREATE TABLE IF NOT EXISTS incident_reports (
			incident_id VARCHAR(64) PRIMARY KEY,
			trigger_type VARCHAR(40) NOT NULL,
			opened_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP NOT NULL,
			event_count INTEGER NOT NULL,
			events JSONB,
			metrics_before JSONB,
			metrics_after JSONB,
			effectiveness_deltas JSONB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		// Governor-approved limit adjustments, replayable against seed config
		`CREATE TABLE IF NOT EXISTS limit_adjustments (
			id SERIAL PRIMARY KEY,
			rule_id VARCHAR(60) NOT NULL,
			delta DECIMAL(20, 8) NOT NULL,
			new_value DECIMAL(20, 8) NOT NULL,
			reason TEXT,
			applied_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_limit_adjustments_rule ON limit_adjustments(rule_id)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}
