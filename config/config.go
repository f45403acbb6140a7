package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"trading-risk-controller/internal/controller"
	"trading-risk-controller/internal/governor"
	"trading-risk-controller/internal/incident"
	"trading-risk-controller/internal/learning"
	"trading-risk-controller/internal/logging"
	"trading-risk-controller/internal/regime"
	"trading-risk-controller/internal/risk"
)

// Config aggregates all subsystem configuration
type Config struct {
	ServerConfig       ServerConfig                `json:"server"`
	LoggingConfig      logging.Config              `json:"logging"`
	DatabaseConfig     DatabaseConfig              `json:"database"`
	RedisConfig        RedisConfig                 `json:"redis"`
	ControllerConfig   controller.Config           `json:"controller"`
	LimitsConfig       risk.LimitsConfig           `json:"limits"`
	RegimeConfig       regime.Config               `json:"regime"`
	IncidentConfig     incident.Config             `json:"incident"`
	PreservationConfig incident.PreservationConfig `json:"preservation"`
	GovernorConfig     governor.Config             `json:"governor"`
	LearningConfig     learning.EngineConfig       `json:"learning"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	ProductionMode  bool   `json:"production_mode"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for published risk state
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// Load reads config.json if present and applies environment overrides.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with defaults
		cfg = defaults()
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ServerConfig: ServerConfig{
			Port:            8090,
			Host:            "0.0.0.0",
			ShutdownTimeout: 10,
		},
		LoggingConfig: logging.Config{
			Level:  "info",
			Output: "stdout",
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "riskbrain",
			Database: "riskbrain",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		ControllerConfig:   controller.DefaultConfig(),
		LimitsConfig:       risk.DefaultLimitsConfig(),
		RegimeConfig:       regime.DefaultConfig(),
		IncidentConfig:     incident.DefaultConfig(),
		PreservationConfig: incident.DefaultPreservationConfig(),
		GovernorConfig:     governor.DefaultConfig(),
		LearningConfig:     learning.DefaultEngineConfig(),
	}
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("PRODUCTION_MODE", "false") == "true"
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.Pretty = getEnvOrDefault("LOG_PRETTY", "false") == "true"

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", boolString(cfg.DatabaseConfig.Enabled)) == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolString(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Controller config
	cfg.ControllerConfig.CycleInterval = getEnvDurationOrDefault("CYCLE_INTERVAL", cfg.ControllerConfig.CycleInterval)
	cfg.ControllerConfig.APIFailureThreshold = getEnvIntOrDefault("API_FAILURE_THRESHOLD", cfg.ControllerConfig.APIFailureThreshold)
	cfg.ControllerConfig.StartingEquity = getEnvFloatOrDefault("STARTING_EQUITY", cfg.ControllerConfig.StartingEquity)

	// Incident timing
	cfg.IncidentConfig.DebounceWindow = getEnvDurationOrDefault("INCIDENT_DEBOUNCE_WINDOW", cfg.IncidentConfig.DebounceWindow)
	cfg.IncidentConfig.QuietWindow = getEnvDurationOrDefault("INCIDENT_QUIET_WINDOW", cfg.IncidentConfig.QuietWindow)
	cfg.IncidentConfig.StabilizationWindow = getEnvDurationOrDefault("INCIDENT_STABILIZATION_WINDOW", cfg.IncidentConfig.StabilizationWindow)

	// Preservation config
	cfg.PreservationConfig.FloorMultiplier = getEnvFloatOrDefault("PRESERVATION_FLOOR", cfg.PreservationConfig.FloorMultiplier)
	cfg.PreservationConfig.RampCycles = getEnvIntOrDefault("PRESERVATION_RAMP_CYCLES", cfg.PreservationConfig.RampCycles)

	// Governor budgets
	cfg.GovernorConfig.CycleBudget = getEnvFloatOrDefault("GOVERNOR_CYCLE_BUDGET", cfg.GovernorConfig.CycleBudget)
	cfg.GovernorConfig.DayBudget = getEnvFloatOrDefault("GOVERNOR_DAY_BUDGET", cfg.GovernorConfig.DayBudget)
	cfg.GovernorConfig.RuleCooldown = getEnvDurationOrDefault("GOVERNOR_RULE_COOLDOWN", cfg.GovernorConfig.RuleCooldown)

	// Learning config
	cfg.LearningConfig.Effectiveness.ObservationDelay = getEnvDurationOrDefault("LEARNING_OBSERVATION_DELAY", cfg.LearningConfig.Effectiveness.ObservationDelay)
	cfg.LearningConfig.Tuning.MaxStepFraction = getEnvFloatOrDefault("LEARNING_MAX_STEP", cfg.LearningConfig.Tuning.MaxStepFraction)
}

// Validate checks cross-field constraints that the per-package defaults
// cannot catch.
func (c *Config) Validate() error {
	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.ServerConfig.Port)
	}
	if c.LimitsConfig.DrawdownKillPercent <= c.LimitsConfig.DrawdownThreshold.Current {
		return fmt.Errorf("drawdown kill level %.2f must exceed the soft threshold %.2f",
			c.LimitsConfig.DrawdownKillPercent, c.LimitsConfig.DrawdownThreshold.Current)
	}
	if c.GovernorConfig.CycleBudget > c.GovernorConfig.DayBudget {
		return fmt.Errorf("per-cycle budget %.4f exceeds per-day budget %.4f",
			c.GovernorConfig.CycleBudget, c.GovernorConfig.DayBudget)
	}
	if c.PreservationConfig.FloorMultiplier <= 0 || c.PreservationConfig.FloorMultiplier >= 1 {
		return fmt.Errorf("preservation floor multiplier %.2f must be in (0,1)", c.PreservationConfig.FloorMultiplier)
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := defaults()
	if err := json.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
