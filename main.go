package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"trading-risk-controller/config"
	"trading-risk-controller/internal/api"
	"trading-risk-controller/internal/controller"
	"trading-risk-controller/internal/database"
	"trading-risk-controller/internal/events"
	"trading-risk-controller/internal/logging"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Msg("Structured logging initialized")

	// Initialize event bus
	eventBus := events.NewEventBus()
	logger.Info().Msg("Event bus initialized")

	// Initialize database (optional)
	var repo *database.Repository
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		})
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		migrationCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.RunMigrations(migrationCtx); err != nil {
			cancel()
			log.Fatalf("Failed to run migrations: %v", err)
		}
		cancel()
		repo = database.NewRepository(db)
	} else {
		logger.Warn().Msg("Database disabled, decisions will not be journaled")
	}

	// Initialize Redis-published risk state (optional, falls back to memory)
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		defer redisClient.Close()
	}
	riskState := database.NewRedisRiskStateRepository(redisClient)

	// Build the controller graph
	ctrl := controller.New(
		cfg.ControllerConfig,
		cfg.LimitsConfig,
		cfg.RegimeConfig,
		cfg.IncidentConfig,
		cfg.PreservationConfig,
		cfg.GovernorConfig,
		cfg.LearningConfig,
		repo,
		riskState,
		eventBus,
		logging.Component(logger, "controller"),
	)

	// Replay journaled limit adjustments so soft thresholds survive restarts
	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 30*time.Second)
	if err := ctrl.RestoreLimits(restoreCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to restore limit adjustments")
	}
	cancelRestore()

	runCtx, stopController := context.WithCancel(context.Background())
	go ctrl.Run(runCtx)

	// Start the API server
	server := api.NewServer(api.ServerConfig{
		Port:           cfg.ServerConfig.Port,
		Host:           cfg.ServerConfig.Host,
		ProductionMode: cfg.ServerConfig.ProductionMode,
	}, ctrl, repo, eventBus)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	stopController()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	log.Println("Shutdown complete")
}
