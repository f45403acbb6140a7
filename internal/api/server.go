// Package api exposes the risk controller's HTTP surface: status and
// learning introspection, the manual kill-switch override, inbound
// collaborator feeds and a websocket event stream.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"trading-risk-controller/internal/controller"
	"trading-risk-controller/internal/database"
	"trading-risk-controller/internal/events"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	ctrl       *controller.Controller
	repo       *database.Repository
	eventBus   *events.EventBus
	wsHub      *WSHub
	config     ServerConfig
}

// NewServer creates a new API server
func NewServer(config ServerConfig, ctrl *controller.Controller, repo *database.Repository, eventBus *events.EventBus) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:   router,
		ctrl:     ctrl,
		repo:     repo,
		eventBus: eventBus,
		wsHub:    NewWSHub(),
		config:   config,
	}

	server.setupRoutes()

	// Stream every bus event to connected websocket clients
	eventBus.SubscribeAll(server.wsHub.BroadcastEvent)

	return server
}

// setupRoutes registers all HTTP routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/limits", s.handleLimits)
		api.GET("/governor", s.handleGovernor)
		api.GET("/incident", s.handleIncident)
		api.GET("/decisions", s.handleRecentDecisions)

		learning := api.Group("/learning")
		{
			learning.GET("/scores", s.handleEffectivenessScores)
			learning.GET("/fitness", s.handleFitness)
			learning.GET("/regimes", s.handleRegimeMemory)
			learning.GET("/adjustments", s.handleAdjustments)
		}

		api.POST("/proposals", s.handleEvaluateProposal)
		api.POST("/outcomes", s.handleExecutionOutcome)
		api.POST("/market-data", s.handleMarketData)
		api.POST("/api-health", s.handleAPIHealth)
		api.POST("/kill-switch", s.handleKillSwitch)
	}
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	go s.wsHub.Run()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	log.Printf("API server listening on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
