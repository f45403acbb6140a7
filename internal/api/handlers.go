package api

import (
	"errors"
	"net/http"
	"time"

	"trading-risk-controller/internal/controller"
	"trading-risk-controller/internal/core"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// handleHealth returns service liveness and dependency health
func (s *Server) handleHealth(c *gin.Context) {
	dbStatus := "disabled"
	if s.repo != nil {
		dbStatus = "ok"
		if err := s.repo.HealthCheck(c.Request.Context()); err != nil {
			dbStatus = "unavailable"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"database":   dbStatus,
		"ws_clients": s.wsHub.GetClientCount(),
		"timestamp":  time.Now(),
	})
}

// handleStatus returns the full controller status snapshot
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

// handleLimits returns the current limit table
func (s *Server) handleLimits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"limits":                s.ctrl.Limits().Snapshot(),
		"drawdown_kill_percent": s.ctrl.Limits().DrawdownKillPercent(),
		"min_trade_size":        s.ctrl.Limits().MinTradeSize(),
	})
}

// handleGovernor returns governor budgets and the change log
func (s *Server) handleGovernor(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"budget":     s.ctrl.Governor().Budget(),
		"change_log": s.ctrl.Governor().ChangeLog(),
	})
}

// handleIncident returns incident machine state and the open incident
func (s *Server) handleIncident(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":   s.ctrl.Incidents().State(),
		"current": s.ctrl.Incidents().Current(),
	})
}

// handleRecentDecisions returns the journaled decision history
func (s *Server) handleRecentDecisions(c *gin.Context) {
	records, err := s.repo.RecentDecisions(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": records})
}

// handleEffectivenessScores returns the learned per-rule scores
func (s *Server) handleEffectivenessScores(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scores": s.ctrl.Learning().EffectivenessScores()})
}

// handleFitness returns the strategy fitness table
func (s *Server) handleFitness(c *gin.Context) {
	snapshot := s.ctrl.Learning().FitnessSnapshot()
	entries := make([]gin.H, 0, len(snapshot))
	for key, stats := range snapshot {
		entries = append(entries, gin.H{
			"strategy_id":  key.StrategyID,
			"regime":       key.Regime,
			"avg_pnl":      stats.AvgPnL,
			"win_rate":     stats.WinRate,
			"sample_count": stats.SampleCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"fitness": entries})
}

// handleRegimeMemory returns the per-regime performance memory
func (s *Server) handleRegimeMemory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"regimes": s.ctrl.Learning().RegimeStatsSnapshot()})
}

// handleAdjustments returns the applied limit-adjustment log
func (s *Server) handleAdjustments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"adjustments": s.ctrl.Learning().Adjustments()})
}

// handleEvaluateProposal accepts a trade proposal and returns the
// risk decision
func (s *Server) handleEvaluateProposal(c *gin.Context) {
	var proposal core.TradeProposal
	if err := c.ShouldBindJSON(&proposal); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proposal: " + err.Error()})
		return
	}
	if proposal.ID == "" {
		proposal.ID = uuid.New().String()
	}
	if proposal.Timestamp.IsZero() {
		proposal.Timestamp = time.Now()
	}

	decision, err := s.ctrl.EvaluateProposal(c.Request.Context(), proposal)
	if err != nil {
		if errors.Is(err, controller.ErrEvaluationConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, decision)
}

// handleExecutionOutcome accepts a confirmed fill from the execution
// collaborator
func (s *Server) handleExecutionOutcome(c *gin.Context) {
	var outcome core.ExecutionOutcome
	if err := c.ShouldBindJSON(&outcome); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid outcome: " + err.Error()})
		return
	}
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = time.Now()
	}

	s.ctrl.OnExecutionOutcome(outcome)
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// handleMarketData accepts a market-data snapshot
func (s *Server) handleMarketData(c *gin.Context) {
	var snap core.MarketDataSnapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid snapshot: " + err.Error()})
		return
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}

	s.ctrl.OnMarketData(snap)
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// handleAPIHealth accepts an exchange API health signal
func (s *Server) handleAPIHealth(c *gin.Context) {
	var sig core.ApiHealthSignal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signal: " + err.Error()})
		return
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}

	s.ctrl.OnAPIHealth(sig)
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// killSwitchRequest is the manual kill-switch override payload
type killSwitchRequest struct {
	Engage   bool   `json:"engage"`
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

// handleKillSwitch engages or clears the kill-switch manually
func (s *Server) handleKillSwitch(c *gin.Context) {
	var req killSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.Operator == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator is required"})
		return
	}

	if req.Engage {
		reason := req.Reason
		if reason == "" {
			reason = "manual override by " + req.Operator
		}
		s.ctrl.EngageKillSwitch(reason)
	} else {
		s.ctrl.ClearKillSwitch(req.Operator)
	}
	c.JSON(http.StatusOK, gin.H{"engaged": s.ctrl.KillSwitchEngaged()})
}
