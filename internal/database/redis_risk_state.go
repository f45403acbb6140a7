// Package database provides Redis-based publication of the live risk
// state so external collaborators (execution, allocation, dashboards)
// can read the current limits and kill-switch without calling the API.
// When Redis is unavailable the repository falls back to an in-memory
// cache so the controller keeps running uninterrupted.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys for published risk state
const (
	// RiskStateKey holds the full published risk state document
	RiskStateKey = "riskbrain:state"

	// RiskStateTTL bounds staleness if the controller dies without
	// clearing the key
	RiskStateTTL = 5 * time.Minute
)

// PublishedRiskState is the document external collaborators read.
type PublishedRiskState struct {
	Limits                 map[string]float64 `json:"limits"`
	KillSwitchEngaged      bool               `json:"kill_switch_engaged"`
	IncidentState          string             `json:"incident_state"`
	PreservationMultiplier float64            `json:"preservation_multiplier"`
	Regime                 string             `json:"regime"`
	PortfolioVersion       uint64             `json:"portfolio_version"`
	PublishedAt            time.Time          `json:"published_at"`
}

// RedisRiskStateRepository publishes risk state to Redis with an
// in-memory fallback when Redis is unavailable.
type RedisRiskStateRepository struct {
	client         *redis.Client
	cacheMu        sync.RWMutex
	inMemoryCache  *PublishedRiskState
	redisAvailable atomic.Bool
}

// NewRedisRiskStateRepository creates a new repository. If client is
// nil, the repository operates in memory-only mode.
func NewRedisRiskStateRepository(client *redis.Client) *RedisRiskStateRepository {
	repo := &RedisRiskStateRepository{client: client}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[REDIS-RISK] Redis unavailable at startup: %v, using in-memory cache", err)
			repo.redisAvailable.Store(false)
		} else {
			log.Printf("[REDIS-RISK] Redis connected successfully")
			repo.redisAvailable.Store(true)
		}
	} else {
		log.Printf("[REDIS-RISK] No Redis client provided, using in-memory cache only")
		repo.redisAvailable.Store(false)
	}

	return repo
}

// Publish writes the current risk state. Falls back to the in-memory
// cache on Redis failure.
func (r *RedisRiskStateRepository) Publish(ctx context.Context, state PublishedRiskState) error {
	state.PublishedAt = time.Now()

	r.cacheMu.Lock()
	r.inMemoryCache = &state
	r.cacheMu.Unlock()

	if r.client == nil {
		return nil
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal risk state: %w", err)
	}

	if err := r.client.Set(ctx, RiskStateKey, data, RiskStateTTL).Err(); err != nil {
		if r.redisAvailable.Swap(false) {
			log.Printf("[REDIS-RISK] Redis write failed: %v, falling back to in-memory cache", err)
		}
		return nil
	}
	if !r.redisAvailable.Swap(true) {
		log.Printf("[REDIS-RISK] Redis connection restored")
	}
	return nil
}

// Load reads the last published state, preferring Redis.
func (r *RedisRiskStateRepository) Load(ctx context.Context) (*PublishedRiskState, error) {
	if r.client != nil && r.redisAvailable.Load() {
		data, err := r.client.Get(ctx, RiskStateKey).Bytes()
		if err == nil {
			var state PublishedRiskState
			if err := json.Unmarshal(data, &state); err != nil {
				return nil, fmt.Errorf("failed to unmarshal risk state: %w", err)
			}
			return &state, nil
		}
		if err != redis.Nil {
			log.Printf("[REDIS-RISK] Redis read failed: %v, using in-memory cache", err)
		}
	}

	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	if r.inMemoryCache == nil {
		return nil, nil
	}
	state := *r.inMemoryCache
	return &state, nil
}

// Available reports whether Redis is currently reachable.
func (r *RedisRiskStateRepository) Available() bool {
	return r.redisAvailable.Load()
}
