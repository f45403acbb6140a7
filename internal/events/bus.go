package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventDecision           EventType = "DECISION"
	EventIncidentTransition EventType = "INCIDENT_TRANSITION"
	EventIncidentClosed     EventType = "INCIDENT_CLOSED"
	EventLimitAdjusted      EventType = "LIMIT_ADJUSTED"
	EventKillSwitch         EventType = "KILL_SWITCH"
	EventPreservationUpdate EventType = "PRESERVATION_UPDATE"
	EventRegimeChanged      EventType = "REGIME_CHANGED"
	EventAllocationUpdate   EventType = "ALLOCATION_UPDATE"
	EventPortfolioUpdate    EventType = "PORTFOLIO_UPDATE"
	EventError              EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishDecision publishes a risk decision event
func (eb *EventBus) PublishDecision(proposalID, symbol, action, reason string, requestedSize, approvedSize float64) {
	eb.Publish(Event{
		Type: EventDecision,
		Data: map[string]interface{}{
			"proposal_id":    proposalID,
			"symbol":         symbol,
			"action":         action,
			"reason":         reason,
			"requested_size": requestedSize,
			"approved_size":  approvedSize,
		},
	})
}

// PublishIncidentTransition publishes an incident state change
func (eb *EventBus) PublishIncidentTransition(from, to, trigger, detail string) {
	eb.Publish(Event{
		Type: EventIncidentTransition,
		Data: map[string]interface{}{
			"from":    from,
			"to":      to,
			"trigger": trigger,
			"detail":  detail,
		},
	})
}

// PublishIncidentClosed publishes an incident closure with its full
// post-mortem report, including the event log and before/after metrics
func (eb *EventBus) PublishIncidentClosed(incidentID, trigger string, duration time.Duration, report interface{}) {
	eb.Publish(Event{
		Type: EventIncidentClosed,
		Data: map[string]interface{}{
			"incident_id": incidentID,
			"trigger":     trigger,
			"duration":    duration.String(),
			"report":      report,
		},
	})
}

// PublishLimitAdjusted publishes an accepted limit change
func (eb *EventBus) PublishLimitAdjusted(ruleID string, delta, newValue float64) {
	eb.Publish(Event{
		Type: EventLimitAdjusted,
		Data: map[string]interface{}{
			"rule_id":   ruleID,
			"delta":     delta,
			"new_value": newValue,
		},
	})
}

// PublishKillSwitch publishes a kill-switch state change
func (eb *EventBus) PublishKillSwitch(engaged bool, reason string) {
	eb.Publish(Event{
		Type: EventKillSwitch,
		Data: map[string]interface{}{
			"engaged": engaged,
			"reason":  reason,
		},
	})
}

// PublishPreservationUpdate publishes capital preservation state
func (eb *EventBus) PublishPreservationUpdate(active, ramping bool, multiplier float64) {
	eb.Publish(Event{
		Type: EventPreservationUpdate,
		Data: map[string]interface{}{
			"active":     active,
			"ramping":    ramping,
			"multiplier": multiplier,
		},
	})
}

// PublishRegimeChanged publishes a regime label change
func (eb *EventBus) PublishRegimeChanged(from, to string, volatilityScore float64, stale bool) {
	eb.Publish(Event{
		Type: EventRegimeChanged,
		Data: map[string]interface{}{
			"from":             from,
			"to":               to,
			"volatility_score": volatilityScore,
			"stale":            stale,
		},
	})
}

// PublishAllocationUpdate publishes the per-cycle strategy fitness
// scores and governor-granted reallocation deltas
func (eb *EventBus) PublishAllocationUpdate(allocations interface{}) {
	eb.Publish(Event{
		Type: EventAllocationUpdate,
		Data: map[string]interface{}{
			"allocations": allocations,
		},
	})
}

// PublishPortfolioUpdate publishes a portfolio snapshot summary
func (eb *EventBus) PublishPortfolioUpdate(version uint64, grossExposure, dailyPnL, drawdown float64) {
	eb.Publish(Event{
		Type: EventPortfolioUpdate,
		Data: map[string]interface{}{
			"version":        version,
			"gross_exposure": grossExposure,
			"daily_pnl":      dailyPnL,
			"drawdown":       drawdown,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
