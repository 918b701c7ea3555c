// ABOUTME: Lifecycle event types and the event envelope
// ABOUTME: Envelope fields are what receivers see in the request body

package webhook

import (
	"encoding/json"
	"time"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventAgentRegistered    EventType = "agent.registered"
	EventAgentAuthenticated EventType = "agent.authenticated"
	EventAgentActivated     EventType = "agent.activated"
	EventAgentSuspended     EventType = "agent.suspended"
	EventAgentBanned        EventType = "agent.banned"
	EventRateLimited        EventType = "agent.rate_limited"
	EventReputationChanged  EventType = "agent.reputation_changed"
	EventAgentFlagged       EventType = "agent.flagged"
	EventAgentBlocked       EventType = "agent.blocked"
	EventSpendingCapHit     EventType = "agent.spending_cap_hit"
	EventSpendingSoftCap    EventType = "agent.spending_soft_cap"
)

// AllEvents subscribes an endpoint to every event type.
const AllEvents EventType = "*"

// KnownEvents lists every event type the gateway emits.
var KnownEvents = []EventType{
	EventAgentRegistered,
	EventAgentAuthenticated,
	EventAgentActivated,
	EventAgentSuspended,
	EventAgentBanned,
	EventRateLimited,
	EventReputationChanged,
	EventAgentFlagged,
	EventAgentBlocked,
	EventSpendingCapHit,
	EventSpendingSoftCap,
}

// IsKnown reports whether t is emitted by the gateway or is the wildcard.
func IsKnown(t EventType) bool {
	if t == AllEvents {
		return true
	}
	for _, k := range KnownEvents {
		if k == t {
			return true
		}
	}
	return false
}

// Event is a single lifecycle notification.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	Data      map[string]any `json:"data"`
}

func (e Event) marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Endpoint is a webhook receiver.
type Endpoint struct {
	URL    string
	Events []EventType // empty subscribes to everything
	Secret string      // overrides the emitter-wide secret
}

// Subscribed reports whether the endpoint wants events of type t.
func (ep Endpoint) Subscribed(t EventType) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, e := range ep.Events {
		if e == t || e == AllEvents {
			return true
		}
	}
	return false
}
