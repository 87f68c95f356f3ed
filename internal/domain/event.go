package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// EventServiceMessage is a settled promise or a stream emission that must
	// reach the subscribers of a resource id.
	EventServiceMessage EventType = "service.message"
	// EventMutation is a state mutation committed locally; the state sync
	// plugin rebroadcasts it to peers.
	EventMutation EventType = "state.mutation"
	// EventSubscriptionReleased fires when the last holder of a stream
	// subscription lets go of it.
	EventSubscriptionReleased EventType = "subscription.released"
)

// ServiceEvent is an asynchronous push tied to a subscription resource id.
type ServiceEvent struct {
	ResourceID string          `json:"resourceId"`
	Emitter    Emitter         `json:"emitter"`
	Data       json.RawMessage `json:"data,omitempty"`
	IsRejected bool            `json:"isRejected,omitempty"`
}

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType    `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Service   ServiceEvent `json:"service,omitzero"`
	Mutation  Mutation     `json:"mutation,omitzero"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for bus events.
type EventBus interface {
	// Publish sends an event to all matching subscribers, in subscription order.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Subscribers reports how many handlers an event of eventType reaches.
	Subscribers(eventType EventType) int
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
