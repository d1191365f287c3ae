package events

import "time"

// DomainEvent is implemented by domain types that announce state changes to
// the rest of the system. Implementations carry their own payload fields; the
// interface only exposes what routing and auditing need.
type DomainEvent interface {
	// EventType identifies the category of this event for routing and handling.
	EventType() EventType

	// OccurredAt records when the event was created, enabling temporal tracking
	// and debugging of event flows.
	OccurredAt() time.Time
}

// EventEnvelope wraps a payload with its routing metadata for transport across
// the messaging infrastructure.
type EventEnvelope struct {
	// Type identifies the category of the payload.
	Type EventType

	// Key enables consistent event routing, typically containing a business
	// identifier like a subtask ID that events can be grouped or partitioned by.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this envelope was created.
	Timestamp time.Time

	// Payload contains the actual event data. The concrete type depends on the
	// EventType.
	Payload any
}
