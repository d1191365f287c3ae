package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quarryscan/quarry/internal/domain/analysis"
	"github.com/quarryscan/quarry/internal/domain/events"
)

// universalEnvelope is the wire format shared by every topic: the event type
// for routing plus the JSON-encoded domain payload.
type universalEnvelope struct {
	Type      events.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   json.RawMessage  `json:"payload"`
}

// payloadFactories maps event types to constructors for their payload type so
// consumers get a concrete struct back instead of a raw map.
var payloadFactories = map[events.EventType]func() any{
	analysis.EventTypeSubtaskStatusChanged: func() any { return &analysis.SubtaskStatusChangedEvent{} },
	analysis.EventTypeScanTaskFinished:     func() any { return &analysis.ScanTaskFinishedEvent{} },
}

// serializeEnvelope encodes an event payload into the universal wire format.
func serializeEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for event %s: %w", eventType, err)
	}

	return json.Marshal(universalEnvelope{Type: eventType, Timestamp: time.Now(), Payload: payloadBytes})
}

// deserializeEnvelope decodes the wire format and rebuilds the typed payload.
func deserializeEnvelope(data []byte) (events.EventType, any, error) {
	var env universalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	factory, ok := payloadFactories[env.Type]
	if !ok {
		return env.Type, nil, fmt.Errorf("no payload factory registered for event type %s", env.Type)
	}

	payload := factory()
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return env.Type, nil, fmt.Errorf("unmarshal payload for event %s: %w", env.Type, err)
	}
	return env.Type, payload, nil
}
