package domain

import (
	"time"

	"github.com/plaenen/eventengine/pkg/codec"
)

// Event is an immutable fact recorded against one aggregate.
type Event struct {
	// ID is unique across the store.
	ID string `json:"id"`

	// EventType names the fact (e.g., "booking.requested").
	EventType string `json:"event_type"`

	AggregateID   string `json:"aggregate_id"`
	AggregateType string `json:"aggregate_type"`

	// Version is the aggregate version after this event is applied.
	// The first event of a stream has version 1.
	Version uint64 `json:"version"`

	Timestamp time.Time `json:"timestamp"`

	// Payload is the encoded event body, see ContentType.
	Payload     []byte `json:"payload"`
	ContentType string `json:"content_type"`

	Metadata EventMetadata `json:"metadata"`

	// Position is the store-wide append position, assigned on append.
	Position uint64 `json:"position,omitempty"`
}

// EventMetadata carries contextual information about an event.
type EventMetadata struct {
	// CausationID is the id of the command that produced the event.
	CausationID string `json:"causation_id,omitempty"`

	// CorrelationID ties related events together across aggregates and sagas.
	CorrelationID string `json:"correlation_id,omitempty"`

	// PrincipalID identifies who issued the command.
	PrincipalID string `json:"principal_id,omitempty"`

	Custom map[string]string `json:"custom,omitempty"`
}

// Decode unmarshals the payload into v using the event's content type.
func (e *Event) Decode(v any) error {
	return codec.Decode(e.ContentType, e.Payload, v)
}

// Change is an event an aggregate decided to emit, before the pipeline
// assigns it an id, a version and a timestamp.
type Change struct {
	EventType string
	Payload   any
}

// NewChange is shorthand for building a Change.
func NewChange(eventType string, payload any) Change {
	return Change{EventType: eventType, Payload: payload}
}

// LastVersion returns the version of the last event in a batch, or 0.
func LastVersion(events []*Event) uint64 {
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].Version
}

// EncodePayload marshals v with the codec registered for contentType.
func EncodePayload(contentType string, v any) ([]byte, error) {
	c, err := codec.ForContentType(contentType)
	if err != nil {
		return nil, err
	}
	return c.Marshal(v)
}
