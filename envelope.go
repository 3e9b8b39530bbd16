package outbox

import "github.com/google/uuid"

// Envelope binds an event payload to its correlation identifier pair for a
// single publish attempt. Envelopes are built fresh for every attempt and are
// never persisted.
type Envelope struct {
	// EventID is the identifier of the originating record.
	EventID uuid.UUID

	// EventType identifies the publish path for the payload.
	EventType string

	// Payload is the serialized event body.
	Payload []byte

	// CorrelationID groups the envelope with the request or workflow that
	// produced the event.
	CorrelationID string

	// CausationID identifies the event that caused this one. Defaults to the
	// originating record's own ID.
	CausationID string
}

// NewEnvelope builds the envelope for one publish attempt of the given record.
func NewEnvelope(r *Record) Envelope {
	return Envelope{
		EventID:       r.ID,
		EventType:     r.EventType,
		Payload:       r.Payload,
		CorrelationID: r.CorrelationID,
		CausationID:   r.CausationID,
	}
}
