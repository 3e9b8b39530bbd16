package outbox

import (
	"time"

	"github.com/google/uuid"
)

// RecordOption is a function that can be used to configure a Record.
type RecordOption func(*Record)

// Record represents one domain event awaiting reliable delivery to an external
// system. A record is created in the same database transaction as the business
// change that produced the event and is mutated only by the dispatch loop
// afterwards (claim, success, failure). The dispatch subsystem never deletes
// records; retention is an external housekeeping concern.
type Record struct {
	// ID is the unique identifier of the record, assigned at creation.
	ID uuid.UUID

	// EventType identifies how Payload should be interpreted. The dispatcher
	// routes on this discriminator (publish path, redactor selection) and never
	// inspects the payload itself.
	EventType string

	// Payload is the serialized event body, typically JSON.
	Payload []byte

	// OccurredAt is the creation timestamp and the primary ordering key.
	// Set once, never mutated.
	OccurredAt time.Time

	// CorrelationID and CausationID are propagated into the Envelope on every
	// publish attempt. CausationID defaults to the record's own ID when not
	// supplied by the caller.
	CorrelationID string
	CausationID   string

	// Attempts counts publish attempts, success or failure. It only increases.
	Attempts int32

	// NextAttemptAt schedules the next publish attempt. Nil means the record is
	// eligible now.
	NextAttemptAt *time.Time

	// ProcessedAt is set exactly once, on the first successful publish. Its
	// presence is the authoritative delivered marker.
	ProcessedAt *time.Time

	// LastError holds the diagnostic from the most recent failed attempt.
	// Cleared on success.
	LastError string

	// LeaseOwner and LeaseExpiresAt claim the record for a single dispatcher
	// instance for a bounded window. An expired lease makes the record
	// claimable again.
	LeaseOwner     string
	LeaseExpiresAt *time.Time
}

// WithID sets the unique identifier of the record.
// If not provided, a new UUID will be generated.
func WithID(id uuid.UUID) RecordOption {
	return func(r *Record) {
		r.ID = id
	}
}

// WithOccurredAt sets the creation timestamp of the record.
// If not provided, the current time will be used.
func WithOccurredAt(occurredAt time.Time) RecordOption {
	return func(r *Record) {
		r.OccurredAt = occurredAt
	}
}

// WithCorrelationID sets the correlation identifier carried on every publish
// attempt of the record.
func WithCorrelationID(correlationID string) RecordOption {
	return func(r *Record) {
		r.CorrelationID = correlationID
	}
}

// WithCausationID sets the causation identifier of the record. If not provided,
// the record's own ID is used.
func WithCausationID(causationID string) RecordOption {
	return func(r *Record) {
		r.CausationID = causationID
	}
}

// NewRecord creates a new Record with the given event type and payload.
func NewRecord(eventType string, payload []byte, opts ...RecordOption) *Record {
	r := &Record{
		ID:         uuid.New(),
		EventType:  eventType,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
		Attempts:   0,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.CausationID == "" {
		r.CausationID = r.ID.String()
	}

	return r
}

// RecordStatus is the lifecycle state of a record. Exactly one status holds at
// any instant.
type RecordStatus string

const (
	// StatusPending means the record awaits (re)delivery and carries no active lease.
	StatusPending RecordStatus = "pending"

	// StatusLeased means the record is claimed by a dispatcher instance whose
	// lease has not yet expired.
	StatusLeased RecordStatus = "leased"

	// StatusDelivered means the record was published successfully at least once.
	StatusDelivered RecordStatus = "delivered"

	// StatusExhausted means the record reached the policy's attempt limit
	// without a successful publish. Exhausted records are retained for operator
	// inspection and never retried automatically.
	StatusExhausted RecordStatus = "exhausted"
)

// Status reports the lifecycle state of the record at the given instant.
// maxAttempts is the retry policy threshold; zero or negative means no limit.
func (r *Record) Status(now time.Time, maxAttempts int32) RecordStatus {
	if r.ProcessedAt != nil {
		return StatusDelivered
	}

	if maxAttempts > 0 && r.Attempts >= maxAttempts {
		return StatusExhausted
	}

	if r.LeaseExpiresAt != nil && r.LeaseExpiresAt.After(now) {
		return StatusLeased
	}

	return StatusPending
}

// Eligible reports whether the record is a candidate for claiming at the given
// instant: not yet delivered, not scheduled for the future, and not covered by
// an active lease.
func (r *Record) Eligible(now time.Time) bool {
	if r.ProcessedAt != nil {
		return false
	}

	if r.NextAttemptAt != nil && r.NextAttemptAt.After(now) {
		return false
	}

	if r.LeaseExpiresAt != nil && r.LeaseExpiresAt.After(now) {
		return false
	}

	return true
}
