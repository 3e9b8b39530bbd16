package outbox

import "context"

// Publisher sends envelopes to an external system (e.g., a message broker).
type Publisher interface {
	// Send transmits the envelope over the wire. It may be called multiple
	// times for the same event; downstream consumers must be idempotent.
	// Return nil on success. On error the record is rescheduled according to
	// the dispatcher's retry policy until the policy gives up.
	Send(ctx context.Context, env Envelope) error
}

// ErrorClassifier reports whether a publish error is permanent (malformed
// payload, unroutable destination) rather than transient (broker unreachable).
//
// The dispatcher retries both kinds under the same policy, since most broker
// adapters cannot distinguish them reliably. Classification is surfaced on
// PublishError so operators can tell exhausted-by-outage apart from
// exhausted-by-bad-payload.
type ErrorClassifier interface {
	IsPermanent(err error) bool
}

// ErrorClassifierFunc adapts a function to the ErrorClassifier interface.
type ErrorClassifierFunc func(err error) bool

// IsPermanent implements ErrorClassifier.
func (fn ErrorClassifierFunc) IsPermanent(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}
