package outbox

import (
	"context"
	"strings"
	"sync"
)

// Redactor produces a loggable view of one event payload with sensitive
// fields masked. Implementations are per payload type and selected by event
// type, so no runtime type inspection is needed.
type Redactor interface {
	Redact(payload []byte) []byte
}

// RedactorFunc adapts a function to the Redactor interface.
type RedactorFunc func(payload []byte) []byte

// Redact implements Redactor.
func (fn RedactorFunc) Redact(payload []byte) []byte {
	return fn(payload)
}

// AuditHook is invoked after a successful publish with a redacted view of the
// payload. The raw payload is available to the subsystem only transiently and
// is never handed to the hook.
type AuditHook func(ctx context.Context, r Record, redactedPayload []byte)

var fullyRedactedPayload = []byte(`{"payload":"[REDACTED]"}`)

// RedactorRegistry selects a Redactor by event type. Event types without a
// registered redactor get a fully masked placeholder: absence of a redactor
// must never leak a raw payload into audit logs.
type RedactorRegistry struct {
	mu        sync.RWMutex
	redactors map[string]Redactor
}

// NewRedactorRegistry creates an empty registry.
func NewRedactorRegistry() *RedactorRegistry {
	return &RedactorRegistry{redactors: map[string]Redactor{}}
}

// Register binds a redactor to an event type. Registering the same event type
// twice is an error.
func (reg *RedactorRegistry) Register(eventType string, red Redactor) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}
	if red == nil {
		return ErrRedactorRequired
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.redactors[eventType]; exists {
		return ErrRedactorAlreadyRegistered
	}
	reg.redactors[eventType] = red

	return nil
}

// Redact returns the redacted view of payload for the given event type,
// falling back to the fully masked placeholder when no redactor is registered.
func (reg *RedactorRegistry) Redact(eventType string, payload []byte) []byte {
	if reg == nil {
		return fullyRedactedPayload
	}

	reg.mu.RLock()
	red, ok := reg.redactors[eventType]
	reg.mu.RUnlock()

	if !ok {
		return fullyRedactedPayload
	}

	return red.Redact(payload)
}
