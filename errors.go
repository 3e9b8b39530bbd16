package outbox

import "errors"

var (
	// ErrStoreRequired is returned when a Dispatcher is created without a store.
	ErrStoreRequired = errors.New("outbox store is required")

	// ErrPublisherRequired is returned when a Dispatcher is created without a publisher.
	ErrPublisherRequired = errors.New("publisher is required")

	// ErrRecordRequired is returned when a nil record is passed to a store operation.
	ErrRecordRequired = errors.New("outbox record is required")

	// ErrEventTypeRequired is returned when a record or redactor registration
	// carries an empty event type.
	ErrEventTypeRequired = errors.New("event type is required")

	// ErrRedactorRequired is returned when a nil redactor is registered.
	ErrRedactorRequired = errors.New("redactor is required")

	// ErrRedactorAlreadyRegistered is returned when two redactors are registered
	// for the same event type.
	ErrRedactorAlreadyRegistered = errors.New("redactor already registered")
)
