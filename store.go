package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the durable persistence boundary for outbox records. It is the only
// component of the subsystem that touches the database.
//
// All coordination between concurrent dispatcher instances happens through the
// lease columns using conditional updates; the store never relies on external
// locks or a coordination service.
type Store interface {
	// Append inserts a record using the caller's transaction. The insert
	// commits or rolls back together with the business write it accompanies;
	// the caller owns the transaction lifecycle.
	Append(ctx context.Context, tx TxQueryer, r *Record) error

	// ClaimBatch atomically selects up to limit eligible records ordered by
	// OccurredAt ascending and leases them to owner for leaseDuration.
	// Two concurrent callers with distinct owners always receive disjoint
	// sets. Records whose attempts have reached maxAttempts are exhausted and
	// never claimed; maxAttempts <= 0 means no limit. A claim that matches no
	// rows returns an empty slice, not an error.
	ClaimBatch(ctx context.Context, limit int, leaseDuration time.Duration, owner string, maxAttempts int32) ([]*Record, error)

	// MarkDelivered sets the delivered marker, counts the successful attempt
	// and clears the lease and the last error. Idempotent: marking an already
	// delivered record is a no-op and the original delivery timestamp and
	// attempt count are preserved.
	MarkDelivered(ctx context.Context, id uuid.UUID) error

	// MarkFailed increments the attempt counter, records the diagnostic and
	// schedules the next attempt. The lease is cleared so the record becomes
	// claimable again once nextAttemptAt passes.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt time.Time) error

	// ReleaseExpiredLeases clears leases whose expiry has passed without a
	// terminal outcome, making records abandoned by a crashed owner claimable
	// again. Returns the number of released records.
	ReleaseExpiredLeases(ctx context.Context) (int64, error)

	// ListExhausted returns undelivered records whose attempts have reached
	// maxAttempts, ordered by OccurredAt ascending, for operator inspection.
	ListExhausted(ctx context.Context, maxAttempts int32, limit int) ([]*Record, error)
}
