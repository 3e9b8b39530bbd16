package outbox

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Writer appends outbox records as part of user-defined queries within a
// database transaction. It optionally supports optimistic publishing, which
// attempts to publish records immediately after transaction commit.
type Writer struct {
	dbCtx           *DBContext
	store           Store
	publisher       Publisher
	unmanagedWriter *UnmanagedWriter

	optimisticTimeout time.Duration
}

// UnmanagedWriter provides low-level access to outbox table persistence.
//
// Unlike Writer, UnmanagedWriter does not start, commit, or rollback
// transactions, nor does it support optimistic publishing.
// It is intended for users who want to manage the transaction lifecycle
// themselves and only need to persist outbox records.
//
// An UnmanagedWriter must be obtained via Writer.Unmanaged().
type UnmanagedWriter struct {
	store Store
}

// TxWorkFunc is the user supplied callback for [Writer.WriteOne].
// It executes user defined queries within the same transaction that stores the given outbox record.
// The Writer commits or rolls back the transaction once the callback completes.
type TxWorkFunc func(ctx context.Context, tx TxQueryer) error

// OutboxWorkFunc is the user supplied callback for [Writer.Write].
// It executes user defined queries and appends records to the outbox within the same transaction.
// The Writer commits or rolls back the transaction once the callback completes.
type OutboxWorkFunc func(ctx context.Context, tx TxQueryer, recWriter RecordWriter) error

// RecordWriter allows appending records within a managed transaction.
type RecordWriter interface {
	// Append persists a record in the outbox table.
	// The record is committed when the enclosing transaction commits.
	Append(ctx context.Context, r *Record) error
}

// WriterOption is a function that configures a Writer instance.
type WriterOption func(*Writer)

// WithOptimisticPublisher configures the Writer to attempt immediate publishing
// of records after the transaction is committed.
// This can reduce the delay between transaction commit and delivery, while
// still ensuring consistency if publishing fails.
//
// Records are published sequentially in OccurredAt order. If a publish fails,
// remaining records are left for the Dispatcher to handle.
//
// Note: the optimistic path is just a latency optimization, not something the
// system depends on for correctness. A record the optimistic path does not get
// to is picked up by the Dispatcher. Duplicate deliveries may occur (e.g. a
// dispatcher claims the record just after commit and publishes it too);
// consumers must already tolerate them under at-least-once delivery.
func WithOptimisticPublisher(publisher Publisher) WriterOption {
	return func(w *Writer) {
		w.publisher = publisher
	}
}

// WithOptimisticTimeout sets the timeout for optimistic publishing and marking
// records delivered. Default is 10 seconds.
func WithOptimisticTimeout(timeout time.Duration) WriterOption {
	return func(w *Writer) {
		w.optimisticTimeout = timeout
	}
}

// NewWriter creates a new outbox Writer with the given database context, store and options.
func NewWriter(dbCtx *DBContext, store Store, opts ...WriterOption) *Writer {
	w := &Writer{
		dbCtx:             dbCtx,
		store:             store,
		unmanagedWriter:   &UnmanagedWriter{store: store},
		optimisticTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Write executes user defined queries and appends records to the outbox within the same managed transaction.
//
// This is the recommended approach when you need to:
//   - Conditionally emit records based on business logic
//   - Emit multiple records per transaction
//
// The transaction commits if the callback returns nil, or rolls back if it
// returns an error or panics. Records are committed atomically with your
// database changes.
//
// If optimistic publishing is configured, committed records are published
// asynchronously after the transaction commits.
//
// Example:
//
//	err := writer.Write(ctx, func(ctx context.Context, tx outbox.TxQueryer, recWriter outbox.RecordWriter) error {
//	    // Perform business logic
//	    result, err := tx.ExecContext(ctx,
//	        "UPDATE inventory SET quantity = quantity - $1 WHERE product_id = $2 AND quantity >= $1",
//	        order.Quantity, order.ProductID)
//	    if err != nil {
//	        return err
//	    }
//
//	    // Conditionally emit based on result
//	    rows, _ := result.RowsAffected()
//	    if rows == 0 {
//	        return ErrInsufficientInventory // no record emitted, transaction rolled back
//	    }
//
//	    return recWriter.Append(ctx, outbox.NewRecord("order.placed", orderPayload))
//	})
func (w *Writer) Write(ctx context.Context, fn OutboxWorkFunc) error {
	tx, err := w.dbCtx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	recWriter := &recordWriter{
		store: w.store,
		tx:    tx,
	}

	err = fn(ctx, tx, recWriter)
	if err != nil {
		return err
	}

	err = tx.Commit()
	txCommitted = err == nil

	if txCommitted && w.publisher != nil {
		go w.publishRecordsOptimistically(ctx, recWriter.records)
	}

	if err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// WriteOne executes the provided callback and appends a record to the outbox
// as part of a managed transaction.
//
// The transaction commits if the callback returns nil, or rolls back if it
// returns an error or panics.
//
// If optimistic publishing is configured, the record will also be published
// asynchronously to the external system after the transaction is committed.
//
// For conditional or multiple record emission use [Writer.Write] instead.
func (w *Writer) WriteOne(ctx context.Context, r *Record, fn TxWorkFunc) error {
	return w.Write(ctx, func(ctx context.Context, tx TxQueryer, recWriter RecordWriter) error {
		err := fn(ctx, tx)
		if err != nil {
			return err
		}

		return recWriter.Append(ctx, r)
	})
}

// Unmanaged returns an UnmanagedWriter that does not manage the transaction lifecycle.
// Useful for users who want to manage the transaction lifecycle themselves.
// Records stored via Unmanaged are eventually published by the Dispatcher but
// not by the optimistic publisher (if configured in Writer).
//
// Use [Writer.Write] for managed transaction lifecycle and optimistic publishing.
func (w *Writer) Unmanaged() *UnmanagedWriter {
	return w.unmanagedWriter
}

// Append persists a record into the outbox table using a user provided transaction.
//
// Append only takes effect if the provided transaction is committed successfully. It does not:
//   - manage the transaction lifecycle, it is the responsibility of the user to commit or rollback the transaction
//   - trigger optimistic publishing (if configured in Writer)
//
// Use Writer.Write for managed transaction lifecycle and optimistic publishing.
func (w *UnmanagedWriter) Append(ctx context.Context, tx TxQueryer, r *Record) error {
	return w.store.Append(ctx, tx, r)
}

type recordWriter struct {
	store   Store
	tx      TxQueryer
	records []*Record
}

func (w *recordWriter) Append(ctx context.Context, r *Record) error {
	err := w.store.Append(ctx, w.tx, r)
	if err != nil {
		return err
	}
	w.records = append(w.records, r)
	return nil
}

// publishRecordsOptimistically attempts to publish records immediately after transaction commit.
// Records are sorted by OccurredAt and published sequentially. Records scheduled
// for the future are skipped. Each successful publish is marked delivered
// through the store; the marker is conditional on the record not already being
// delivered, so racing with a dispatcher is harmless.
func (w *Writer) publishRecordsOptimistically(ctx context.Context, records []*Record) {
	ctx = context.WithoutCancel(ctx) // optimistic path is async, we don't want to cancel the context
	now := time.Now().UTC()          // freeze time for consistent scheduling decisions

	// Sort by OccurredAt to match Dispatcher ordering (ORDER BY occurred_at ASC)
	slices.SortFunc(records, func(a, b *Record) int {
		return a.OccurredAt.Compare(b.OccurredAt)
	})

	for _, r := range records {
		// Records waiting for a retry window belong to the Dispatcher
		if r.NextAttemptAt != nil && r.NextAttemptAt.After(now) {
			continue
		}

		if !w.tryPublishRecord(ctx, r) {
			// Stop on first error - Dispatcher will handle remaining records
			return
		}
		w.markDelivered(ctx, r)
	}
}

// tryPublishRecord attempts to publish a record to the external system.
// Returns true if successful, false if publishing failed.
// On failure, the record remains in the outbox for the Dispatcher to handle.
func (w *Writer) tryPublishRecord(ctx context.Context, r *Record) bool {
	ctx, cancel := context.WithTimeout(ctx, w.optimisticTimeout)
	defer cancel()

	err := w.publisher.Send(ctx, NewEnvelope(r))
	return err == nil
}

// markDelivered records a successful optimistic publish. Errors are silently
// ignored - the Dispatcher redelivers and the marker is idempotent.
func (w *Writer) markDelivered(ctx context.Context, r *Record) {
	ctx, cancel := context.WithTimeout(ctx, w.optimisticTimeout)
	defer cancel()

	_ = w.store.MarkDelivered(ctx, r.ID)
}
