package test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldline/outbox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestWriterCommitsRecordWithBusinessChange(t *testing.T) {
	setupTest(t)

	orderID := uuid.New()
	anyRecord := createRecordFixture()

	w := outbox.NewWriter(dbCtx, store)
	err := w.WriteOne(context.Background(), anyRecord, func(ctx context.Context, tx outbox.TxQueryer) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO orders (id, created_at) VALUES ($1, $2)",
			orderID, time.Now().UTC())
		return err
	})
	require.NoError(t, err)

	_, found := readRecordRow(t, anyRecord.ID)
	require.True(t, found, "outbox record must be committed")

	var orderCount int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM orders WHERE id = $1", orderID).Scan(&orderCount))
	require.Equal(t, 1, orderCount, "business row must be committed")
}

func TestWriterRollsBackAtomically(t *testing.T) {
	setupTest(t)

	orderID := uuid.New()
	anyRecord := createRecordFixture()

	w := outbox.NewWriter(dbCtx, store)
	businessErr := errors.New("inventory check failed")
	err := w.WriteOne(context.Background(), anyRecord, func(ctx context.Context, tx outbox.TxQueryer) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO orders (id, created_at) VALUES ($1, $2)",
			orderID, time.Now().UTC())
		require.NoError(t, err)
		return businessErr
	})
	require.ErrorIs(t, err, businessErr)

	_, found := readRecordRow(t, anyRecord.ID)
	require.False(t, found, "outbox record must roll back with the business change")

	var orderCount int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM orders WHERE id = $1", orderID).Scan(&orderCount))
	require.Equal(t, 0, orderCount)
}

func TestWriterMultipleRecordsPerTransaction(t *testing.T) {
	setupTest(t)

	first := createRecordFixture()
	second := createRecordFixture()

	w := outbox.NewWriter(dbCtx, store)
	err := w.Write(context.Background(), func(ctx context.Context, _ outbox.TxQueryer, recWriter outbox.RecordWriter) error {
		if err := recWriter.Append(ctx, first); err != nil {
			return err
		}
		return recWriter.Append(ctx, second)
	})
	require.NoError(t, err)

	for _, r := range []*outbox.Record{first, second} {
		_, found := readRecordRow(t, r.ID)
		require.True(t, found)
	}
}

func TestWriterOptimisticPublishing(t *testing.T) {
	setupTest(t)

	anyRecord := createRecordFixture()
	publisher := &fakePublisher{}

	// No dispatcher running: delivery must come from the optimistic path.
	w := outbox.NewWriter(dbCtx, store, outbox.WithOptimisticPublisher(publisher))
	err := w.WriteOne(context.Background(), anyRecord, func(_ context.Context, _ outbox.TxQueryer) error {
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return isDelivered(t, anyRecord.ID)
	}, testTimeout, pollInterval)
	require.Equal(t, 1, publisher.sendCount(anyRecord.ID))
}

func TestUnmanagedWriter(t *testing.T) {
	setupTest(t)

	anyRecord := createRecordFixture()

	w := outbox.NewWriter(dbCtx, store)

	tx, err := db.Begin()
	require.NoError(t, err)

	err = w.Unmanaged().Append(context.Background(), tx, anyRecord)
	require.NoError(t, err)

	// Not visible until the caller commits.
	_, found := readRecordRow(t, anyRecord.ID)
	require.False(t, found)

	require.NoError(t, tx.Commit())

	_, found = readRecordRow(t, anyRecord.ID)
	require.True(t, found)
}
