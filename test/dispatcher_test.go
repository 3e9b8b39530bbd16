package test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fieldline/outbox"
	"github.com/stretchr/testify/require"
)

func TestDispatcherDeliversRecord(t *testing.T) {
	setupTest(t)

	anyRecord := createRecordFixture()
	appendRecord(t, anyRecord)

	publisher := &fakePublisher{
		onPublish: func(env outbox.Envelope) {
			require.Equal(t, anyRecord.ID, env.EventID)
			require.Equal(t, anyRecord.EventType, env.EventType)
			require.Equal(t, anyRecord.Payload, env.Payload)
			require.Equal(t, anyRecord.CorrelationID, env.CorrelationID)
			require.Equal(t, anyRecord.CausationID, env.CausationID)
		},
	}

	d, err := outbox.NewDispatcher(store, publisher, outbox.WithInterval(dispatchInterval))
	require.NoError(t, err)
	d.Start()

	require.Eventually(t, func() bool {
		return isDelivered(t, anyRecord.ID)
	}, testTimeout, pollInterval)

	row, _ := readRecordRow(t, anyRecord.ID)
	require.False(t, row.leaseOwner.Valid, "delivery must clear the lease")
	require.False(t, row.lastError.Valid, "delivery must clear the last error")

	require.NoError(t, d.Stop(context.Background()))
}

func TestDispatcherPublishesInOrder(t *testing.T) {
	setupTest(t)

	base := time.Now().UTC().Add(-time.Minute)
	records := []*outbox.Record{
		outbox.NewRecord("order.placed", []byte(`{"n":1}`), outbox.WithOccurredAt(base)),
		outbox.NewRecord("order.paid", []byte(`{"n":2}`), outbox.WithOccurredAt(base.Add(time.Second))),
		outbox.NewRecord("order.shipped", []byte(`{"n":3}`), outbox.WithOccurredAt(base.Add(2*time.Second))),
	}
	for _, r := range records {
		appendRecord(t, r)
	}

	var published int32
	publisher := &fakePublisher{
		onPublish: func(env outbox.Envelope) {
			current := atomic.LoadInt32(&published)
			require.Equal(t, records[current].ID, env.EventID) // oldest first
			atomic.AddInt32(&published, 1)
		},
	}

	d, err := outbox.NewDispatcher(store, publisher,
		outbox.WithInterval(dispatchInterval),
		outbox.WithBatchSize(1))
	require.NoError(t, err)
	d.Start()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&published) == int32(len(records))
	}, testTimeout, pollInterval)

	require.NoError(t, d.Stop(context.Background()))
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	setupTest(t)

	anyRecord := createRecordFixture()
	appendRecord(t, anyRecord)

	publisher := &fakePublisher{failures: 2, failErr: errors.New("broker unavailable")}

	d, err := outbox.NewDispatcher(store, publisher,
		outbox.WithInterval(dispatchInterval),
		outbox.WithRetryPolicy(outbox.RetryPolicy{Delay: outbox.Fixed(time.Millisecond), MaxAttempts: 10}))
	require.NoError(t, err)
	d.Start()

	require.Eventually(t, func() bool {
		return isDelivered(t, anyRecord.ID)
	}, testTimeout, pollInterval)

	row, _ := readRecordRow(t, anyRecord.ID)
	require.EqualValues(t, 3, row.attempts, "two failures plus the successful attempt")
	require.False(t, row.lastError.Valid, "success must clear the last error")
	require.Equal(t, 1, publisher.sendCount(anyRecord.ID))

	require.NoError(t, d.Stop(context.Background()))
}

func TestDispatcherExhaustsRecord(t *testing.T) {
	setupTest(t)

	anyRecord := createRecordFixture()
	appendRecord(t, anyRecord)

	publisher := &fakePublisher{failures: 1 << 30, failErr: errors.New("permanent schema mismatch")}

	d, err := outbox.NewDispatcher(store, publisher,
		outbox.WithInterval(dispatchInterval),
		outbox.WithRetryPolicy(outbox.RetryPolicy{Delay: outbox.Fixed(time.Millisecond), MaxAttempts: 2}))
	require.NoError(t, err)
	d.Start()

	var exhausted outbox.Record
	require.Eventually(t, func() bool {
		select {
		case exhausted = <-d.ExhaustedRecords():
			return true
		default:
			return false
		}
	}, testTimeout, pollInterval)

	require.Equal(t, anyRecord.ID, exhausted.ID)
	require.EqualValues(t, 2, exhausted.Attempts)

	// The record is kept for operators, never deleted or retried further.
	row, found := readRecordRow(t, anyRecord.ID)
	require.True(t, found)
	require.False(t, row.processedAt.Valid)
	require.EqualValues(t, 2, row.attempts)
	require.Contains(t, row.lastError.String, "permanent schema mismatch")

	time.Sleep(100 * time.Millisecond)
	row, _ = readRecordRow(t, anyRecord.ID)
	require.EqualValues(t, 2, row.attempts, "exhausted record must not be claimed again")

	listed, err := store.ListExhausted(context.Background(), 2, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, anyRecord.ID, listed[0].ID)

	require.NoError(t, d.Stop(context.Background()))
}

func TestConcurrentDispatchersDeliverEachRecordOnce(t *testing.T) {
	setupTest(t)

	base := time.Now().UTC().Add(-time.Minute)
	const total = 50
	for i := 0; i < total; i++ {
		r := outbox.NewRecord("order.placed", []byte(`{}`),
			outbox.WithOccurredAt(base.Add(time.Duration(i)*time.Millisecond)))
		appendRecord(t, r)
	}

	publisher := &fakePublisher{}
	d1, err := outbox.NewDispatcher(store, publisher,
		outbox.WithInterval(dispatchInterval), outbox.WithOwner("worker-1"), outbox.WithBatchSize(10))
	require.NoError(t, err)
	d2, err := outbox.NewDispatcher(store, publisher,
		outbox.WithInterval(dispatchInterval), outbox.WithOwner("worker-2"), outbox.WithBatchSize(10))
	require.NoError(t, err)

	d1.Start()
	d2.Start()

	require.Eventually(t, func() bool {
		var undelivered int
		err := db.QueryRow("SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL").Scan(&undelivered)
		return err == nil && undelivered == 0
	}, testTimeout, pollInterval)

	// Active leases keep the claimed sets disjoint, so no record goes out twice.
	require.Equal(t, total, publisher.totalSends())

	require.NoError(t, d1.Stop(context.Background()))
	require.NoError(t, d2.Stop(context.Background()))
}

func TestDispatcherReclaimsExpiredLease(t *testing.T) {
	setupTest(t)

	anyRecord := createRecordFixture()
	appendRecord(t, anyRecord)

	// Simulate a claim abandoned by a crashed instance.
	_, err := db.Exec(`UPDATE outbox SET lease_owner = 'crashed-worker',
		lease_expires_at = CURRENT_TIMESTAMP AT TIME ZONE 'UTC' - INTERVAL '1 minute' WHERE id = $1`, anyRecord.ID)
	require.NoError(t, err)

	publisher := &fakePublisher{}
	d, err := outbox.NewDispatcher(store, publisher, outbox.WithInterval(dispatchInterval))
	require.NoError(t, err)
	d.Start()

	require.Eventually(t, func() bool {
		return isDelivered(t, anyRecord.ID)
	}, testTimeout, pollInterval)

	require.NoError(t, d.Stop(context.Background()))
}

func TestClaimBatchSkipsIneligibleRecords(t *testing.T) {
	setupTest(t)

	eligible := createRecordFixture()
	scheduled := createRecordFixture()
	leased := createRecordFixture()
	for _, r := range []*outbox.Record{eligible, scheduled, leased} {
		appendRecord(t, r)
	}

	_, err := db.Exec(`UPDATE outbox SET next_attempt_at = CURRENT_TIMESTAMP AT TIME ZONE 'UTC' + INTERVAL '1 hour' WHERE id = $1`, scheduled.ID)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE outbox SET lease_owner = 'other-worker',
		lease_expires_at = CURRENT_TIMESTAMP AT TIME ZONE 'UTC' + INTERVAL '1 hour' WHERE id = $1`, leased.ID)
	require.NoError(t, err)

	claimed, err := store.ClaimBatch(context.Background(), 10, time.Minute, "worker-1", 5)
	require.NoError(t, err)

	require.Len(t, claimed, 1)
	require.Equal(t, eligible.ID, claimed[0].ID)
	require.Equal(t, "worker-1", claimed[0].LeaseOwner)
	require.NotNil(t, claimed[0].LeaseExpiresAt)
}

func TestReleaseExpiredLeases(t *testing.T) {
	setupTest(t)

	abandoned := createRecordFixture()
	active := createRecordFixture()
	for _, r := range []*outbox.Record{abandoned, active} {
		appendRecord(t, r)
	}

	_, err := db.Exec(`UPDATE outbox SET lease_owner = 'crashed-worker',
		lease_expires_at = CURRENT_TIMESTAMP AT TIME ZONE 'UTC' - INTERVAL '1 minute' WHERE id = $1`, abandoned.ID)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE outbox SET lease_owner = 'live-worker',
		lease_expires_at = CURRENT_TIMESTAMP AT TIME ZONE 'UTC' + INTERVAL '1 hour' WHERE id = $1`, active.ID)
	require.NoError(t, err)

	released, err := store.ReleaseExpiredLeases(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, released)

	row, _ := readRecordRow(t, abandoned.ID)
	require.False(t, row.leaseOwner.Valid)

	row, _ = readRecordRow(t, active.ID)
	require.Equal(t, "live-worker", row.leaseOwner.String)
}

func TestMarkDeliveredIsIdempotent(t *testing.T) {
	setupTest(t)

	anyRecord := createRecordFixture()
	appendRecord(t, anyRecord)

	require.NoError(t, store.MarkDelivered(context.Background(), anyRecord.ID))

	row, _ := readRecordRow(t, anyRecord.ID)
	require.True(t, row.processedAt.Valid)
	require.EqualValues(t, 1, row.attempts)
	first := row.processedAt.Time

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.MarkDelivered(context.Background(), anyRecord.ID))

	row, _ = readRecordRow(t, anyRecord.ID)
	require.Equal(t, first, row.processedAt.Time, "delivered marker must be set exactly once")
	require.EqualValues(t, 1, row.attempts, "repeated marking must not count extra attempts")
}
