package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline/outbox/internal/sanitize"
)

const recordColumns = "id, event_type, payload, occurred_at, correlation_id, causation_id, " +
	"attempts, next_attempt_at, processed_at, last_error, lease_owner, lease_expires_at"

// SQLStore implements Store on top of database/sql for the supported dialects.
//
// Claiming runs in a single transaction: eligible rows are selected (with a
// row-locking clause where the dialect supports one), leased through a
// conditional update that re-checks the lease predicate, and read back by
// owner. The conditional update is the compare-and-set that keeps concurrent
// claimers disjoint; the locking clause only reduces wasted scans.
type SQLStore struct {
	dbCtx *DBContext
}

// NewSQLStore creates a Store backed by the given database context.
func NewSQLStore(dbCtx *DBContext) *SQLStore {
	return &SQLStore{dbCtx: dbCtx}
}

// Append inserts the record using the caller's transaction.
func (s *SQLStore) Append(ctx context.Context, tx TxQueryer, r *Record) error {
	if r == nil {
		return ErrRecordRequired
	}
	if strings.TrimSpace(r.EventType) == "" {
		return ErrEventTypeRequired
	}

	query := fmt.Sprintf("INSERT INTO %s (id, event_type, payload, occurred_at, correlation_id, causation_id, attempts) VALUES (%s, %s, %s, %s, %s, %s, %s)",
		s.dbCtx.tableName,
		s.dbCtx.getSQLPlaceholder(1),
		s.dbCtx.getSQLPlaceholder(2),
		s.dbCtx.getSQLPlaceholder(3),
		s.dbCtx.getSQLPlaceholder(4),
		s.dbCtx.getSQLPlaceholder(5),
		s.dbCtx.getSQLPlaceholder(6),
		s.dbCtx.getSQLPlaceholder(7))
	_, err := tx.ExecContext(ctx, query,
		s.dbCtx.formatIDForDB(r.ID), r.EventType, r.Payload, r.OccurredAt, r.CorrelationID, r.CausationID, r.Attempts)
	if err != nil {
		return fmt.Errorf("appending outbox record: %w", err)
	}
	return nil
}

// ClaimBatch leases up to limit eligible records to owner.
func (s *SQLStore) ClaimBatch(ctx context.Context, limit int, leaseDuration time.Duration, owner string, maxAttempts int32) ([]*Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	if maxAttempts <= 0 {
		maxAttempts = math.MaxInt32
	}

	leaseExpiresAt := time.Now().UTC().Add(leaseDuration)

	tx, err := s.dbCtx.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	ids, err := s.selectClaimableIDs(ctx, tx, limit, maxAttempts)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		// Losing the race to another instance is the expected outcome, not an error.
		return nil, tx.Commit()
	}

	if err := s.leaseRecords(ctx, tx, ids, owner, leaseExpiresAt); err != nil {
		return nil, err
	}

	records, err := s.selectLeasedRecords(ctx, tx, owner, limit)
	if err != nil {
		return nil, err
	}

	err = tx.Commit()
	txCommitted = err == nil
	if err != nil {
		return nil, fmt.Errorf("committing claim transaction: %w", err)
	}

	return records, nil
}

func (s *SQLStore) selectClaimableIDs(ctx context.Context, tx TxQueryer, limit int, maxAttempts int32) ([]uuid.UUID, error) {
	query, args := s.buildClaimableIDsQuery(limit, maxAttempts)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying claimable records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning claimable record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating claimable records: %w", err)
	}
	return ids, nil
}

func (s *SQLStore) buildClaimableIDsQuery(limit int, maxAttempts int32) (string, []any) {
	eligible := fmt.Sprintf(`processed_at IS NULL
		AND attempts < %%s
		AND (next_attempt_at IS NULL OR next_attempt_at <= %s)
		AND (lease_expires_at IS NULL OR lease_expires_at <= %s)`,
		s.dbCtx.getCurrentTimestampInUTC(), s.dbCtx.getCurrentTimestampInUTC())

	switch s.dbCtx.dialect {
	case SQLDialectOracle:
		query := fmt.Sprintf("SELECT id FROM %s WHERE %s ORDER BY occurred_at ASC FETCH FIRST %s ROWS ONLY",
			s.dbCtx.tableName,
			fmt.Sprintf(eligible, s.dbCtx.getSQLPlaceholder(1)),
			s.dbCtx.getSQLPlaceholder(2))
		return query, []any{maxAttempts, limit}

	case SQLDialectSQLServer:
		query := fmt.Sprintf("SELECT TOP (%s) id FROM %s%s WHERE %s ORDER BY occurred_at ASC",
			s.dbCtx.getSQLPlaceholder(1),
			s.dbCtx.tableName,
			s.dbCtx.tableHint(),
			fmt.Sprintf(eligible, s.dbCtx.getSQLPlaceholder(2)))
		return query, []any{limit, maxAttempts}

	default:
		query := fmt.Sprintf("SELECT id FROM %s WHERE %s ORDER BY occurred_at ASC LIMIT %s%s",
			s.dbCtx.tableName,
			fmt.Sprintf(eligible, s.dbCtx.getSQLPlaceholder(1)),
			s.dbCtx.getSQLPlaceholder(2),
			s.dbCtx.lockingClause())
		return query, []any{maxAttempts, limit}
	}
}

func (s *SQLStore) leaseRecords(ctx context.Context, tx TxQueryer, ids []uuid.UUID, owner string, leaseExpiresAt time.Time) error {
	placeholders := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, owner, leaseExpiresAt)
	for idx, id := range ids {
		placeholders = append(placeholders, s.dbCtx.getSQLPlaceholder(idx+3))
		args = append(args, s.dbCtx.formatIDForDB(id))
	}

	// The lease predicate is repeated here: a row selected without a lock may
	// have been leased by a concurrent claimer in the meantime. Such rows
	// simply fall out of the update and of the owner read-back below.
	query := fmt.Sprintf(`UPDATE %s SET lease_owner = %s, lease_expires_at = %s
		WHERE processed_at IS NULL
		AND (lease_expires_at IS NULL OR lease_expires_at <= %s)
		AND id IN (%s)`,
		s.dbCtx.tableName,
		s.dbCtx.getSQLPlaceholder(1),
		s.dbCtx.getSQLPlaceholder(2),
		s.dbCtx.getCurrentTimestampInUTC(),
		strings.Join(placeholders, ", "))

	_, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("leasing records: %w", err)
	}
	return nil
}

func (s *SQLStore) selectLeasedRecords(ctx context.Context, tx TxQueryer, owner string, limit int) ([]*Record, error) {
	active := fmt.Sprintf("lease_owner = %%s AND processed_at IS NULL AND lease_expires_at > %s",
		s.dbCtx.getCurrentTimestampInUTC())

	var (
		query string
		args  []any
	)

	switch s.dbCtx.dialect {
	case SQLDialectOracle:
		query = fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY occurred_at ASC FETCH FIRST %s ROWS ONLY",
			recordColumns, s.dbCtx.tableName,
			fmt.Sprintf(active, s.dbCtx.getSQLPlaceholder(1)),
			s.dbCtx.getSQLPlaceholder(2))
		args = []any{owner, limit}

	case SQLDialectSQLServer:
		query = fmt.Sprintf("SELECT TOP (%s) %s FROM %s WHERE %s ORDER BY occurred_at ASC",
			s.dbCtx.getSQLPlaceholder(1), recordColumns, s.dbCtx.tableName,
			fmt.Sprintf(active, s.dbCtx.getSQLPlaceholder(2)))
		args = []any{limit, owner}

	default:
		query = fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY occurred_at ASC LIMIT %s",
			recordColumns, s.dbCtx.tableName,
			fmt.Sprintf(active, s.dbCtx.getSQLPlaceholder(1)),
			s.dbCtx.getSQLPlaceholder(2))
		args = []any{owner, limit}
	}

	return s.queryRecords(ctx, tx, query, args)
}

// MarkDelivered sets the delivered marker exactly once and clears the lease.
// The successful attempt is counted; the attempt counter covers every publish
// attempt, not only failed ones.
func (s *SQLStore) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	query := fmt.Sprintf(`UPDATE %s SET processed_at = %s, attempts = attempts + 1, last_error = NULL, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = %s AND processed_at IS NULL`,
		s.dbCtx.tableName,
		s.dbCtx.getCurrentTimestampInUTC(),
		s.dbCtx.getSQLPlaceholder(1))
	_, err := s.dbCtx.db.ExecContext(ctx, query, s.dbCtx.formatIDForDB(id))
	if err != nil {
		return fmt.Errorf("marking record %s delivered: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed attempt and schedules the next one. The stored
// diagnostic is redacted and bounded before it reaches the database.
func (s *SQLStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET attempts = attempts + 1, last_error = %s, next_attempt_at = %s, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = %s AND processed_at IS NULL`,
		s.dbCtx.tableName,
		s.dbCtx.getSQLPlaceholder(1),
		s.dbCtx.getSQLPlaceholder(2),
		s.dbCtx.getSQLPlaceholder(3))
	_, err := s.dbCtx.db.ExecContext(ctx, query,
		sanitize.ErrorMessage(errMsg), nextAttemptAt, s.dbCtx.formatIDForDB(id))
	if err != nil {
		return fmt.Errorf("marking record %s failed: %w", id, err)
	}
	return nil
}

// ReleaseExpiredLeases clears leases abandoned by crashed owners.
func (s *SQLStore) ReleaseExpiredLeases(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s SET lease_owner = NULL, lease_expires_at = NULL
		WHERE processed_at IS NULL AND lease_expires_at IS NOT NULL AND lease_expires_at <= %s`,
		s.dbCtx.tableName,
		s.dbCtx.getCurrentTimestampInUTC())
	res, err := s.dbCtx.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("releasing expired leases: %w", err)
	}
	released, err := res.RowsAffected()
	if err != nil {
		// Driver cannot report the count; the release itself succeeded.
		return 0, nil
	}
	return released, nil
}

// ListExhausted returns undelivered records that ran out of attempts.
func (s *SQLStore) ListExhausted(ctx context.Context, maxAttempts int32, limit int) ([]*Record, error) {
	if limit <= 0 || maxAttempts <= 0 {
		return nil, nil
	}

	exhausted := "processed_at IS NULL AND attempts >= %s"

	var (
		query string
		args  []any
	)

	switch s.dbCtx.dialect {
	case SQLDialectOracle:
		query = fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY occurred_at ASC FETCH FIRST %s ROWS ONLY",
			recordColumns, s.dbCtx.tableName,
			fmt.Sprintf(exhausted, s.dbCtx.getSQLPlaceholder(1)),
			s.dbCtx.getSQLPlaceholder(2))
		args = []any{maxAttempts, limit}

	case SQLDialectSQLServer:
		query = fmt.Sprintf("SELECT TOP (%s) %s FROM %s WHERE %s ORDER BY occurred_at ASC",
			s.dbCtx.getSQLPlaceholder(1), recordColumns, s.dbCtx.tableName,
			fmt.Sprintf(exhausted, s.dbCtx.getSQLPlaceholder(2)))
		args = []any{limit, maxAttempts}

	default:
		query = fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY occurred_at ASC LIMIT %s",
			recordColumns, s.dbCtx.tableName,
			fmt.Sprintf(exhausted, s.dbCtx.getSQLPlaceholder(1)),
			s.dbCtx.getSQLPlaceholder(2))
		args = []any{maxAttempts, limit}
	}

	return s.queryRecords(ctx, s.dbCtx.db, query, args)
}

func (s *SQLStore) queryRecords(ctx context.Context, q Queryer, query string, args []any) ([]*Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outbox records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox records: %w", err)
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var (
		r              Record
		nextAttemptAt  sql.NullTime
		processedAt    sql.NullTime
		lastError      sql.NullString
		leaseOwner     sql.NullString
		leaseExpiresAt sql.NullTime
	)

	err := rows.Scan(&r.ID, &r.EventType, &r.Payload, &r.OccurredAt, &r.CorrelationID, &r.CausationID,
		&r.Attempts, &nextAttemptAt, &processedAt, &lastError, &leaseOwner, &leaseExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("scanning outbox record: %w", err)
	}

	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time
		r.NextAttemptAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		r.ProcessedAt = &t
	}
	r.LastError = lastError.String
	r.LeaseOwner = leaseOwner.String
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time
		r.LeaseExpiresAt = &t
	}

	return &r, nil
}
