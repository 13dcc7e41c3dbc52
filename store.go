package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store abstracts the outbox table operations the relay depends on.
// The default implementation returned by NewStore runs against a DBContext;
// a custom implementation can be supplied for testing or for non-SQL backends.
type Store interface {
	// Claim marks up to limit unclaimed records as owned by the given claim
	// token for the lease duration, and returns them ordered by
	// (created_at ASC, id ASC). Records whose lease has expired count as
	// unclaimed. Rows locked by a concurrent claimer are skipped where the
	// dialect allows it.
	Claim(ctx context.Context, token string, limit int, lease time.Duration) ([]*Record, error)

	// Extend pushes the lease of every record held under the claim token
	// further into the future.
	Extend(ctx context.Context, token string, lease time.Duration) error

	// Release clears the claim on all records held under the claim token,
	// making them immediately eligible for another claimer.
	Release(ctx context.Context, token string) error

	// Delete removes the given records. Called only after the broker has
	// acknowledged each of them.
	Delete(ctx context.Context, ids []uuid.UUID) error

	// MarkAttempt increments the attempt counter of the given records after
	// a failed publish.
	MarkAttempt(ctx context.Context, ids []uuid.UUID) error
}

// NewStore creates a Store backed by the outbox table described by dbCtx.
func NewStore(dbCtx *DBContext) Store {
	return &sqlStore{dbCtx: dbCtx}
}

type sqlStore struct {
	dbCtx *DBContext
}

// insertRecord appends a record to the outbox table within the given transaction.
// The insert becomes visible to claimers only once the transaction commits.
func insertRecord(ctx context.Context, dbCtx *DBContext, tx TxQueryer, rec *Record) error {
	var headersJSON []byte
	if len(rec.Headers) > 0 {
		var err error
		headersJSON, err = json.Marshal(rec.Headers)
		if err != nil {
			return fmt.Errorf("encoding headers: %w", err)
		}
	}

	var partitionKey any
	if rec.PartitionKey != "" {
		partitionKey = rec.PartitionKey
	}

	// nolint:gosec
	query := fmt.Sprintf("INSERT INTO %s (id, topic, partition_key, headers, payload, created_at, attempts) VALUES (%s, %s, %s, %s, %s, %s, %s)",
		dbCtx.tableName,
		dbCtx.getSQLPlaceholder(1),
		dbCtx.getSQLPlaceholder(2),
		dbCtx.getSQLPlaceholder(3),
		dbCtx.getSQLPlaceholder(4),
		dbCtx.getSQLPlaceholder(5),
		dbCtx.getSQLPlaceholder(6),
		dbCtx.getSQLPlaceholder(7))
	_, err := tx.ExecContext(ctx, query,
		dbCtx.formatRecordIDForDB(rec.ID), rec.Topic, partitionKey, headersJSON, rec.Payload, rec.CreatedAt, 0)
	if err != nil {
		return fmt.Errorf("storing record in outbox: %w", err)
	}
	return nil
}

// Claim runs a short transaction that selects claimable row IDs, stamps them
// with the claim token and lease, and reads the claimed rows back. The
// transaction covers only the claim itself; publishing and cleanup happen
// outside it so the connection pool is never held across broker waits.
func (s *sqlStore) Claim(ctx context.Context, token string, limit int, lease time.Duration) ([]*Record, error) {
	tx, err := s.dbCtx.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var committed bool
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	ids, err := s.selectClaimableIDs(ctx, tx, now, limit)
	if err != nil {
		return nil, err
	}

	var records []*Record
	if len(ids) > 0 {
		err = s.stampClaim(ctx, tx, ids, token, now.Add(lease))
		if err != nil {
			return nil, err
		}

		records, err = s.selectClaimed(ctx, tx, token)
		if err != nil {
			return nil, err
		}
	}

	err = tx.Commit()
	committed = err == nil
	if err != nil {
		return nil, fmt.Errorf("committing claim transaction: %w", err)
	}

	return records, nil
}

func (s *sqlStore) selectClaimableIDs(ctx context.Context, tx Tx, now time.Time, limit int) ([]any, error) {
	// nolint:gosec
	query := s.buildClaimCandidatesQuery()
	rows, err := tx.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("querying claimable records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ids []any
	for rows.Next() {
		var id any
		switch s.dbCtx.dialect {
		case SQLDialectPostgres, SQLDialectMariaDB:
			var u uuid.UUID
			if err := rows.Scan(&u); err != nil {
				return nil, fmt.Errorf("scanning claimable record id: %w", err)
			}
			id = u
		default:
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				return nil, fmt.Errorf("scanning claimable record id: %w", err)
			}
			id = raw
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating claimable records: %w", err)
	}
	return ids, nil
}

func (s *sqlStore) buildClaimCandidatesQuery() string {
	nowPlaceholder := s.dbCtx.getSQLPlaceholder(1)
	limitPlaceholder := s.dbCtx.getSQLPlaceholder(2)
	claimable := fmt.Sprintf("claimed_until IS NULL OR claimed_until < %s", nowPlaceholder)

	switch s.dbCtx.dialect {
	case SQLDialectOracle:
		// Oracle cannot combine the row limiting clause with FOR UPDATE
		// (ORA-02014). The lease predicate alone keeps the claim correct.
		return fmt.Sprintf(`SELECT id FROM %s
			WHERE %s
			ORDER BY created_at ASC, id ASC
			FETCH FIRST %s ROWS ONLY`, s.dbCtx.tableName, claimable, limitPlaceholder)

	case SQLDialectSQLServer:
		return fmt.Sprintf(`SELECT TOP (%s) id FROM %s WITH (UPDLOCK, READPAST)
			WHERE %s
			ORDER BY created_at ASC, id ASC`, limitPlaceholder, s.dbCtx.tableName, claimable)

	default:
		query := fmt.Sprintf(`SELECT id FROM %s
			WHERE %s
			ORDER BY created_at ASC, id ASC LIMIT %s`, s.dbCtx.tableName, claimable, limitPlaceholder)
		if s.dbCtx.supportsSkipLocked() {
			query += " FOR UPDATE SKIP LOCKED"
		}
		return query
	}
}

func (s *sqlStore) stampClaim(ctx context.Context, tx Tx, ids []any, token string, until time.Time) error {
	placeholders := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, token, until)
	for idx := range ids {
		placeholders = append(placeholders, s.dbCtx.getSQLPlaceholder(idx+3))
		args = append(args, ids[idx])
	}

	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET claimed_by = %s, claimed_until = %s WHERE id IN (%s)",
		s.dbCtx.tableName,
		s.dbCtx.getSQLPlaceholder(1),
		s.dbCtx.getSQLPlaceholder(2),
		strings.Join(placeholders, ", "))
	_, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("stamping claim: %w", err)
	}
	return nil
}

func (s *sqlStore) selectClaimed(ctx context.Context, tx Tx, token string) ([]*Record, error) {
	// nolint:gosec
	query := fmt.Sprintf(`SELECT id, topic, partition_key, headers, payload, created_at, attempts
		FROM %s WHERE claimed_by = %s ORDER BY created_at ASC, id ASC`,
		s.dbCtx.tableName, s.dbCtx.getSQLPlaceholder(1))
	rows, err := tx.QueryContext(ctx, query, token)
	if err != nil {
		return nil, fmt.Errorf("querying claimed records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []*Record
	for rows.Next() {
		rec := &Record{}
		var partitionKey sql.NullString
		var headersJSON []byte
		if err := rows.Scan(&rec.ID, &rec.Topic, &partitionKey, &headersJSON, &rec.Payload, &rec.CreatedAt, &rec.Attempts); err != nil {
			return nil, fmt.Errorf("scanning claimed record: %w", err)
		}
		rec.PartitionKey = partitionKey.String
		if len(headersJSON) > 0 {
			if err := json.Unmarshal(headersJSON, &rec.Headers); err != nil {
				return nil, fmt.Errorf("decoding headers of record %s: %w", rec.ID, err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating claimed records: %w", err)
	}
	return records, nil
}

func (s *sqlStore) Extend(ctx context.Context, token string, lease time.Duration) error {
	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET claimed_until = %s WHERE claimed_by = %s",
		s.dbCtx.tableName,
		s.dbCtx.getSQLPlaceholder(1),
		s.dbCtx.getSQLPlaceholder(2))
	_, err := s.dbCtx.db.ExecContext(ctx, query, time.Now().UTC().Add(lease), token)
	if err != nil {
		return fmt.Errorf("extending claim lease: %w", err)
	}
	return nil
}

func (s *sqlStore) Release(ctx context.Context, token string) error {
	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET claimed_by = NULL, claimed_until = NULL WHERE claimed_by = %s",
		s.dbCtx.tableName, s.dbCtx.getSQLPlaceholder(1))
	_, err := s.dbCtx.db.ExecContext(ctx, query, token)
	if err != nil {
		return fmt.Errorf("releasing claim: %w", err)
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids))
	for idx, id := range ids {
		placeholders = append(placeholders, s.dbCtx.getSQLPlaceholder(idx+1))
		args = append(args, s.dbCtx.formatRecordIDForDB(id))
	}
	// nolint:gosec
	query := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", s.dbCtx.tableName, strings.Join(placeholders, ", "))
	_, err := s.dbCtx.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting records: %w", err)
	}
	return nil
}

func (s *sqlStore) MarkAttempt(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids))
	for idx, id := range ids {
		placeholders = append(placeholders, s.dbCtx.getSQLPlaceholder(idx+1))
		args = append(args, s.dbCtx.formatRecordIDForDB(id))
	}
	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET attempts = attempts + 1 WHERE id IN (%s)",
		s.dbCtx.tableName, strings.Join(placeholders, ", "))
	_, err := s.dbCtx.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("marking publish attempt: %w", err)
	}
	return nil
}
