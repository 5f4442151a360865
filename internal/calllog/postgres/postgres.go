// Package postgres provides the PostgreSQL-backed [calllog.Store]. All
// operations share a single [pgxpool.Pool]; [Migrate] creates the schema on
// startup via CREATE TABLE IF NOT EXISTS.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxbridge/voxbridge/internal/calllog"
)

var _ calllog.Store = (*Store)(nil)

const defaultRecentLimit = 50

// Store is the PostgreSQL call record store. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool to the database at dsn and runs
// [Migrate] so the call_records table exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("calllog postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const ddlCallRecords = `
CREATE TABLE IF NOT EXISTS call_records (
    session_id           TEXT         PRIMARY KEY,
    call_sid             TEXT         NOT NULL DEFAULT '',
    stream_sid           TEXT         NOT NULL DEFAULT '',
    started_at           TIMESTAMPTZ  NOT NULL,
    ended_at             TIMESTAMPTZ  NOT NULL,
    cause                TEXT         NOT NULL DEFAULT '',
    error                TEXT         NOT NULL DEFAULT '',
    in_read              BIGINT       NOT NULL DEFAULT 0,
    in_forwarded         BIGINT       NOT NULL DEFAULT 0,
    in_dropped           BIGINT       NOT NULL DEFAULT 0,
    in_filtered          BIGINT       NOT NULL DEFAULT 0,
    in_bytes             BIGINT       NOT NULL DEFAULT 0,
    out_read             BIGINT       NOT NULL DEFAULT 0,
    out_forwarded        BIGINT       NOT NULL DEFAULT 0,
    out_dropped          BIGINT       NOT NULL DEFAULT 0,
    out_filtered         BIGINT       NOT NULL DEFAULT 0,
    out_bytes            BIGINT       NOT NULL DEFAULT 0,
    codec_errors         BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_call_records_started_at
    ON call_records (started_at);

CREATE INDEX IF NOT EXISTS idx_call_records_call_sid
    ON call_records (call_sid);
`

// Migrate creates the call_records table and its indexes if they do not
// already exist. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCallRecords); err != nil {
		return fmt.Errorf("calllog migrate: %w", err)
	}
	return nil
}

// Record implements [calllog.Store] as an upsert keyed by session_id.
func (s *Store) Record(ctx context.Context, r calllog.CallRecord) error {
	const q = `
		INSERT INTO call_records
		    (session_id, call_sid, stream_sid, started_at, ended_at, cause, error,
		     in_read, in_forwarded, in_dropped, in_filtered, in_bytes,
		     out_read, out_forwarded, out_dropped, out_filtered, out_bytes,
		     codec_errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
		        $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17,
		        $18)
		ON CONFLICT (session_id) DO UPDATE SET
		    ended_at      = EXCLUDED.ended_at,
		    cause         = EXCLUDED.cause,
		    error         = EXCLUDED.error,
		    in_read       = EXCLUDED.in_read,
		    in_forwarded  = EXCLUDED.in_forwarded,
		    in_dropped    = EXCLUDED.in_dropped,
		    in_filtered   = EXCLUDED.in_filtered,
		    in_bytes      = EXCLUDED.in_bytes,
		    out_read      = EXCLUDED.out_read,
		    out_forwarded = EXCLUDED.out_forwarded,
		    out_dropped   = EXCLUDED.out_dropped,
		    out_filtered  = EXCLUDED.out_filtered,
		    out_bytes     = EXCLUDED.out_bytes,
		    codec_errors  = EXCLUDED.codec_errors`

	_, err := s.pool.Exec(ctx, q,
		r.SessionID, r.CallSID, r.StreamSID, r.StartedAt, r.EndedAt, r.Cause, r.Error,
		int64(r.Inbound.Read), int64(r.Inbound.Forwarded), int64(r.Inbound.Dropped),
		int64(r.Inbound.Filtered), int64(r.Inbound.Bytes),
		int64(r.Outbound.Read), int64(r.Outbound.Forwarded), int64(r.Outbound.Dropped),
		int64(r.Outbound.Filtered), int64(r.Outbound.Bytes),
		int64(r.CodecErrors),
	)
	if err != nil {
		return fmt.Errorf("calllog postgres: record: %w", err)
	}
	return nil
}

const selectColumns = `
	session_id, call_sid, stream_sid, started_at, ended_at, cause, error,
	in_read, in_forwarded, in_dropped, in_filtered, in_bytes,
	out_read, out_forwarded, out_dropped, out_filtered, out_bytes,
	codec_errors`

// Get implements [calllog.Store].
func (s *Store) Get(ctx context.Context, sessionID string) (calllog.CallRecord, error) {
	q := "SELECT" + selectColumns + " FROM call_records WHERE session_id = $1"

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return calllog.CallRecord{}, fmt.Errorf("calllog postgres: get: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return calllog.CallRecord{}, fmt.Errorf("calllog postgres: get: %w", err)
		}
		return calllog.CallRecord{}, calllog.ErrNotFound
	}
	r, err := scanRecord(rows)
	if err != nil {
		return calllog.CallRecord{}, fmt.Errorf("calllog postgres: get: %w", err)
	}
	return r, nil
}

// Recent implements [calllog.Store].
func (s *Store) Recent(ctx context.Context, limit int) ([]calllog.CallRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	q := "SELECT" + selectColumns + " FROM call_records ORDER BY started_at DESC LIMIT $1"

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("calllog postgres: recent: %w", err)
	}
	defer rows.Close()

	records := make([]calllog.CallRecord, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("calllog postgres: recent: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calllog postgres: recent: %w", err)
	}
	return records, nil
}

func scanRecord(row pgx.Row) (calllog.CallRecord, error) {
	var (
		r                                           calllog.CallRecord
		inRead, inFwd, inDrop, inFilt, inBytes      int64
		outRead, outFwd, outDrop, outFilt, outBytes int64
		codecErrs                                   int64
	)
	err := row.Scan(
		&r.SessionID, &r.CallSID, &r.StreamSID, &r.StartedAt, &r.EndedAt, &r.Cause, &r.Error,
		&inRead, &inFwd, &inDrop, &inFilt, &inBytes,
		&outRead, &outFwd, &outDrop, &outFilt, &outBytes,
		&codecErrs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return calllog.CallRecord{}, calllog.ErrNotFound
		}
		return calllog.CallRecord{}, err
	}
	r.Inbound = counters(inRead, inFwd, inDrop, inFilt, inBytes)
	r.Outbound = counters(outRead, outFwd, outDrop, outFilt, outBytes)
	r.CodecErrors = uint64(codecErrs)
	return r, nil
}

func counters(read, fwd, drop, filt, bytes int64) calllog.DirectionCounters {
	return calllog.DirectionCounters{
		Read:      uint64(read),
		Forwarded: uint64(fwd),
		Dropped:   uint64(drop),
		Filtered:  uint64(filt),
		Bytes:     uint64(bytes),
	}
}
