// Package store provides the durable intent-store backends: SQLite for
// single-node deployments and Postgres for shared ones. Both satisfy
// intent.Store and implement the optimistic-lock contract as a single-row
// conditional UPDATE checking RowsAffected.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaymesh/gatehouse/pkg/intent"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists intent records in a single SQLite file, CGO-free.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and runs the
// migration.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	// modernc sqlite serializes writes itself; a single connection avoids
	// SQLITE_BUSY under concurrent CAS attempts.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing handle and runs the migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the time source used for window filtering, for
// tests.
func (s *SQLiteStore) WithClock(now func() time.Time) *SQLiteStore {
	s.now = now
	return s
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS intents (
		intent_id TEXT PRIMARY KEY,
		request_hash TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		state TEXT NOT NULL,
		reason_code TEXT NOT NULL DEFAULT 'ok',
		version INTEGER NOT NULL DEFAULT 0,
		received_at DATETIME NOT NULL,
		payload TEXT,
		enriched TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_intents_request_hash ON intents (request_hash);
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		idem_key TEXT PRIMARY KEY,
		intent_id TEXT NOT NULL,
		set_at DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const sqliteSelect = `
	SELECT intent_id, request_hash, correlation_id, state, reason_code, version, received_at, payload, enriched
	FROM intents`

func (s *SQLiteStore) GetByID(ctx context.Context, intentID string) (*intent.Record, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelect+` WHERE intent_id = ?`, intentID)
	return scanRecord(row)
}

func (s *SQLiteStore) GetByHash(ctx context.Context, hash string) (*intent.Record, error) {
	row := s.db.QueryRowContext(ctx,
		sqliteSelect+` WHERE request_hash = ? ORDER BY received_at DESC LIMIT 1`, hash)
	return scanRecord(row)
}

func (s *SQLiteStore) GetByHashWithin(ctx context.Context, hash string, window time.Duration) (*intent.Record, error) {
	cutoff := s.now().Add(-window).UTC().Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(ctx,
		sqliteSelect+` WHERE request_hash = ? AND received_at >= ? ORDER BY received_at DESC LIMIT 1`,
		hash, cutoff)
	return scanRecord(row)
}

func (s *SQLiteStore) GetByIdempotencyKeyWithin(ctx context.Context, key string, window time.Duration) (*intent.Record, error) {
	cutoff := s.now().Add(-window).UTC().Format(time.RFC3339Nano)
	var intentID string
	err := s.db.QueryRowContext(ctx,
		`SELECT intent_id FROM idempotency_keys WHERE idem_key = ? AND set_at >= ?`,
		key, cutoff).Scan(&intentID)
	if err == sql.ErrNoRows {
		// Lazy cleanup: an aged-out key is as good as absent.
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM idempotency_keys WHERE idem_key = ? AND set_at < ?`, key, cutoff)
		return nil, intent.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: idempotency key lookup: %w", err)
	}
	return s.GetByID(ctx, intentID)
}

func (s *SQLiteStore) Put(ctx context.Context, rec *intent.Record) error {
	query := `INSERT INTO intents (
		intent_id, request_hash, correlation_id, state, reason_code, version, received_at, payload, enriched
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (intent_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		rec.IntentID, rec.RequestHash, rec.CorrelationID, string(rec.State), rec.ReasonCode,
		rec.Version, rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
		nullableJSON(rec.Payload), nullableJSON(rec.Enriched))
	if err != nil {
		return fmt.Errorf("store: insert intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: insert intent: %w", err)
	}
	if n == 0 {
		return intent.ErrDuplicateID
	}
	return nil
}

func (s *SQLiteStore) SetIdempotencyKey(ctx context.Context, key, intentID string) error {
	query := `INSERT INTO idempotency_keys (idem_key, intent_id, set_at)
		VALUES (?, ?, ?)
		ON CONFLICT (idem_key) DO UPDATE SET intent_id = excluded.intent_id, set_at = excluded.set_at`
	_, err := s.db.ExecContext(ctx, query, key, intentID, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: set idempotency key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetEnriched(ctx context.Context, intentID string, enriched json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE intents SET enriched = ? WHERE intent_id = ?`, string(enriched), intentID)
	if err != nil {
		return fmt.Errorf("store: set enriched: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set enriched: %w", err)
	}
	if n == 0 {
		return intent.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CompareAndSwapState(ctx context.Context, intentID string, to intent.State, expectVersion int64, reasonCode string) (bool, error) {
	query := `UPDATE intents
		SET state = ?, version = version + 1,
		    reason_code = CASE WHEN ? = 'REJECTED' THEN ? ELSE reason_code END
		WHERE intent_id = ? AND version = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(to), string(to), reasonCode, intentID, expectVersion)
	if err != nil {
		return false, fmt.Errorf("store: cas: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: cas: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*intent.Record, error) {
	var (
		rec        intent.Record
		state      string
		receivedAt string
		payload    sql.NullString
		enriched   sql.NullString
	)
	err := row.Scan(&rec.IntentID, &rec.RequestHash, &rec.CorrelationID, &state,
		&rec.ReasonCode, &rec.Version, &receivedAt, &payload, &enriched)
	if err == sql.ErrNoRows {
		return nil, intent.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan intent: %w", err)
	}
	rec.State = intent.State(state)
	rec.ReceivedAt = parseTime(receivedAt)
	if payload.Valid && payload.String != "" {
		rec.Payload = json.RawMessage(payload.String)
	}
	if enriched.Valid && enriched.String != "" {
		rec.Enriched = json.RawMessage(enriched.String)
	}
	return &rec, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
