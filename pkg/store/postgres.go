package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaymesh/gatehouse/pkg/intent"

	_ "github.com/lib/pq"
)

// PostgresStore persists intent records in Postgres. The CAS contract is
// a single conditional UPDATE; concurrent advances race on the version
// column and exactly one wins.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenPostgres connects with the given DSN and runs the migration.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: postgres ping: %w", err)
	}
	return NewPostgresStore(db)
}

// NewPostgresStore wraps an existing handle and runs the migration.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the time source used for window filtering, for
// tests.
func (s *PostgresStore) WithClock(now func() time.Time) *PostgresStore {
	s.now = now
	return s
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS intents (
		intent_id TEXT PRIMARY KEY,
		request_hash TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		state TEXT NOT NULL,
		reason_code TEXT NOT NULL DEFAULT 'ok',
		version BIGINT NOT NULL DEFAULT 0,
		received_at TIMESTAMPTZ NOT NULL,
		payload JSONB,
		enriched JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_intents_request_hash ON intents (request_hash);
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		idem_key TEXT PRIMARY KEY,
		intent_id TEXT NOT NULL,
		set_at TIMESTAMPTZ NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const pgSelect = `SELECT intent_id, request_hash, correlation_id, state, reason_code, version, received_at, payload, enriched FROM intents`

func (s *PostgresStore) GetByID(ctx context.Context, intentID string) (*intent.Record, error) {
	row := s.db.QueryRowContext(ctx, pgSelect+` WHERE intent_id = $1`, intentID)
	return scanPgRecord(row)
}

func (s *PostgresStore) GetByHash(ctx context.Context, hash string) (*intent.Record, error) {
	row := s.db.QueryRowContext(ctx,
		pgSelect+` WHERE request_hash = $1 ORDER BY received_at DESC LIMIT 1`, hash)
	return scanPgRecord(row)
}

func (s *PostgresStore) GetByHashWithin(ctx context.Context, hash string, window time.Duration) (*intent.Record, error) {
	row := s.db.QueryRowContext(ctx,
		pgSelect+` WHERE request_hash = $1 AND received_at >= $2 ORDER BY received_at DESC LIMIT 1`,
		hash, s.now().Add(-window).UTC())
	return scanPgRecord(row)
}

func (s *PostgresStore) GetByIdempotencyKeyWithin(ctx context.Context, key string, window time.Duration) (*intent.Record, error) {
	cutoff := s.now().Add(-window).UTC()
	var intentID string
	err := s.db.QueryRowContext(ctx,
		`SELECT intent_id FROM idempotency_keys WHERE idem_key = $1 AND set_at >= $2`,
		key, cutoff).Scan(&intentID)
	if err == sql.ErrNoRows {
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM idempotency_keys WHERE idem_key = $1 AND set_at < $2`, key, cutoff)
		return nil, intent.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: idempotency key lookup: %w", err)
	}
	return s.GetByID(ctx, intentID)
}

func (s *PostgresStore) Put(ctx context.Context, rec *intent.Record) error {
	query := `INSERT INTO intents (
		intent_id, request_hash, correlation_id, state, reason_code, version, received_at, payload, enriched
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (intent_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		rec.IntentID, rec.RequestHash, rec.CorrelationID, string(rec.State), rec.ReasonCode,
		rec.Version, rec.ReceivedAt.UTC(), nullableJSON(rec.Payload), nullableJSON(rec.Enriched))
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

func (s *PostgresStore) SetIdempotencyKey(ctx context.Context, key, intentID string) error {
	query := `INSERT INTO idempotency_keys (idem_key, intent_id, set_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (idem_key) DO UPDATE SET intent_id = EXCLUDED.intent_id, set_at = EXCLUDED.set_at`
	if _, err := s.db.ExecContext(ctx, query, key, intentID, s.now().UTC()); err != nil {
		return fmt.Errorf("store: set idempotency key: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetEnriched(ctx context.Context, intentID string, enriched json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE intents SET enriched = $1 WHERE intent_id = $2`, string(enriched), intentID)
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

func (s *PostgresStore) CompareAndSwapState(ctx context.Context, intentID string, to intent.State, expectVersion int64, reasonCode string) (bool, error) {
	query := `UPDATE intents
		SET state = $1, version = version + 1,
		    reason_code = CASE WHEN $1 = 'REJECTED' THEN $2 ELSE reason_code END
		WHERE intent_id = $3 AND version = $4`
	res, err := s.db.ExecContext(ctx, query, string(to), reasonCode, intentID, expectVersion)
	if err != nil {
		return false, fmt.Errorf("store: cas: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: cas: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanPgRecord(row rowScanner) (*intent.Record, error) {
	var (
		rec      intent.Record
		state    string
		payload  sql.NullString
		enriched sql.NullString
	)
	err := row.Scan(&rec.IntentID, &rec.RequestHash, &rec.CorrelationID, &state,
		&rec.ReasonCode, &rec.Version, &rec.ReceivedAt, &payload, &enriched)
	if err == sql.ErrNoRows {
		return nil, intent.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan intent: %w", err)
	}
	rec.State = intent.State(state)
	if payload.Valid && payload.String != "" {
		rec.Payload = json.RawMessage(payload.String)
	}
	if enriched.Valid && enriched.String != "" {
		rec.Enriched = json.RawMessage(enriched.String)
	}
	return &rec, nil
}
