// Package intent defines the intent record, its state machine, the store
// contract, and the transition executor that is the only writer of state.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Record is the central entity of the pipeline. It is owned by the store;
// stages read it through copies and mutate it only through store
// operations. Payload is the body exactly as received and is never
// rewritten; enrichment output lands in Enriched.
type Record struct {
	IntentID      string          `json:"intent_id"`
	RequestHash   string          `json:"request_hash"`
	CorrelationID string          `json:"correlation_id"`
	State         State           `json:"state"`
	ReasonCode    string          `json:"reason_code"`
	Version       int64           `json:"version"`
	ReceivedAt    time.Time       `json:"received_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Enriched      json.RawMessage `json:"enriched,omitempty"`
}

// Clone returns a deep copy safe to hand outside the store.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.Enriched != nil {
		cp.Enriched = append(json.RawMessage(nil), r.Enriched...)
	}
	return &cp
}

var (
	// ErrNotFound is returned by lookups that match no record, including
	// windowed lookups whose match has aged out.
	ErrNotFound = errors.New("intent: record not found")

	// ErrDuplicateID is returned by Put when the intent_id already exists.
	ErrDuplicateID = errors.New("intent: intent_id already stored")
)

// Store is the persistence contract for intent records and the two
// idempotency side-tables (by request hash, by idempotency key). Lookups
// return clones; all state mutation goes through CompareAndSwapState so
// the executor's optimistic-lock contract holds on every backend.
type Store interface {
	// GetByID returns the record for intent_id or ErrNotFound.
	GetByID(ctx context.Context, intentID string) (*Record, error)

	// GetByHash returns the record indexed under hash or ErrNotFound,
	// without freshness filtering.
	GetByHash(ctx context.Context, hash string) (*Record, error)

	// GetByHashWithin is GetByHash restricted to records received inside
	// the freshness window. Aged-out index entries are dropped on read.
	GetByHashWithin(ctx context.Context, hash string, window time.Duration) (*Record, error)

	// GetByIdempotencyKeyWithin resolves an idempotency key set inside the
	// freshness window, or ErrNotFound.
	GetByIdempotencyKeyWithin(ctx context.Context, key string, window time.Duration) (*Record, error)

	// Put stores a new record and indexes its request hash.
	Put(ctx context.Context, rec *Record) error

	// SetIdempotencyKey maps key to an existing record.
	SetIdempotencyKey(ctx context.Context, key, intentID string) error

	// SetEnriched persists the post-enrichment payload.
	SetEnriched(ctx context.Context, intentID string, enriched json.RawMessage) error

	// CompareAndSwapState atomically moves intent_id from
	// (expectVersion) to (to, expectVersion+1), recording reasonCode when
	// to is REJECTED. It returns false, nil on a version miss.
	CompareAndSwapState(ctx context.Context, intentID string, to State, expectVersion int64, reasonCode string) (bool, error)
}
