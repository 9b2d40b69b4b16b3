// Package pipeline drives an accepted intent through the four admission
// stages: Screen, Validate, Enrich, Policy. Stages are small, ordered,
// and closed; each returns the state the intent advances to on success
// or a reasoned rejection. The runner owns transitions, audit lines, and
// latency samples.
package pipeline

import (
	"context"

	"github.com/relaymesh/gatehouse/pkg/intent"
)

// Exec is the mutable execution context threaded through the stages.
// Body is the decoded payload; Enrich replaces it with the normalized
// view so later stages see canonical addresses.
type Exec struct {
	Record      *intent.Record
	Body        map[string]any
	CorrID      string
	RequestHash string
	ClientKey   string
}

// Stage is one admission step. Run returns the state the intent advances
// to on success. Failures are *reason.Rejection values; any other error
// is an internal fault.
type Stage interface {
	Name() string
	Run(ctx context.Context, ex *Exec) (intent.State, error)
}
