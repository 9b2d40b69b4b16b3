package edge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaymesh/gatehouse/pkg/audit"
	"github.com/relaymesh/gatehouse/pkg/intent"
	"github.com/relaymesh/gatehouse/pkg/reason"
)

// SubmitJob carries a prepared submission to the relay layer.
type SubmitJob struct {
	Record     *intent.Record
	Bundle     Bundle
	Filtered   FilterResult
	Route      Route
	Prediction Prediction
}

// Submitter hands a prepared job to the relay fan-out.
type Submitter interface {
	Submit(ctx context.Context, job SubmitJob) error
}

// SubmitGuard sits between the admission queue and the relay layer. On a
// public build the assembler is a passthrough, so the guard refuses the
// handoff: it appends a refusal line to the guard audit log and returns
// SUBMIT_NOT_ATTEMPTED. The intent is never failed for this; it stays
// queued.
type SubmitGuard struct {
	set       Set
	submitter Submitter
	guardLog  *audit.Log
	log       *slog.Logger
	now       func() time.Time
}

// GuardOption adjusts guard construction.
type GuardOption func(*SubmitGuard)

// WithGuardClock overrides the audit timestamp source.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *SubmitGuard) { g.now = now }
}

// NewSubmitGuard builds a guard over the resolved capability set.
// submitter may be nil on public builds; guardLog may be nil in tests.
func NewSubmitGuard(set Set, submitter Submitter, guardLog *audit.Log, log *slog.Logger, opts ...GuardOption) *SubmitGuard {
	if log == nil {
		log = slog.Default()
	}
	g := &SubmitGuard{
		set:       set,
		submitter: submitter,
		guardLog:  guardLog,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check attempts relay submission for a queued intent. A passthrough
// assembler means this build cannot submit: the refusal is audited and
// reported as SUBMIT_NOT_ATTEMPTED. With a live plugin the guard runs the
// full chain: assemble, filter, route, predict, authorize, submit.
func (g *SubmitGuard) Check(ctx context.Context, rec *intent.Record) error {
	if IsNoop(g.set.Assembler) {
		if g.guardLog != nil {
			entry := audit.NewGuardRefusal(rec.CorrelationID, rec.IntentID, g.now())
			if err := g.guardLog.Append(entry); err != nil {
				g.log.Error("guard audit append failed", "intent_id", rec.IntentID, "error", err)
			}
		}
		return reason.Reject(reason.CodeSubmitNotAttempted, map[string]any{
			"intent_id": rec.IntentID,
		})
	}

	bundle, err := g.set.Assembler.Assemble(ctx, []*intent.Record{rec}, nil)
	if err != nil {
		return fmt.Errorf("assemble: %w", err)
	}
	filtered, err := g.set.Filter.FilterAndTag(ctx, bundle.Txs)
	if err != nil {
		return fmt.Errorf("anti-mev filter: %w", err)
	}
	route, err := g.set.Router.Route(ctx, bundle.Metadata, nil)
	if err != nil {
		return fmt.Errorf("route: %w", err)
	}
	prediction, err := g.set.Predictor.Predict(ctx, bundle.Metadata)
	if err != nil {
		return fmt.Errorf("predict: %w", err)
	}
	authz, err := g.set.Capital.Authorize(ctx, bundle.Metadata)
	if err != nil {
		return fmt.Errorf("capital policy: %w", err)
	}
	if !authz.Authorized {
		return fmt.Errorf("capital policy refused: %s", authz.Reason)
	}

	if g.submitter == nil {
		return fmt.Errorf("no submitter configured")
	}
	job := SubmitJob{
		Record:     rec,
		Bundle:     bundle,
		Filtered:   filtered,
		Route:      route,
		Prediction: prediction,
	}
	if err := g.submitter.Submit(ctx, job); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return nil
}
