package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/relaymesh/gatehouse/pkg/audit"
	"github.com/relaymesh/gatehouse/pkg/intent"
	"github.com/relaymesh/gatehouse/pkg/observability"
	"github.com/relaymesh/gatehouse/pkg/reason"
)

// Result is the pipeline outcome for one intent.
type Result struct {
	State     intent.State
	Rejection *reason.Rejection // set when State is REJECTED
}

// Guard is the post-queue relay hook. Its outcome never moves the intent
// out of QUEUED.
type Guard interface {
	Check(ctx context.Context, rec *intent.Record) error
}

// Runner executes the admission stages in order against a freshly
// received intent, performing the matching state transition after each
// stage. Latency samples are recorded only after the transition
// persists, and rejection audit lines land before the caller can compose
// an envelope.
type Runner struct {
	stages   []Stage
	executor *intent.Executor
	guard    Guard
	rejects  *audit.Log
	obs      *observability.Provider
	log      *slog.Logger
	clock    func() time.Time
}

// RunnerOption adjusts runner construction.
type RunnerOption func(*Runner)

// WithRunnerClock overrides the clock for deterministic testing.
func WithRunnerClock(clock func() time.Time) RunnerOption {
	return func(r *Runner) { r.clock = clock }
}

// NewRunner wires the stage sequence. guard, rejects, and obs may be nil.
func NewRunner(stages []Stage, executor *intent.Executor, guard Guard, rejects *audit.Log, obs *observability.Provider, log *slog.Logger, opts ...RunnerOption) *Runner {
	if log == nil {
		log = slog.Default()
	}
	r := &Runner{
		stages:   stages,
		executor: executor,
		guard:    guard,
		rejects:  rejects,
		obs:      obs,
		log:      log,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run takes the intent from RECEIVED through the stages. It returns the
// final state and, for rejections, the reason that produced it.
func (r *Runner) Run(ctx context.Context, ex *Exec) Result {
	for _, stage := range r.stages {
		if res, stopped := r.runStage(ctx, stage, ex); stopped {
			return res
		}
	}

	// Relay handoff. SUBMIT_NOT_ATTEMPTED and every other guard outcome
	// leave the intent at QUEUED.
	if r.guard != nil {
		if err := r.guard.Check(ctx, ex.Record); err != nil {
			var rej *reason.Rejection
			if errors.As(err, &rej) && rej.Detail.Code == reason.CodeSubmitNotAttempted {
				r.log.Info("relay handoff not attempted",
					"intent_id", ex.Record.IntentID,
					"corr_id", ex.CorrID)
			} else {
				r.log.Error("relay handoff failed",
					"intent_id", ex.Record.IntentID,
					"corr_id", ex.CorrID,
					"error", err)
			}
		}
	}
	return Result{State: ex.Record.State}
}

// runStage runs one stage and its transition. stopped is true when the
// pipeline must not continue.
func (r *Runner) runStage(ctx context.Context, stage Stage, ex *Exec) (res Result, stopped bool) {
	start := r.clock()

	next, err := r.invoke(ctx, stage, ex)
	if err != nil {
		return r.reject(ctx, stage, ex, r.asRejection(stage, err), start), true
	}

	if aerr := r.executor.Advance(ctx, ex.Record.IntentID, next, nil); aerr != nil {
		r.log.Error("transition failed",
			"intent_id", ex.Record.IntentID,
			"target", string(next),
			"error", aerr)
		return r.reject(ctx, stage, ex, reason.Reject(reason.CodeInternalError, nil), start), true
	}
	ex.Record.State = next
	ex.Record.Version++
	r.recordStage(ctx, stage.Name(), start)
	return Result{}, false
}

// invoke calls the stage with panic containment. A panicking stage is an
// internal fault, logged with its stack.
func (r *Runner) invoke(ctx context.Context, stage Stage, ex *Exec) (next intent.State, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("stage panic",
				"stage", stage.Name(),
				"intent_id", ex.Record.IntentID,
				"panic", rec,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("stage %s panic: %v", stage.Name(), rec)
		}
	}()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return stage.Run(ctx, ex)
}

// asRejection maps stage errors onto the registry. A passed request
// deadline is the client's fault; every other fault is internal.
func (r *Runner) asRejection(stage Stage, err error) *reason.Rejection {
	var rej *reason.Rejection
	if errors.As(err, &rej) {
		return rej
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return reason.Reject(reason.CodeClientExpired, map[string]any{
			"detail": "request deadline passed",
		})
	}
	r.log.Error("stage fault", "stage", stage.Name(), "error", err)
	return reason.Reject(reason.CodeInternalError, nil)
}

// reject moves the intent to REJECTED, appends the audit line, then
// records the stage sample and the reject counter.
func (r *Runner) reject(ctx context.Context, stage Stage, ex *Exec, rej *reason.Rejection, start time.Time) Result {
	if err := r.executor.Advance(ctx, ex.Record.IntentID, intent.StateRejected, rej); err != nil {
		r.log.Error("reject transition failed",
			"intent_id", ex.Record.IntentID,
			"code", rej.Detail.Code,
			"error", err)
	}
	ex.Record.State = intent.StateRejected
	ex.Record.ReasonCode = rej.Detail.Code
	ex.Record.Version++

	if r.rejects != nil {
		entry := audit.NewRejection(ex.CorrID, ex.Record.IntentID, stage.Name(), rej, r.clock())
		if err := r.rejects.Append(entry); err != nil {
			r.log.Error("rejection audit append failed",
				"intent_id", ex.Record.IntentID,
				"error", err)
		}
	}
	r.recordStage(ctx, stage.Name(), start)
	if r.obs != nil {
		r.obs.RecordReject(ctx, rej.Detail.Code)
	}
	return Result{State: intent.StateRejected, Rejection: rej}
}

func (r *Runner) recordStage(ctx context.Context, name string, start time.Time) {
	if r.obs != nil {
		r.obs.RecordStage(ctx, name, r.clock().Sub(start))
	}
}
