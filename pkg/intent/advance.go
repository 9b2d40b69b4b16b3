package intent

import (
	"context"
	"errors"
	"fmt"

	"github.com/relaymesh/gatehouse/pkg/reason"
)

// ErrInvalidTransition reports an attempted move along an undeclared edge,
// including losing a CAS race to a different target state.
var ErrInvalidTransition = errors.New("intent: invalid transition")

// Executor is the sole writer of intent state. It enforces single-step
// legality and optimistic locking over any Store backend.
type Executor struct {
	store Store
}

func NewExecutor(store Store) *Executor {
	return &Executor{store: store}
}

// Advance moves intentID to target under the declared transition graph.
//
// Semantics:
//   - target == current state is an idempotent no-op success;
//   - an undeclared edge fails with ErrInvalidTransition;
//   - the write is a compare-and-set on the observed version; on a miss
//     the state is re-read once, and a fresh state equal to target counts
//     as success (the concurrent winner already did the work);
//   - a REJECTED target requires rej and records its code.
func (e *Executor) Advance(ctx context.Context, intentID string, target State, rej *reason.Rejection) error {
	rec, err := e.store.GetByID(ctx, intentID)
	if err != nil {
		return err
	}
	if rec.State == target {
		return nil
	}
	if !CanTransition(rec.State, target) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, rec.State, target)
	}

	code := reason.CodeOK
	if target == StateRejected {
		if rej == nil {
			return fmt.Errorf("intent: transition to REJECTED requires a reason")
		}
		code = rej.Detail.Code
	}

	swapped, err := e.store.CompareAndSwapState(ctx, intentID, target, rec.Version, code)
	if err != nil {
		return err
	}
	if swapped {
		return nil
	}

	// CAS miss: a concurrent advance won. If it reached the same target,
	// this call is a duplicate and succeeds without side effects.
	fresh, err := e.store.GetByID(ctx, intentID)
	if err != nil {
		return err
	}
	if fresh.State == target {
		return nil
	}
	return fmt.Errorf("%w: %s → %s superseded by %s", ErrInvalidTransition, rec.State, target, fresh.State)
}
