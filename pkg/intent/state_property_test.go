//go:build property
// +build property

// Property-based tests for the lifecycle state machine.
package intent_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/relaymesh/gatehouse/pkg/intent"
)

func genState() gopter.Gen {
	states := intent.AllStates()
	return gen.IntRange(0, len(states)-1).Map(func(i int) intent.State {
		return states[i]
	})
}

// TestTerminalStatesAdmitNothing verifies no edge leaves a terminal
// state.
func TestTerminalStatesAdmitNothing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("terminal states have no successors", prop.ForAll(
		func(from, to intent.State) bool {
			if !from.IsTerminal() {
				return true
			}
			return !intent.CanTransition(from, to)
		},
		genState(),
		genState(),
	))

	properties.TestingRun(t)
}

// TestRejectionOnlyFromEarlyStates verifies REJECTED is reachable from
// the four pre-queue states and nowhere else.
func TestRejectionOnlyFromEarlyStates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	rejectable := map[intent.State]bool{
		intent.StateReceived:  true,
		intent.StateScreened:  true,
		intent.StateValidated: true,
		intent.StateEnriched:  true,
	}

	properties.Property("REJECTED reachable only pre-queue", prop.ForAll(
		func(from intent.State) bool {
			return intent.CanTransition(from, intent.StateRejected) == rejectable[from]
		},
		genState(),
	))

	properties.TestingRun(t)
}

// TestEveryEdgeEndsInValidState verifies the declared graph is closed
// over the declared states.
func TestEveryEdgeEndsInValidState(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("edges stay inside the declared states", prop.ForAll(
		func(from, to intent.State) bool {
			if !intent.CanTransition(from, to) {
				return true
			}
			return from.Valid() && to.Valid() && !from.IsTerminal()
		},
		genState(),
		genState(),
	))

	properties.TestingRun(t)
}
