package edge

import (
	"context"

	"github.com/relaymesh/gatehouse/pkg/intent"
)

// noopMarker brands the passthrough implementations. The marker method is
// unexported so external plugins cannot satisfy it, which keeps the
// submit guard's noop detection honest.
type noopMarker struct{}

func (noopMarker) noopModule() {}

// IsNoop reports whether m is one of the built-in passthrough modules.
func IsNoop(m any) bool {
	_, ok := m.(interface{ noopModule() })
	return ok
}

// NoopAssembler returns the intents' own transactions untouched.
type NoopAssembler struct{ noopMarker }

func (NoopAssembler) Assemble(_ context.Context, intents []*intent.Record, _ map[string]any) (Bundle, error) {
	txs := make([]string, 0, len(intents))
	for _, rec := range intents {
		txs = append(txs, string(rec.Payload))
	}
	return Bundle{Txs: txs, Metadata: map[string]any{"noop": true}}, nil
}

// NoopRouter routes nowhere.
type NoopRouter struct{ noopMarker }

func (NoopRouter) Route(context.Context, map[string]any, map[string]any) (Route, error) {
	return Route{Relays: []string{}, Strategy: "none"}, nil
}

// NoopPredictor predicts nothing will land.
type NoopPredictor struct{ noopMarker }

func (NoopPredictor) Predict(context.Context, map[string]any) (Prediction, error) {
	return Prediction{Probability: 0}, nil
}

// NoopFilter passes every transaction through untagged.
type NoopFilter struct{ noopMarker }

func (NoopFilter) FilterAndTag(_ context.Context, txs []string) (FilterResult, error) {
	return FilterResult{Txs: txs}, nil
}

// NoopCapital authorizes unconditionally.
type NoopCapital struct{ noopMarker }

func (NoopCapital) Authorize(context.Context, map[string]any) (Authorization, error) {
	return Authorization{Authorized: true, Reason: "noop"}, nil
}

// DefaultSet is the public-build capability set.
func DefaultSet() Set {
	return Set{
		Assembler: NoopAssembler{},
		Router:    NoopRouter{},
		Predictor: NoopPredictor{},
		Filter:    NoopFilter{},
		Capital:   NoopCapital{},
	}
}
