// Package edge is the pluggable seam between the admission pipeline and
// the relay fan-out layer: bundle assembly, relay routing, inclusion
// prediction, MEV filtering, and capital authorization. Public builds run
// the passthrough defaults; a resolved plugin replaces them wholesale.
package edge

import (
	"context"

	"github.com/relaymesh/gatehouse/pkg/intent"
)

// Bundle is the assembler output: raw signed transactions plus free-form
// metadata consumed by the router and predictor.
type Bundle struct {
	Txs      []string       `json:"txs"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Assembler turns admitted intents into a submittable bundle.
type Assembler interface {
	Assemble(ctx context.Context, intents []*intent.Record, constraints map[string]any) (Bundle, error)
}

// Route names the relays a bundle should be offered to.
type Route struct {
	Relays   []string `json:"relays"`
	Strategy string   `json:"strategy,omitempty"`
}

// Router selects relays for a bundle.
type Router interface {
	Route(ctx context.Context, meta map[string]any, hints map[string]any) (Route, error)
}

// Prediction estimates the chance of on-chain inclusion.
type Prediction struct {
	Probability float64 `json:"probability"`
	TargetBlock uint64  `json:"target_block,omitempty"`
}

// Predictor scores a bundle's inclusion odds.
type Predictor interface {
	Predict(ctx context.Context, meta map[string]any) (Prediction, error)
}

// FilterResult is the anti-MEV pass output.
type FilterResult struct {
	Txs  []string          `json:"txs"`
	Tags map[string]string `json:"tags,omitempty"`
}

// MEVFilter screens and tags transactions before relay handoff.
type MEVFilter interface {
	FilterAndTag(ctx context.Context, txs []string) (FilterResult, error)
}

// Authorization is the capital-policy verdict.
type Authorization struct {
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason,omitempty"`
	MaxGasWei  string `json:"max_gas_wei,omitempty"`
}

// CapitalPolicy decides whether capital may back a submission.
type CapitalPolicy interface {
	Authorize(ctx context.Context, meta map[string]any) (Authorization, error)
}

// Set bundles the five capabilities. The set is immutable after the
// loader resolves it.
type Set struct {
	Assembler Assembler
	Router    Router
	Predictor Predictor
	Filter    MEVFilter
	Capital   CapitalPolicy
}

// Modes reported by the loader.
const (
	ModeNoop   = "noop"
	ModePlugin = "plugin"
)

// Describe lists the set's modules for the loader audit line.
func (s Set) Describe() []string {
	mode := func(m any) string {
		if IsNoop(m) {
			return ModeNoop
		}
		return ModePlugin
	}
	return []string{
		"assembler:" + mode(s.Assembler),
		"router:" + mode(s.Router),
		"predictor:" + mode(s.Predictor),
		"anti_mev:" + mode(s.Filter),
		"capital:" + mode(s.Capital),
	}
}
