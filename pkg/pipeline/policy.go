package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/relaymesh/gatehouse/pkg/audit"
	"github.com/relaymesh/gatehouse/pkg/intent"
	"github.com/relaymesh/gatehouse/pkg/reason"
)

// Admitter is the queue handle the policy stage pushes into.
type Admitter interface {
	Capacity() int
	Enqueue(rec *intent.Record) (bool, error)
}

// PolicyConfig carries the admission policy knobs.
type PolicyConfig struct {
	// AllowedAccounts restricts the from account. Empty disables the
	// check. Matching is case-insensitive.
	AllowedAccounts []string
	// Rule is an optional CEL expression over `intent` (the payload map)
	// and `client_key`. It must evaluate to a bool; false rejects.
	Rule string
	Gate GateConfig
}

// Policy runs the admission checks: account allowlist, profit gate, CEL
// rule, queue admission. Every profit-gate evaluation is written to the
// gate audit log, pass or fail.
type Policy struct {
	allowed map[string]bool
	gate    *ProfitGate
	rule    string
	prg     cel.Program
	admit   Admitter
	gateLog *audit.Log
	log     *slog.Logger
	clock   func() time.Time
}

// NewPolicy builds the stage, compiling the CEL rule once. admit and
// gateLog may be nil.
func NewPolicy(cfg PolicyConfig, admit Admitter, gateLog *audit.Log, log *slog.Logger) (*Policy, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Policy{
		gate:    NewProfitGate(cfg.Gate),
		rule:    cfg.Rule,
		admit:   admit,
		gateLog: gateLog,
		log:     log,
		clock:   time.Now,
	}
	if len(cfg.AllowedAccounts) > 0 {
		p.allowed = make(map[string]bool, len(cfg.AllowedAccounts))
		for _, a := range cfg.AllowedAccounts {
			p.allowed[strings.ToLower(a)] = true
		}
	}
	if cfg.Rule != "" {
		env, err := cel.NewEnv(
			cel.Variable("intent", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("client_key", cel.StringType),
		)
		if err != nil {
			return nil, fmt.Errorf("admission rule env: %w", err)
		}
		ast, issues := env.Compile(cfg.Rule)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("admission rule compile: %w", issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("admission rule program: %w", err)
		}
		p.prg = prg
	}
	return p, nil
}

// WithClock overrides the clock for deterministic testing.
func (p *Policy) WithClock(clock func() time.Time) *Policy {
	p.clock = clock
	return p
}

func (p *Policy) Name() string { return "policy" }

func (p *Policy) Run(ctx context.Context, ex *Exec) (intent.State, error) {
	// 1. Account allowlist.
	if len(p.allowed) > 0 {
		from, _ := stringField(ex.Body, "from")
		if !p.allowed[strings.ToLower(from)] {
			return "", reason.Reject(reason.CodePolicyAccountNotAllowed, map[string]any{
				"from": from,
			})
		}
	}

	// 2. Profit gate, when the payload carries a candidate and a quote.
	candidate, hasCandidate := mapField(ex.Body, "candidate")
	quote, hasQuote := mapField(ex.Body, "quote")
	if hasCandidate && hasQuote {
		res, rej := p.runGate(ex, candidate, quote)
		if rej != nil {
			return "", rej
		}
		if !res.Pass {
			return "", reason.Reject(reason.CodePolicyFeeTooLow, map[string]any{
				"profit_wei":     res.Profit.String(),
				"roi_bps":        res.ROIBps.String(),
				"min_profit_wei": p.gate.MinProfit().String(),
				"min_roi_bps":    p.gate.MinROI(),
			})
		}
	}

	// 3. Admission rule, when configured.
	if p.prg != nil {
		out, _, err := p.prg.Eval(map[string]any{
			"intent":     celValue(ex.Body),
			"client_key": ex.ClientKey,
		})
		if err != nil {
			return "", fmt.Errorf("admission rule eval: %w", err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return "", fmt.Errorf("admission rule returned %T, want bool", out.Value())
		}
		if !allowed {
			return "", reason.Reject(reason.CodePolicyAccountNotAllowed, map[string]any{
				"rule": p.rule,
			})
		}
	}

	// 4. Queue admission.
	if p.admit != nil {
		if p.admit.Capacity() <= 0 {
			return "", reason.Reject(reason.CodeQueueCapacity, map[string]any{"capacity": 0})
		}
		ok, err := p.admit.Enqueue(ex.Record)
		if err != nil {
			return "", fmt.Errorf("enqueue: %w", err)
		}
		if !ok {
			return "", reason.Reject(reason.CodeQueueCapacity, map[string]any{
				"capacity": p.admit.Capacity(),
			})
		}
	}

	return intent.StateQueued, nil
}

// runGate parses the wei inputs, evaluates the gate, and audits the
// outcome. A malformed amount is a client error, surfaced before any
// evaluation is recorded.
func (p *Policy) runGate(ex *Exec, candidate, quote map[string]any) (GateResult, *reason.Rejection) {
	amountIn, err := weiFromAny(candidate["amountIn"])
	if err != nil {
		return GateResult{}, reason.Reject(reason.CodeClientBadRequest, map[string]any{
			"field": "candidate.amountIn",
		})
	}
	expectedOut, err := weiFromAny(quote["amountOut"])
	if err != nil {
		return GateResult{}, reason.Reject(reason.CodeClientBadRequest, map[string]any{
			"field": "quote.amountOut",
		})
	}
	gasEstimate, ok, err := bigIntField(ex.Body, "gasEstimate")
	if err != nil {
		return GateResult{}, reason.Reject(reason.CodeClientBadRequest, map[string]any{
			"field": "gasEstimate",
		})
	}
	if !ok {
		gasEstimate = new(big.Int)
	}

	res := p.gate.Evaluate(amountIn, expectedOut, gasEstimate)
	if p.gateLog != nil {
		entry := audit.NewGateEvaluation(
			ex.CorrID, ex.Record.IntentID,
			res.Profit.String(), res.ROIBps.String(),
			p.gate.MinProfit().String(), p.gate.MinROI(),
			res.Pass, p.clock())
		if aerr := p.gateLog.Append(entry); aerr != nil {
			p.log.Error("gate audit append failed", "intent_id", ex.Record.IntentID, "error", aerr)
		}
	}
	return res, nil
}

// celValue rewrites json.Number values into types the CEL runtime
// understands, descending into objects and arrays.
func celValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return string(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = celValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = celValue(vv)
		}
		return out
	default:
		return v
	}
}
