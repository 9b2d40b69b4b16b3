package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/relaymesh/gatehouse/pkg/intent"
)

// EnrichConfig carries the derivation knobs.
type EnrichConfig struct {
	// FeeMultiplier scales gas_limit into fee_ceiling. 0 disables the
	// derivation.
	FeeMultiplier float64
}

// Enrich never rejects. It lowercases address-shaped strings, derives
// fee_ceiling when gas_limit and a multiplier are present, and persists
// the result next to the untouched original payload.
type Enrich struct {
	cfg   EnrichConfig
	store intent.Store
}

// NewEnrich builds the stage. store may be nil; the enriched view then
// lives only on the in-flight record.
func NewEnrich(cfg EnrichConfig, store intent.Store) *Enrich {
	return &Enrich{cfg: cfg, store: store}
}

func (e *Enrich) Name() string { return "enrich" }

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

func (e *Enrich) Run(ctx context.Context, ex *Exec) (intent.State, error) {
	enriched := make(map[string]any, len(ex.Body)+1)
	for k, v := range ex.Body {
		enriched[k] = normalizeAddresses(v)
	}

	if e.cfg.FeeMultiplier > 0 {
		if gas, ok, err := intField(ex.Body, "gas_limit"); err == nil && ok {
			enriched["fee_ceiling"] = int64(math.Ceil(float64(gas) * e.cfg.FeeMultiplier))
		}
	}

	raw, err := json.Marshal(enriched)
	if err != nil {
		return "", fmt.Errorf("encode enriched payload: %w", err)
	}
	if e.store != nil {
		if err := e.store.SetEnriched(ctx, ex.Record.IntentID, raw); err != nil {
			return "", fmt.Errorf("persist enriched payload: %w", err)
		}
	}
	ex.Record.Enriched = raw
	ex.Body = enriched
	return intent.StateEnriched, nil
}

// normalizeAddresses lowercases address-shaped strings, descending into
// objects and arrays. Everything else passes through untouched.
func normalizeAddresses(v any) any {
	switch t := v.(type) {
	case string:
		if addressPattern.MatchString(t) {
			return strings.ToLower(t)
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalizeAddresses(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeAddresses(vv)
		}
		return out
	default:
		return v
	}
}
