package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/relaymesh/gatehouse/pkg/intent"
	"github.com/relaymesh/gatehouse/pkg/reason"
)

// ValidateConfig carries the structural checks.
type ValidateConfig struct {
	// ChainID pins intents to one chain. Empty disables the check.
	ChainID string
	// MaxGas caps gas_limit. 0 disables the check.
	MaxGas int64
	// SchemaJSON is an optional JSON Schema (2020-12) applied to the
	// whole payload before any other check.
	SchemaJSON string
}

// Validate runs the structural checks: schema, chain match, signature,
// gas bounds.
type Validate struct {
	cfg      ValidateConfig
	schema   *jsonschema.Schema
	verifier Verifier
}

// NewValidate builds the stage, compiling the schema once. verifier may
// be nil; signed payloads are then rejected.
func NewValidate(cfg ValidateConfig, verifier Verifier) (*Validate, error) {
	v := &Validate{cfg: cfg, verifier: verifier}
	if cfg.SchemaJSON != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const schemaURL = "https://gatehouse.schemas.local/intent.schema.json"
		if err := c.AddResource(schemaURL, strings.NewReader(cfg.SchemaJSON)); err != nil {
			return nil, fmt.Errorf("intent schema load failed: %w", err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("intent schema compile failed: %w", err)
		}
		v.schema = compiled
	}
	return v, nil
}

func (v *Validate) Name() string { return "validate" }

func (v *Validate) Run(ctx context.Context, ex *Exec) (intent.State, error) {
	// 1. Schema, when configured.
	if v.schema != nil {
		if err := v.schema.Validate(map[string]any(ex.Body)); err != nil {
			return "", reason.Reject(reason.CodeValidationSchemaFail, map[string]any{
				"detail": err.Error(),
			})
		}
	}

	// 2. Chain match.
	if v.cfg.ChainID != "" {
		if got, ok := stringField(ex.Body, "target_chain"); ok && got != v.cfg.ChainID {
			return "", reason.Reject(reason.CodeValidationChainMismatch, map[string]any{
				"expected": v.cfg.ChainID,
				"got":      got,
			})
		}
	}

	// 3. Signature, when present.
	if sig, ok := stringField(ex.Body, "signature"); ok && sig != "" {
		if v.verifier == nil {
			return "", reason.Reject(reason.CodeValidationSignatureFail, map[string]any{
				"detail": "no verifier configured",
			})
		}
		valid, err := v.verifier.Verify(ctx, ex.ClientKey, ex.Body, sig)
		if err != nil {
			return "", fmt.Errorf("signature verifier: %w", err)
		}
		if !valid {
			return "", reason.Reject(reason.CodeValidationSignatureFail, nil)
		}
	}

	// 4. Gas bounds.
	if v.cfg.MaxGas > 0 {
		if raw, present := ex.Body["gas_limit"]; present && raw != nil {
			gas, _, err := intField(ex.Body, "gas_limit")
			if err != nil || gas <= 0 || gas > v.cfg.MaxGas {
				rctx := map[string]any{"max_gas": v.cfg.MaxGas}
				if err == nil {
					rctx["gas_limit"] = gas
				}
				return "", reason.Reject(reason.CodeValidationGasBounds, rctx)
			}
		}
	}

	return intent.StateValidated, nil
}
