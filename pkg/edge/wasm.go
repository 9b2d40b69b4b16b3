package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/relaymesh/gatehouse/pkg/intent"
)

// Capability names passed to the plugin as argv[1].
const (
	capAssemble  = "assemble"
	capRoute     = "route"
	capPredict   = "predict"
	capFilter    = "filter"
	capAuthorize = "authorize"
)

// Advisory latency budgets per capability. Overruns are logged, not
// enforced; the hard wall is HostConfig.CallTimeout.
const (
	budgetAssemble = 50 * time.Millisecond
	budgetRoute    = 10 * time.Millisecond
	budgetDefault  = 5 * time.Millisecond
)

func capabilityBudget(capability string) time.Duration {
	switch capability {
	case capAssemble:
		return budgetAssemble
	case capRoute:
		return budgetRoute
	default:
		return budgetDefault
	}
}

// HostConfig bounds a plugin invocation.
type HostConfig struct {
	MemoryLimitBytes int64
	CallTimeout      time.Duration
}

// DefaultHostConfig caps plugins at 16MiB of linear memory and 200ms per
// call.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		MemoryLimitBytes: 16 << 20,
		CallTimeout:      200 * time.Millisecond,
	}
}

// Host runs a capability plugin inside a deny-by-default WASI sandbox:
// no filesystem, no network, no env vars. The module is compiled once;
// each call gets a fresh instance with its own stdio.
type Host struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	name     string
	cfg      HostConfig
	log      *slog.Logger
	seq      atomic.Uint64
}

// NewHost compiles the plugin module and prepares the sandbox runtime.
func NewHost(ctx context.Context, name string, wasm []byte, cfg HostConfig, log *slog.Logger) (*Host, error) {
	if log == nil {
		log = slog.Default()
	}
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitBytes > 0 {
		// wazero measures memory in 64KB pages.
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("plugin %s: compile: %w", name, err)
	}

	return &Host{runtime: r, compiled: compiled, name: name, cfg: cfg, log: log}, nil
}

// Call invokes one capability: the request travels in as JSON on stdin,
// the capability name as argv[1], and the response comes back on stdout.
func (h *Host) Call(ctx context.Context, capability string, request, response any) error {
	input, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("plugin %s: encode %s request: %w", h.name, capability, err)
	}

	// CPU time bounded by context deadline.
	if h.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.CallTimeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	// Instance names must be unique within a wazero runtime.
	modCfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("%s-%d", h.name, h.seq.Add(1))).
		WithStartFunctions("_start").
		WithArgs(h.name, capability).
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	start := time.Now()
	mod, err := h.runtime.InstantiateModule(ctx, h.compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if elapsed := time.Since(start); elapsed > capabilityBudget(capability) {
		h.log.Warn("plugin call over budget",
			"plugin", h.name,
			"capability", capability,
			"elapsed", elapsed,
			"budget", capabilityBudget(capability))
	}
	if err != nil {
		// A WASI command exits through proc_exit; code zero is a clean
		// return, not a failure.
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			if ctx.Err() != nil {
				return fmt.Errorf("plugin %s: %s timed out after %v", h.name, capability, h.cfg.CallTimeout)
			}
			return fmt.Errorf("plugin %s: %s failed: %w (stderr: %q)", h.name, capability, err, stderr.String())
		}
	}

	if err := json.Unmarshal(stdout.Bytes(), response); err != nil {
		return fmt.Errorf("plugin %s: decode %s response: %w", h.name, capability, err)
	}
	return nil
}

// Close shuts down the plugin runtime, freeing all resources.
func (h *Host) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.runtime.Close(ctx)
}

// Wire shapes for plugin requests. Responses reuse the public output
// types directly.

type assembleIntent struct {
	IntentID string          `json:"intent_id"`
	Payload  json.RawMessage `json:"payload"`
}

type assembleRequest struct {
	Intents     []assembleIntent `json:"intents"`
	Constraints map[string]any   `json:"constraints,omitempty"`
}

type routeRequest struct {
	Meta  map[string]any `json:"meta,omitempty"`
	Hints map[string]any `json:"hints,omitempty"`
}

type predictRequest struct {
	Meta map[string]any `json:"meta,omitempty"`
}

type filterRequest struct {
	Txs []string `json:"txs"`
}

type authorizeRequest struct {
	Meta map[string]any `json:"meta,omitempty"`
}

type pluginAssembler struct{ host *Host }

func (p pluginAssembler) Assemble(ctx context.Context, intents []*intent.Record, constraints map[string]any) (Bundle, error) {
	req := assembleRequest{
		Intents:     make([]assembleIntent, 0, len(intents)),
		Constraints: constraints,
	}
	for _, rec := range intents {
		req.Intents = append(req.Intents, assembleIntent{IntentID: rec.IntentID, Payload: rec.Payload})
	}
	var out Bundle
	if err := p.host.Call(ctx, capAssemble, req, &out); err != nil {
		return Bundle{}, err
	}
	return out, nil
}

type pluginRouter struct{ host *Host }

func (p pluginRouter) Route(ctx context.Context, meta, hints map[string]any) (Route, error) {
	var out Route
	if err := p.host.Call(ctx, capRoute, routeRequest{Meta: meta, Hints: hints}, &out); err != nil {
		return Route{}, err
	}
	return out, nil
}

type pluginPredictor struct{ host *Host }

func (p pluginPredictor) Predict(ctx context.Context, meta map[string]any) (Prediction, error) {
	var out Prediction
	if err := p.host.Call(ctx, capPredict, predictRequest{Meta: meta}, &out); err != nil {
		return Prediction{}, err
	}
	return out, nil
}

type pluginFilter struct{ host *Host }

func (p pluginFilter) FilterAndTag(ctx context.Context, txs []string) (FilterResult, error) {
	var out FilterResult
	if err := p.host.Call(ctx, capFilter, filterRequest{Txs: txs}, &out); err != nil {
		return FilterResult{}, err
	}
	return out, nil
}

type pluginCapital struct{ host *Host }

func (p pluginCapital) Authorize(ctx context.Context, meta map[string]any) (Authorization, error) {
	var out Authorization
	if err := p.host.Call(ctx, capAuthorize, authorizeRequest{Meta: meta}, &out); err != nil {
		return Authorization{}, err
	}
	return out, nil
}
