package edge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/gatehouse/pkg/audit"
	"github.com/relaymesh/gatehouse/pkg/intent"
	"github.com/relaymesh/gatehouse/pkg/reason"
)

// emptyWasm is the smallest valid module: magic + version, no sections.
var emptyWasm = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestIsNoopMarksDefaults(t *testing.T) {
	set := DefaultSet()
	assert.True(t, IsNoop(set.Assembler))
	assert.True(t, IsNoop(set.Router))
	assert.True(t, IsNoop(set.Predictor))
	assert.True(t, IsNoop(set.Filter))
	assert.True(t, IsNoop(set.Capital))

	assert.False(t, IsNoop(fakeAssembler{}))
	assert.False(t, IsNoop(nil))
}

func TestNoopModuleBehavior(t *testing.T) {
	ctx := context.Background()
	recs := []*intent.Record{
		{IntentID: "a", Payload: json.RawMessage(`{"n":1}`)},
		{IntentID: "b", Payload: json.RawMessage(`{"n":2}`)},
	}

	bundle, err := NoopAssembler{}.Assemble(ctx, recs, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, bundle.Txs)
	assert.Equal(t, true, bundle.Metadata["noop"])

	route, err := NoopRouter{}.Route(ctx, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, route.Relays)

	pred, err := NoopPredictor{}.Predict(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, pred.Probability)

	filtered, err := NoopFilter{}.FilterAndTag(ctx, []string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, filtered.Txs)
	assert.Empty(t, filtered.Tags)

	authz, err := NoopCapital{}.Authorize(ctx, nil)
	require.NoError(t, err)
	assert.True(t, authz.Authorized)
}

func TestSetDescribe(t *testing.T) {
	got := DefaultSet().Describe()
	want := []string{
		"assembler:noop",
		"router:noop",
		"predictor:noop",
		"anti_mev:noop",
		"capital:noop",
	}
	assert.Equal(t, want, got)
}

func TestManifestValidate(t *testing.T) {
	valid := Manifest{Name: "edge-pro", Version: "0.3.1", API: "1.2.0"}

	tests := []struct {
		name    string
		mutate  func(m *Manifest)
		wantErr string
	}{
		{name: "valid", mutate: func(m *Manifest) {}},
		{name: "missing name", mutate: func(m *Manifest) { m.Name = "" }, wantErr: "missing name"},
		{name: "bad version", mutate: func(m *Manifest) { m.Version = "not-semver" }, wantErr: "invalid plugin version"},
		{name: "api too new", mutate: func(m *Manifest) { m.API = "2.0.0" }, wantErr: "host accepts"},
		{name: "api too old", mutate: func(m *Manifest) { m.API = "0.9.0" }, wantErr: "host accepts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoaderEmptyPathRunsPassthrough(t *testing.T) {
	dir := t.TempDir()
	logFile, err := audit.OpenLog(filepath.Join(dir, audit.LoaderFile))
	require.NoError(t, err)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	loader := NewLoader("", logFile, nil, WithLoaderClock(func() time.Time { return fixed }))
	set := loader.Resolve(context.Background())

	assert.True(t, IsNoop(set.Assembler))
	assert.Equal(t, ModeNoop, loader.Mode())

	// Resolving again must not write a second line.
	loader.Resolve(context.Background())

	lines, err := audit.ReadFile(filepath.Join(dir, audit.LoaderFile))
	require.NoError(t, err)
	require.Len(t, lines, 1)

	var entry audit.LoaderEntry
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, ModeNoop, entry.Mode)
	assert.Equal(t, fixed, entry.TS)
	assert.Contains(t, entry.Modules, "assembler:noop")
}

func TestLoaderBadManifestFallsBack(t *testing.T) {
	dir := t.TempDir()
	pluginPath := filepath.Join(dir, "plugin.wasm")
	require.NoError(t, os.WriteFile(pluginPath, emptyWasm, 0o644))
	manifest := `{"name":"edge-pro","version":"1.0.0","api":"9.0.0"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o644))

	loader := NewLoader(pluginPath, nil, nil)
	set := loader.Resolve(context.Background())

	assert.Equal(t, ModeNoop, loader.Mode())
	assert.True(t, IsNoop(set.Assembler))
}

func TestLoaderMissingBinaryFallsBack(t *testing.T) {
	dir := t.TempDir()
	manifest := `{"name":"edge-pro","version":"1.0.0","api":"1.0.0"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o644))

	loader := NewLoader(filepath.Join(dir, "plugin.wasm"), nil, nil)
	set := loader.Resolve(context.Background())

	assert.Equal(t, ModeNoop, loader.Mode())
	assert.True(t, IsNoop(set.Filter))
}

func TestLoaderResolvesPluginSubset(t *testing.T) {
	dir := t.TempDir()
	pluginPath := filepath.Join(dir, "plugin.wasm")
	require.NoError(t, os.WriteFile(pluginPath, emptyWasm, 0o644))
	manifest := `{"name":"edge-pro","version":"1.0.0","api":"1.1.0","modules":["router","capital"]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o644))

	loader := NewLoader(pluginPath, nil, nil)
	defer func() { _ = loader.Close() }()
	set := loader.Resolve(context.Background())

	assert.Equal(t, ModePlugin, loader.Mode())
	assert.True(t, IsNoop(set.Assembler), "unlisted module stays passthrough")
	assert.True(t, IsNoop(set.Predictor))
	assert.True(t, IsNoop(set.Filter))
	assert.False(t, IsNoop(set.Router))
	assert.False(t, IsNoop(set.Capital))

	want := []string{
		"assembler:noop",
		"router:plugin",
		"predictor:noop",
		"anti_mev:noop",
		"capital:plugin",
	}
	assert.Equal(t, want, set.Describe())
}

func TestHostRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	_, err := NewHost(ctx, "bad", []byte("not wasm"), DefaultHostConfig(), nil)
	if err == nil {
		t.Fatal("expected compile error for garbage bytes, got nil")
	}
	if !strings.Contains(err.Error(), "compile") {
		t.Fatalf("expected compile error, got: %v", err)
	}
}

func TestHostEmptyModuleProducesNoResponse(t *testing.T) {
	ctx := context.Background()
	host, err := NewHost(ctx, "empty", emptyWasm, DefaultHostConfig(), nil)
	if err != nil {
		t.Fatalf("failed to build host: %v", err)
	}
	defer func() { _ = host.Close() }()

	// The module exports nothing, so stdout stays empty and the response
	// decode fails.
	var out Route
	err = host.Call(ctx, capRoute, routeRequest{}, &out)
	if err == nil {
		t.Fatal("expected decode error for silent module, got nil")
	}
	if !strings.Contains(err.Error(), "decode") {
		t.Fatalf("expected decode error, got: %v", err)
	}
}

func TestGuardRefusesOnPassthroughAssembler(t *testing.T) {
	dir := t.TempDir()
	guardPath := filepath.Join(dir, audit.GuardFile)
	logFile, err := audit.OpenLog(guardPath)
	require.NoError(t, err)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	guard := NewSubmitGuard(DefaultSet(), nil, logFile, nil,
		WithGuardClock(func() time.Time { return fixed }))

	rec := &intent.Record{IntentID: "01J0TEST", CorrelationID: "corr-1", State: intent.StateQueued}
	err = guard.Check(context.Background(), rec)
	require.Error(t, err)

	var rej *reason.Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, reason.CodeSubmitNotAttempted, rej.Detail.Code)

	lines, err := audit.ReadFile(guardPath)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	var entry audit.GuardEntry
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "01J0TEST", entry.IntentID)
	assert.Equal(t, "corr-1", entry.CorrID)
	assert.Equal(t, "public-noop", entry.Guard)
}

type fakeAssembler struct{ bundle Bundle }

func (f fakeAssembler) Assemble(context.Context, []*intent.Record, map[string]any) (Bundle, error) {
	return f.bundle, nil
}

type fakeRouter struct{}

func (fakeRouter) Route(context.Context, map[string]any, map[string]any) (Route, error) {
	return Route{Relays: []string{"relay-a"}, Strategy: "broadcast"}, nil
}

type fakePredictor struct{}

func (fakePredictor) Predict(context.Context, map[string]any) (Prediction, error) {
	return Prediction{Probability: 0.8, TargetBlock: 123}, nil
}

type fakeFilter struct{}

func (fakeFilter) FilterAndTag(_ context.Context, txs []string) (FilterResult, error) {
	return FilterResult{Txs: txs, Tags: map[string]string{"0": "clean"}}, nil
}

type fakeCapital struct{ authz Authorization }

func (f fakeCapital) Authorize(context.Context, map[string]any) (Authorization, error) {
	return f.authz, nil
}

type captureSubmitter struct {
	jobs []SubmitJob
	err  error
}

func (c *captureSubmitter) Submit(_ context.Context, job SubmitJob) error {
	c.jobs = append(c.jobs, job)
	return c.err
}

func liveSet() Set {
	return Set{
		Assembler: fakeAssembler{bundle: Bundle{Txs: []string{"0xseed"}, Metadata: map[string]any{"k": "v"}}},
		Router:    fakeRouter{},
		Predictor: fakePredictor{},
		Filter:    fakeFilter{},
		Capital:   fakeCapital{authz: Authorization{Authorized: true}},
	}
}

func TestGuardDelegatesWithLiveSet(t *testing.T) {
	sub := &captureSubmitter{}
	guard := NewSubmitGuard(liveSet(), sub, nil, nil)

	rec := &intent.Record{IntentID: "01J0LIVE", State: intent.StateQueued}
	require.NoError(t, guard.Check(context.Background(), rec))

	require.Len(t, sub.jobs, 1)
	job := sub.jobs[0]
	assert.Equal(t, "01J0LIVE", job.Record.IntentID)
	assert.Equal(t, []string{"0xseed"}, job.Bundle.Txs)
	assert.Equal(t, []string{"relay-a"}, job.Route.Relays)
	assert.InDelta(t, 0.8, job.Prediction.Probability, 1e-9)
	assert.Equal(t, "clean", job.Filtered.Tags["0"])
}

func TestGuardCapitalRefusalBlocksSubmit(t *testing.T) {
	set := liveSet()
	set.Capital = fakeCapital{authz: Authorization{Authorized: false, Reason: "exposure cap"}}
	sub := &captureSubmitter{}
	guard := NewSubmitGuard(set, sub, nil, nil)

	rec := &intent.Record{IntentID: "01J0CAP", State: intent.StateQueued}
	err := guard.Check(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capital policy refused")
	assert.Empty(t, sub.jobs)
}

func TestGuardMissingSubmitter(t *testing.T) {
	guard := NewSubmitGuard(liveSet(), nil, nil, nil)
	err := guard.Check(context.Background(), &intent.Record{IntentID: "01J0NOSUB"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no submitter")
}
