package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaymesh/gatehouse/pkg/api"
	"github.com/relaymesh/gatehouse/pkg/audit"
	"github.com/relaymesh/gatehouse/pkg/config"
	"github.com/relaymesh/gatehouse/pkg/edge"
	"github.com/relaymesh/gatehouse/pkg/intent"
	"github.com/relaymesh/gatehouse/pkg/observability"
	"github.com/relaymesh/gatehouse/pkg/pipeline"
	"github.com/relaymesh/gatehouse/pkg/queue"
	"github.com/relaymesh/gatehouse/pkg/ratelimit"
	"github.com/relaymesh/gatehouse/pkg/store"
)

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profile := fs.String("profile", "", "path to a YAML configuration profile")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*profile)
	if err != nil {
		fmt.Fprintf(stderr, "configuration: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("service failed", "error", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	files, err := audit.OpenDir(cfg.LogsDir)
	if err != nil {
		return err
	}
	defer func() { _ = files.Close() }()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "gatehouse",
		ServiceVersion: version,
		Environment:    "production",
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		BatchTimeout:   5 * time.Second,
		SampleRate:     1.0,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	stages, q, err := buildStages(cfg, st, files, logger)
	if err != nil {
		return err
	}

	loader := edge.NewLoader(cfg.Edge.Plugin, files.Loader, logger)
	defer func() { _ = loader.Close() }()
	guard := edge.NewSubmitGuard(loader.Resolve(ctx), nil, files.Guard, logger)

	runner := pipeline.NewRunner(stages, intent.NewExecutor(st), guard, files.Rejections, obs, logger)

	svc := api.NewService(api.Config{
		MaxBodyBytes:      maxBodyBytes(cfg.Limits.MaxBytes),
		IdempotencyWindow: cfg.IdempotencyWindow(),
		AuthSecret:        cfg.Auth.Secret,
	}, st, runner, obs, logger, api.WithQueueDepth(q.Depth))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gatehouse listening", "addr", cfg.ListenAddr, "store", cfg.Store.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openStore builds the configured intent store and its close function.
func openStore(cfg *config.Config) (intent.Store, func(), error) {
	switch cfg.Store.Backend {
	case "memory":
		return intent.NewMemoryStore(), func() {}, nil
	case "sqlite":
		s, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := store.OpenPostgres(cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// buildStages assembles the four admission stages from the
// configuration.
func buildStages(cfg *config.Config, st intent.Store, files *audit.Files, logger *slog.Logger) ([]pipeline.Stage, *queue.Queue, error) {
	var (
		replay  pipeline.ReplayCache
		limiter ratelimit.Store
	)
	if cfg.Limiter.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Limiter.RedisAddr})
		replay = pipeline.NewRedisReplayCache(client, cfg.IdempotencyWindow())
		limiter = ratelimit.NewRedisStore(cfg.Limiter.RedisAddr, "", 0)
	} else {
		replay = pipeline.NewMemoryReplayCache(cfg.IdempotencyWindow())
		limiter = ratelimit.NewMemoryStore()
	}

	screen := pipeline.NewScreen(pipeline.ScreenConfig{
		MaxBytes:    cfg.Limits.MaxBytes,
		MinDeadline: cfg.MinDeadline(),
		RateLimit:   cfg.Limits.RateLimit,
		RatePolicy: ratelimit.Policy{
			PerSecond: cfg.Limiter.RatePerSecond,
			Burst:     cfg.Limiter.Burst,
		},
	}, replay, limiter)

	var verifier pipeline.Verifier
	if cfg.Validation.VerifierPubKey != "" {
		v, err := pipeline.NewEd25519Verifier(cfg.Validation.VerifierPubKey)
		if err != nil {
			return nil, nil, err
		}
		verifier = v
	}
	var schemaJSON string
	if cfg.Validation.SchemaPath != "" {
		data, err := os.ReadFile(cfg.Validation.SchemaPath)
		if err != nil {
			return nil, nil, fmt.Errorf("intent schema: %w", err)
		}
		schemaJSON = string(data)
	}
	validate, err := pipeline.NewValidate(pipeline.ValidateConfig{
		ChainID:    cfg.ChainID,
		MaxGas:     cfg.Limits.MaxGas,
		SchemaJSON: schemaJSON,
	}, verifier)
	if err != nil {
		return nil, nil, err
	}

	enrich := pipeline.NewEnrich(pipeline.EnrichConfig{
		FeeMultiplier: cfg.FeeMultiplier,
	}, st)

	gate, err := gateConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	q := queue.New(cfg.QueueCapacity)
	policy, err := pipeline.NewPolicy(pipeline.PolicyConfig{
		AllowedAccounts: cfg.Policy.AllowedAccounts,
		Rule:            cfg.Policy.Rule,
		Gate:            gate,
	}, q, files.Gate, logger)
	if err != nil {
		return nil, nil, err
	}

	return []pipeline.Stage{screen, validate, enrich, policy}, q, nil
}

// gateConfig parses the wei-string knobs; Load validated them already,
// so failures here are programming errors surfaced loudly.
func gateConfig(cfg *config.Config) (pipeline.GateConfig, error) {
	minProfit, err := config.Wei(cfg.ProfitGate.MinProfitWei)
	if err != nil {
		return pipeline.GateConfig{}, err
	}
	maxFee, err := config.Wei(cfg.ProfitGate.MaxFeePerGas)
	if err != nil {
		return pipeline.GateConfig{}, err
	}
	maxPrio, err := config.Wei(cfg.ProfitGate.MaxPriorityFeeGas)
	if err != nil {
		return pipeline.GateConfig{}, err
	}
	tip, err := config.Wei(cfg.ProfitGate.TipWei)
	if err != nil {
		return pipeline.GateConfig{}, err
	}
	return pipeline.GateConfig{
		MinProfitWei:      minProfit,
		MinROIBps:         cfg.ProfitGate.MinRoiBps,
		MaxFeePerGas:      maxFee,
		MaxPriorityFeeGas: maxPrio,
		FlashLoanUsed:     cfg.ProfitGate.FlashLoanUsed,
		FlashPremiumBps:   cfg.ProfitGate.FlashPremiumBps,
		TipWei:            tip,
	}, nil
}

// maxBodyBytes sizes the HTTP hard cap: at least 1 MiB, and always above
// the declared-size bound so Screen, not the reader, produces the
// precise rejection.
func maxBodyBytes(maxBytes int64) int64 {
	const floor = 1 << 20
	if maxBytes*2 > floor {
		return maxBytes * 2
	}
	return floor
}
