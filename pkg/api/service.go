// Package api exposes the intake surface: POST /intent, GET
// /status/{intent_id}, and a liveness probe. Handlers stay thin — they
// assign correlation ids, consult the idempotency layer, and serialize
// envelopes; every admission decision lives in the pipeline.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/relaymesh/gatehouse/pkg/envelope"
	"github.com/relaymesh/gatehouse/pkg/intent"
	"github.com/relaymesh/gatehouse/pkg/observability"
	"github.com/relaymesh/gatehouse/pkg/pipeline"
)

// Config bounds the intake surface.
type Config struct {
	// MaxBodyBytes hard-caps the request body reader. The Screen stage
	// enforces the precise declared-size bound; this only stops a client
	// from streaming an unbounded body at the decoder.
	MaxBodyBytes int64
	// IdempotencyWindow is the freshness window for replay answers.
	IdempotencyWindow time.Duration
	// AuthSecret enables the bearer middleware when non-empty.
	AuthSecret string
}

// Service wires the intake handlers to the store and the pipeline.
type Service struct {
	cfg    Config
	store  intent.Store
	runner *pipeline.Runner
	obs    *observability.Provider
	log    *slog.Logger
	clock  func() time.Time
	depth  func() int
}

// Option adjusts service construction.
type Option func(*Service)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithQueueDepth registers the queue-depth probe sampled after each
// admission.
func WithQueueDepth(depth func() int) Option {
	return func(s *Service) { s.depth = depth }
}

// NewService builds the intake service. obs may be nil.
func NewService(cfg Config, store intent.Store, runner *pipeline.Runner, obs *observability.Provider, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = 60 * time.Second
	}
	s := &Service{
		cfg:    cfg,
		store:  store,
		runner: runner,
		obs:    obs,
		log:    log,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler with the correlation-id and
// auth middleware applied.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /intent", s.handleIntent)
	mux.HandleFunc("GET /status/{intent_id}", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	var h http.Handler = mux
	h = AuthMiddleware(s.cfg.AuthSecret, s.clock)(h)
	h = CorrelationMiddleware(h)
	return h
}

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// handleStatus reports the current state of a stored intent. The reason
// detail is resolved only for records carrying a non-"ok" code.
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	corrID := CorrelationID(r.Context())
	intentID := r.PathValue("intent_id")

	rec, err := s.store.GetByID(r.Context(), intentID)
	if err == intent.ErrNotFound {
		envelope.WriteRejection(w, corrID, "", intent.StateRejected,
			notFoundRejection(intentID), s.clock())
		return
	}
	if err != nil {
		envelope.WriteInternal(w, s.log, corrID, err, s.clock())
		return
	}

	envelope.WriteStatus(w, envelope.Status{
		IntentID:   rec.IntentID,
		State:      rec.State,
		LastReason: lastReason(rec.ReasonCode),
	})
}
