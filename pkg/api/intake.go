package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/relaymesh/gatehouse/pkg/canonical"
	"github.com/relaymesh/gatehouse/pkg/envelope"
	"github.com/relaymesh/gatehouse/pkg/intent"
	"github.com/relaymesh/gatehouse/pkg/pipeline"
	"github.com/relaymesh/gatehouse/pkg/reason"
)

// handleIntent is the intake endpoint. Order of business: decode, hash,
// consult the idempotency layer, create the record at RECEIVED, run the
// pipeline, serialize the outcome.
func (s *Service) handleIntent(w http.ResponseWriter, r *http.Request) {
	corrID := CorrelationID(r.Context())
	clientKey := ClientKey(r.Context())

	release := func() {}
	if s.obs != nil {
		release = s.obs.TrackInflight(r.Context(), clientKey)
	}
	defer release()

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		envelope.WriteRejection(w, corrID, "", intent.StateRejected,
			reason.Reject(reason.CodeScreenTooLarge, map[string]any{
				"max_body_bytes": s.cfg.MaxBodyBytes,
			}), s.clock())
		return
	}

	body, rej := decodeBody(raw)
	if rej != nil {
		envelope.WriteRejection(w, corrID, "", intent.StateRejected, rej, s.clock())
		return
	}

	intentID, ok := body["intent_id"].(string)
	if !ok || intentID == "" {
		envelope.WriteRejection(w, corrID, "", intent.StateRejected,
			reason.Reject(reason.CodeClientBadRequest, map[string]any{
				"field": "intent_id",
			}), s.clock())
		return
	}

	requestHash, err := canonical.Hash(raw)
	if err != nil {
		envelope.WriteInternal(w, s.log, corrID, err, s.clock())
		return
	}

	// Idempotency consult, key first, then hash.
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		if prior, err := s.store.GetByIdempotencyKeyWithin(r.Context(), key, s.cfg.IdempotencyWindow); err == nil {
			s.replay(w, r, prior)
			return
		} else if !errors.Is(err, intent.ErrNotFound) {
			envelope.WriteInternal(w, s.log, corrID, err, s.clock())
			return
		}
	}
	if prior, err := s.store.GetByHashWithin(r.Context(), requestHash, s.cfg.IdempotencyWindow); err == nil {
		equal, cerr := canonical.Equal(prior.Payload, raw)
		if cerr != nil {
			envelope.WriteInternal(w, s.log, corrID, cerr, s.clock())
			return
		}
		if equal {
			s.replay(w, r, prior)
			return
		}
		// Same hash, different canonical body: treated as a replay, not
		// admitted for a second run.
		envelope.WriteRejection(w, corrID, requestHash, intent.StateRejected,
			reason.Reject(reason.CodeScreenReplaySeen, map[string]any{
				"request_hash": requestHash,
			}), s.clock())
		return
	} else if !errors.Is(err, intent.ErrNotFound) {
		envelope.WriteInternal(w, s.log, corrID, err, s.clock())
		return
	}

	rec := &intent.Record{
		IntentID:      intentID,
		RequestHash:   requestHash,
		CorrelationID: corrID,
		State:         intent.StateReceived,
		ReasonCode:    reason.CodeOK,
		ReceivedAt:    s.clock().UTC(),
		Payload:       json.RawMessage(raw),
	}
	if err := s.store.Put(r.Context(), rec); err != nil {
		if errors.Is(err, intent.ErrDuplicateID) {
			envelope.WriteRejection(w, corrID, requestHash, intent.StateRejected,
				reason.Reject(reason.CodeClientBadRequest, map[string]any{
					"field":  "intent_id",
					"detail": "intent_id already exists",
				}), s.clock())
			return
		}
		envelope.WriteInternal(w, s.log, corrID, err, s.clock())
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		if err := s.store.SetIdempotencyKey(r.Context(), key, intentID); err != nil {
			s.log.Error("idempotency key store failed",
				"intent_id", intentID, "corr_id", corrID, "error", err)
		}
	}

	done := func(string) {}
	if s.obs != nil {
		done = s.obs.TrackDecision(r.Context())
	}

	res := s.runner.Run(r.Context(), &pipeline.Exec{
		Record:      rec,
		Body:        body,
		CorrID:      corrID,
		RequestHash: requestHash,
		ClientKey:   clientKey,
	})

	if s.obs != nil && s.depth != nil {
		s.obs.ObserveQueueDepth(r.Context(), s.depth())
	}

	if res.Rejection != nil {
		done(res.Rejection.Detail.Code)
		envelope.WriteRejection(w, corrID, requestHash, intent.StateRejected,
			res.Rejection, s.clock())
		return
	}
	done("queued")

	envelope.WriteAccepted(w, http.StatusCreated, envelope.Accepted{
		IntentID:      rec.IntentID,
		State:         res.State,
		CorrelationID: corrID,
	})
}

// replay answers an idempotent repeat with the stored record's fields.
// The response is always 2xx, even for a record that was rejected — the
// success shape reports the prior decision without re-running anything.
func (s *Service) replay(w http.ResponseWriter, r *http.Request, prior *intent.Record) {
	if s.obs != nil {
		s.obs.RecordIdempotencyHit(r.Context())
	}
	envelope.WriteAccepted(w, http.StatusOK, envelope.Accepted{
		IntentID:      prior.IntentID,
		State:         prior.State,
		CorrelationID: prior.CorrelationID,
	})
}

// decodeBody parses the payload into the pipeline's working view.
// Numbers stay as json.Number so wei amounts survive undamaged.
func decodeBody(raw []byte) (map[string]any, *reason.Rejection) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, reason.Reject(reason.CodeClientBadRequest, map[string]any{
			"detail": "body is not a JSON object",
		})
	}
	if dec.More() {
		return nil, reason.Reject(reason.CodeClientBadRequest, map[string]any{
			"detail": "trailing data after JSON object",
		})
	}
	return body, nil
}

func notFoundRejection(intentID string) *reason.Rejection {
	return reason.Reject(reason.CodeClientNotFound, map[string]any{
		"intent_id": intentID,
	})
}

func lastReason(code string) *reason.Detail {
	if code == reason.CodeOK || code == "" {
		return nil
	}
	d, ok := reason.Resolve(code)
	if !ok {
		d, _ = reason.Resolve(reason.CodeInternalError)
	}
	return &d
}
