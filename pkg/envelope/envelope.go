// Package envelope defines the wire shapes the service returns: the error
// envelope (sole failure shape), the accepted shape, and the status shape.
package envelope

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaymesh/gatehouse/pkg/intent"
	"github.com/relaymesh/gatehouse/pkg/reason"
)

// Envelope is the canonical failure response. Every non-2xx body is one of
// these; the HTTP status is always the embedded reason's http_status.
type Envelope struct {
	CorrID      string        `json:"corr_id"`
	RequestHash string        `json:"request_hash,omitempty"`
	State       intent.State  `json:"state"`
	Reason      reason.Detail `json:"reason"`
	TS          string        `json:"ts"`
}

// New builds an envelope stamped with ts in RFC3339 UTC.
func New(corrID, requestHash string, state intent.State, d reason.Detail, now time.Time) Envelope {
	return Envelope{
		CorrID:      corrID,
		RequestHash: requestHash,
		State:       state,
		Reason:      d,
		TS:          now.UTC().Format(time.RFC3339),
	}
}

// Accepted is the 2xx shape for intake responses, both first-time and
// idempotent replay.
type Accepted struct {
	IntentID      string       `json:"intent_id"`
	State         intent.State `json:"state"`
	CorrelationID string       `json:"correlation_id"`
}

// Status is the response shape of the status endpoint. LastReason is nil
// while the record's reason_code is "ok".
type Status struct {
	IntentID   string         `json:"intent_id"`
	State      intent.State   `json:"state"`
	LastReason *reason.Detail `json:"last_reason"`
}

// Write emits env with the reason's HTTP status.
func Write(w http.ResponseWriter, env Envelope) {
	writeJSON(w, env.Reason.HTTPStatus, env)
}

// WriteRejection composes and emits the envelope for a reasoned rejection.
func WriteRejection(w http.ResponseWriter, corrID, requestHash string, state intent.State, rej *reason.Rejection, now time.Time) {
	Write(w, New(corrID, requestHash, state, rej.Detail, now))
}

// WriteInternal logs the fault and emits an INTERNAL_ERROR envelope.
// Internal error text never reaches the client.
func WriteInternal(w http.ResponseWriter, log *slog.Logger, corrID string, err error, now time.Time) {
	if log != nil {
		log.Error("internal error", "corr_id", corrID, "error", err)
	}
	d, _ := reason.Resolve(reason.CodeInternalError)
	Write(w, New(corrID, "", intent.StateRejected, d, now))
}

// WriteAccepted emits the success shape with the given status
// (201 first-time, 200 replay).
func WriteAccepted(w http.ResponseWriter, status int, a Accepted) {
	writeJSON(w, status, a)
}

// WriteStatus emits the status shape with HTTP 200.
func WriteStatus(w http.ResponseWriter, s Status) {
	writeJSON(w, http.StatusOK, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
