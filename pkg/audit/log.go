// Package audit writes the pipeline's append-only JSONL logs: rejection
// records, submission-guard refusals, and the edge-loader mode decision.
// Every line is a complete JSON object landed in a single write, so a
// crash can truncate at most the final line and never corrupts earlier
// ones.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/gatehouse/pkg/reason"
)

// Fixed file names inside the logs directory.
const (
	RejectionsFile = "rejections.jsonl"
	GuardFile      = "submission-guard.jsonl"
	LoaderFile     = "edge-loader.jsonl"
	GateFile       = "profit-gate.jsonl"
)

// Log serializes appends to one JSONL sink.
type Log struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// NewLog wraps an arbitrary writer, for tests and custom sinks.
func NewLog(w io.Writer) *Log {
	return &Log{w: w}
}

// OpenLog opens (creating if needed) an append-only log file.
func OpenLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Log{w: f, c: f}, nil
}

// Append marshals v and writes it as one line. The line is buffered first
// and handed to the sink in a single Write call.
func (l *Log) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

func (l *Log) Close() error {
	if l.c == nil {
		return nil
	}
	return l.c.Close()
}

// Files bundles the pipeline logs.
type Files struct {
	Rejections *Log
	Guard      *Log
	Loader     *Log
	Gate       *Log
}

// OpenDir creates dir if needed and opens the pipeline logs inside it.
func OpenDir(dir string) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: mkdir %s: %w", dir, err)
	}
	files := &Files{}
	for _, open := range []struct {
		name string
		dst  **Log
	}{
		{RejectionsFile, &files.Rejections},
		{GuardFile, &files.Guard},
		{LoaderFile, &files.Loader},
		{GateFile, &files.Gate},
	} {
		l, err := OpenLog(filepath.Join(dir, open.name))
		if err != nil {
			_ = files.Close()
			return nil, err
		}
		*open.dst = l
	}
	return files, nil
}

func (f *Files) Close() error {
	var firstErr error
	for _, l := range []*Log{f.Rejections, f.Guard, f.Loader, f.Gate} {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RejectionEntry is one line of rejections.jsonl. Context is lifted out of
// the reason detail so the reason object stays the published four-field
// shape.
type RejectionEntry struct {
	AuditID  string         `json:"audit_id"`
	TS       time.Time      `json:"ts"`
	CorrID   string         `json:"corr_id"`
	IntentID string         `json:"intent_id"`
	Stage    string         `json:"stage"`
	Reason   reason.Detail  `json:"reason"`
	Context  map[string]any `json:"context,omitempty"`
}

// NewRejection builds the audit line for a reasoned rejection.
func NewRejection(corrID, intentID, stage string, rej *reason.Rejection, now time.Time) RejectionEntry {
	d := rej.Detail
	ctx := d.Context
	d.Context = nil
	return RejectionEntry{
		AuditID:  uuid.New().String(),
		TS:       now.UTC(),
		CorrID:   corrID,
		IntentID: intentID,
		Stage:    stage,
		Reason:   d,
		Context:  ctx,
	}
}

// GuardEntry is one line of submission-guard.jsonl.
type GuardEntry struct {
	AuditID  string    `json:"audit_id"`
	TS       time.Time `json:"ts"`
	CorrID   string    `json:"corr_id"`
	IntentID string    `json:"intent_id"`
	Guard    string    `json:"guard"`
	Reason   string    `json:"reason"`
}

// NewGuardRefusal builds the line recorded when the public-build guard
// refuses relay handoff.
func NewGuardRefusal(corrID, intentID string, now time.Time) GuardEntry {
	return GuardEntry{
		AuditID:  uuid.New().String(),
		TS:       now.UTC(),
		CorrID:   corrID,
		IntentID: intentID,
		Guard:    "public-noop",
		Reason:   reason.CodeSubmitNotAttempted,
	}
}

// GateEntry is one line of profit-gate.jsonl. The gate records every
// evaluation, pass or fail.
type GateEntry struct {
	AuditID      string    `json:"audit_id"`
	TS           time.Time `json:"ts"`
	CorrID       string    `json:"corr_id"`
	IntentID     string    `json:"intent_id"`
	Profit       string    `json:"profit"`
	ROIBps       string    `json:"roi_bps"`
	MinProfitWei string    `json:"min_profit_wei"`
	MinROIBps    int64     `json:"min_roi_bps"`
	Pass         bool      `json:"pass"`
}

// NewGateEvaluation builds one profit-gate audit line. Wei amounts arrive
// as decimal strings so arbitrary precision survives serialization.
func NewGateEvaluation(corrID, intentID, profit, roiBps, minProfitWei string, minROIBps int64, pass bool, now time.Time) GateEntry {
	return GateEntry{
		AuditID:      uuid.New().String(),
		TS:           now.UTC(),
		CorrID:       corrID,
		IntentID:     intentID,
		Profit:       profit,
		ROIBps:       roiBps,
		MinProfitWei: minProfitWei,
		MinROIBps:    minROIBps,
		Pass:         pass,
	}
}

// LoaderEntry is one line of edge-loader.jsonl, written once per process
// when the edge module set is resolved.
type LoaderEntry struct {
	AuditID string    `json:"audit_id"`
	TS      time.Time `json:"ts"`
	Mode    string    `json:"mode"`
	Modules []string  `json:"modules"`
}

// NewLoaderDecision builds the plugin-mode audit line.
func NewLoaderDecision(mode string, modules []string, now time.Time) LoaderEntry {
	return LoaderEntry{
		AuditID: uuid.New().String(),
		TS:      now.UTC(),
		Mode:    mode,
		Modules: modules,
	}
}
