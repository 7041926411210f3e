// Package audit records append-only evidence of every payment call outcome.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Source tells which layer wrote an entry.
type Source string

const (
	SourceAdapter      Source = "adapter"
	SourceOrchestrator Source = "orchestrator"
)

// Entry is one audit record. Entries are written once and never updated.
type Entry struct {
	ID           string    `json:"id"`
	TraceID      string    `json:"trace_id"`
	Source       Source    `json:"source"`
	CredentialID string    `json:"credential_id,omitempty"`
	CustomerID   string    `json:"customer_id,omitempty"`
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	Provider     string    `json:"provider,omitempty"`
	StatusCode   int       `json:"status_code"`
	LatencyMs    int64     `json:"latency_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Request      string    `json:"request,omitempty"`
	Response     string    `json:"response,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Sink accepts audit entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Snapshot renders v as compact JSON for the Request/Response fields.
// Values that cannot be encoded are replaced with an empty snapshot.
func Snapshot(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Stamp fills ID and CreatedAt when unset.
func Stamp(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e
}

// Multi fans an entry out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Entry) error {
	e = Stamp(e)
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes entries as structured log lines.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(ctx context.Context, e Entry) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if e.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	logger.LogAttrs(ctx, level, "audit",
		slog.String("trace_id", e.TraceID),
		slog.String("source", string(e.Source)),
		slog.String("endpoint", e.Endpoint),
		slog.String("method", e.Method),
		slog.String("provider", e.Provider),
		slog.Int("status_code", e.StatusCode),
		slog.Int64("latency_ms", e.LatencyMs),
		slog.String("error", e.ErrorMessage),
	)
	return nil
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry) error { return nil }

// MemorySink keeps entries in process, newest last.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *MemorySink) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Stamp(e))
	return nil
}

// Entries returns a copy of everything recorded so far.
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
