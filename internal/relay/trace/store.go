// Package trace persists append-only span records for post-hoc
// observability of Relay deliveries.
package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dork/dork/internal/db"
)

// Span kinds.
const (
	KindPublish        = "publish"
	KindDeliver        = "deliver"
	KindAdapterDeliver = "adapter_deliver"
	KindDeadLetter     = "dead_letter"
)

// ErrNotFound is returned when no span matches a lookup.
var ErrNotFound = errors.New("span not found")

// Span is one record of observed work.
type Span struct {
	TraceID      string `json:"traceId"`
	SpanID       string `json:"spanId"`
	ParentSpanID string `json:"parentSpanId,omitempty"`
	MessageID    string `json:"messageId"`
	Subject      string `json:"subject"`
	HopCount     int    `json:"hopCount"`
	Kind         string `json:"kind"`
	StartedAt    string `json:"startedAt"`
	DurationMs   int64  `json:"durationMs"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Percentiles summarises span latency.
type Percentiles struct {
	P50 int64 `json:"p50"`
	P95 int64 `json:"p95"`
	P99 int64 `json:"p99"`
}

// Metrics aggregates span counts and latency.
type Metrics struct {
	Counts             map[string]int `json:"counts"`
	LatencyPercentiles Percentiles    `json:"latencyPercentiles"`
	BudgetRejections   int            `json:"budgetRejections"`
}

// NewTraceID mints a trace id.
func NewTraceID() string {
	return uuid.New().String()
}

// Store persists spans in the shared database.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore creates the store and its schema.
func NewStore(database *db.Database) (*Store, error) {
	s := &Store{db: database.Writer, ro: database.Reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize trace schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS relay_spans (
		span_id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		parent_span_id TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL,
		subject TEXT NOT NULL,
		hop_count INTEGER NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		started_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_relay_spans_trace ON relay_spans(trace_id);
	CREATE INDEX IF NOT EXISTS idx_relay_spans_message ON relay_spans(message_id);
	CREATE INDEX IF NOT EXISTS idx_relay_spans_kind ON relay_spans(kind);
	`)
	return err
}

// Record appends one span. A missing span id is minted.
func (s *Store) Record(ctx context.Context, span Span) error {
	if span.SpanID == "" {
		span.SpanID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_spans (span_id, trace_id, parent_span_id, message_id, subject, hop_count, kind, started_at, duration_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, span.SpanID, span.TraceID, span.ParentSpanID, span.MessageID, span.Subject, span.HopCount, span.Kind, span.StartedAt, span.DurationMs, span.ErrorMessage)
	return err
}

// GetTrace returns every span of a trace ordered by start time.
func (s *Store) GetTrace(ctx context.Context, traceID string) ([]Span, error) {
	return s.scanSpans(ctx, `
		SELECT span_id, trace_id, parent_span_id, message_id, subject, hop_count, kind, started_at, duration_ms, error_message
		FROM relay_spans WHERE trace_id = ? ORDER BY started_at ASC, span_id ASC
	`, traceID)
}

// GetSpanByMessageID returns the most recent span for a message id.
func (s *Store) GetSpanByMessageID(ctx context.Context, messageID string) (*Span, error) {
	span := &Span{}
	err := s.ro.QueryRowContext(ctx, `
		SELECT span_id, trace_id, parent_span_id, message_id, subject, hop_count, kind, started_at, duration_ms, error_message
		FROM relay_spans WHERE message_id = ? ORDER BY started_at DESC, span_id DESC LIMIT 1
	`, messageID).Scan(&span.SpanID, &span.TraceID, &span.ParentSpanID, &span.MessageID, &span.Subject, &span.HopCount, &span.Kind, &span.StartedAt, &span.DurationMs, &span.ErrorMessage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return span, nil
}

// GetMetrics aggregates span counts per kind, latency percentiles across
// all spans, and the total number of budget rejections.
func (s *Store) GetMetrics(ctx context.Context) (*Metrics, error) {
	metrics := &Metrics{Counts: map[string]int{}}

	rows, err := s.ro.QueryContext(ctx, `SELECT kind, COUNT(*) FROM relay_spans GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		metrics.Counts[kind] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	durRows, err := s.ro.QueryContext(ctx, `SELECT duration_ms FROM relay_spans WHERE duration_ms > 0 ORDER BY duration_ms ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = durRows.Close() }()
	var durations []int64
	for durRows.Next() {
		var d int64
		if err := durRows.Scan(&d); err != nil {
			return nil, err
		}
		durations = append(durations, d)
	}
	if err := durRows.Err(); err != nil {
		return nil, err
	}
	metrics.LatencyPercentiles = percentiles(durations)

	err = s.ro.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relay_spans WHERE kind = ? AND error_message LIKE 'BUDGET_%'
	`, KindDeadLetter).Scan(&metrics.BudgetRejections)
	if err != nil {
		return nil, err
	}

	return metrics, nil
}

// percentiles picks nearest-rank percentiles from sorted durations.
func percentiles(sorted []int64) Percentiles {
	if len(sorted) == 0 {
		return Percentiles{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	pick := func(p float64) int64 {
		idx := int(p*float64(len(sorted))+0.5) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return Percentiles{P50: pick(0.50), P95: pick(0.95), P99: pick(0.99)}
}

func (s *Store) scanSpans(ctx context.Context, query string, args ...any) ([]Span, error) {
	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Span
	for rows.Next() {
		var span Span
		if err := rows.Scan(&span.SpanID, &span.TraceID, &span.ParentSpanID, &span.MessageID, &span.Subject, &span.HopCount, &span.Kind, &span.StartedAt, &span.DurationMs, &span.ErrorMessage); err != nil {
			return nil, err
		}
		result = append(result, span)
	}
	return result, rows.Err()
}
