package telemetry

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the telemetry_spans table. It is safe to run repeatedly.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate telemetry_spans: %w", err)
	}
	return nil
}

const insertSpanSQL = `
INSERT INTO telemetry_spans
	(trace_id, span_id, parent_span_id, name, kind, status,
	 start_time, end_time, duration_ms, attributes, events, task_id, owner_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// batchSender is the subset of pgxpool.Pool the exporter needs.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresExporter writes finished spans to telemetry_spans.
type PostgresExporter struct {
	db batchSender

	mu       sync.Mutex
	shutdown bool
}

var _ sdktrace.SpanExporter = (*PostgresExporter)(nil)

// NewPostgresExporter creates an exporter over a pool.
func NewPostgresExporter(db *pgxpool.Pool) *PostgresExporter {
	return &PostgresExporter{db: db}
}

// ExportSpans inserts one row per span in a single batch.
func (e *PostgresExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	done := e.shutdown
	e.mu.Unlock()
	if done || len(spans) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, s := range spans {
		r := newSpanRow(s)
		batch.Queue(insertSpanSQL,
			r.TraceID, r.SpanID, nullable(r.ParentSpanID), r.Name, r.Kind, r.Status,
			r.Start, r.End, r.DurationMs, r.Attributes, r.Events,
			nullable(r.TaskID), nullable(r.OwnerID))
	}
	if err := e.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("export %d spans: %w", len(spans), err)
	}
	return nil
}

// Shutdown stops further exports. The pool is owned by the caller.
func (e *PostgresExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.shutdown = true
	e.mu.Unlock()
	return nil
}

// spanRow is the column projection of one span.
type spanRow struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Name         string
	Kind         string
	Status       string
	Start        time.Time
	End          time.Time
	DurationMs   float64
	Attributes   map[string]any
	Events       []map[string]any
	TaskID       string
	OwnerID      string
}

func newSpanRow(s sdktrace.ReadOnlySpan) spanRow {
	r := spanRow{
		TraceID:    s.SpanContext().TraceID().String(),
		SpanID:     s.SpanContext().SpanID().String(),
		Name:       s.Name(),
		Kind:       s.SpanKind().String(),
		Status:     "OK",
		Start:      s.StartTime(),
		End:        s.EndTime(),
		DurationMs: float64(s.EndTime().Sub(s.StartTime()).Microseconds()) / 1000,
		Attributes: attrMap(s.Attributes()),
		Events:     []map[string]any{},
	}
	if s.Parent().IsValid() {
		r.ParentSpanID = s.Parent().SpanID().String()
	}
	if s.Status().Code == codes.Error {
		r.Status = "ERROR"
	}

	// Ids lift into uuid columns only when they parse.
	r.TaskID = liftUUID(r.Attributes, AttrTaskID)
	r.OwnerID = liftUUID(r.Attributes, AttrOwnerID)

	for _, ev := range s.Events() {
		r.Events = append(r.Events, map[string]any{
			"name":       ev.Name,
			"timestamp":  ev.Time.UTC().Format(time.RFC3339Nano),
			"attributes": attrMap(ev.Attributes),
		})
	}
	return r
}

func liftUUID(attrs map[string]any, key string) string {
	v, ok := attrs[key].(string)
	if !ok {
		return ""
	}
	if _, err := uuid.Parse(v); err != nil {
		return ""
	}
	delete(attrs, key)
	return v
}

func attrMap(kvs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
