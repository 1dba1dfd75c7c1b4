// Package tracestore is the durable record of pipeline runs spec.md §4.3
// describes: three linked tables (traces, spans, tool_calls) backed by an
// embedded SQLite database, safe for concurrent callers, with writes
// serialized behind a single mutex.
package tracestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/pipelex/pipelex/core"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// ErrTraceNotFound is returned by GetTrace when no trace has the given id.
var ErrTraceNotFound = errors.New("tracestore: trace not found")

// Store is a SQLite-backed TraceRecord/SpanRecord/ToolCallRecord store.
// Reads use the shared *sql.DB pool directly; writes take writeMu, held for
// one statement at a time, so writes are serialized without holding a
// long-lived transaction open across a node's execution. A trace, its spans
// and its tool calls are separate writes, not one atomic unit (§4.3's "store must not be held across await suspensions from
// outside" rule).
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open creates or opens a SQLite database at dsn and ensures its schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tracestore: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tracestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tracestore: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tracestore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertTrace records a new run, normally in TraceStatusRunning status.
func (s *Store) InsertTrace(ctx context.Context, t core.TraceRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO traces (trace_id, pipeline_id, pipeline_name, timestamp_ms, input, output,
			total_elapsed_ms, input_tokens, output_tokens, tool_call_count, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TraceID, t.PipelineID, t.PipelineName, t.TimestampMS, t.Input, t.Output,
		t.TotalElapsedMS, t.InputTokens, t.OutputTokens, t.ToolCallCount, t.Status)
	if err != nil {
		return fmt.Errorf("tracestore: insert trace: %w", err)
	}
	return nil
}

// UpdateTrace finalizes a trace's terminal fields (output, elapsed time,
// token totals, status). It is an upsert-style finalize: the row named by
// t.TraceID must already exist (from InsertTrace).
func (s *Store) UpdateTrace(ctx context.Context, t core.TraceRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE traces SET output = ?, total_elapsed_ms = ?, input_tokens = ?,
			output_tokens = ?, tool_call_count = ?, status = ?
		WHERE trace_id = ?`,
		t.Output, t.TotalElapsedMS, t.InputTokens, t.OutputTokens, t.ToolCallCount, t.Status, t.TraceID)
	if err != nil {
		return fmt.Errorf("tracestore: update trace: %w", err)
	}
	return nil
}

// GetTrace returns the trace named by id.
func (s *Store) GetTrace(ctx context.Context, id string) (core.TraceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, pipeline_id, pipeline_name, timestamp_ms, input, output,
			total_elapsed_ms, input_tokens, output_tokens, tool_call_count, status
		FROM traces WHERE trace_id = ?`, id)
	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.TraceRecord{}, ErrTraceNotFound
	}
	if err != nil {
		return core.TraceRecord{}, fmt.Errorf("tracestore: get trace: %w", err)
	}
	return t, nil
}

// ListTraces returns traces matching q, newest first.
func (s *Store) ListTraces(ctx context.Context, q core.TraceQuery) ([]core.TraceRecord, error) {
	query := `SELECT trace_id, pipeline_id, pipeline_name, timestamp_ms, input, output,
		total_elapsed_ms, input_tokens, output_tokens, tool_call_count, status
		FROM traces WHERE 1=1`
	var args []any
	if q.PipelineID != "" {
		query += " AND pipeline_id = ?"
		args = append(args, q.PipelineID)
	}
	if q.Status != "" {
		query += " AND status = ?"
		args = append(args, q.Status)
	}
	query += " ORDER BY timestamp_ms DESC"
	limit := q.Limit
	if !q.LimitSet {
		limit = 50
	}
	switch {
	case limit > 0:
		query += " LIMIT ?"
		args = append(args, limit)
		if q.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, q.Offset)
		}
	case q.LimitSet && limit == 0:
		// An explicit limit=0 means "return nothing", not "use the default".
		query += " LIMIT 0"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tracestore: list traces: %w", err)
	}
	defer rows.Close()

	var out []core.TraceRecord
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("tracestore: scan trace: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTrace removes a trace and (via ON DELETE CASCADE) its spans and
// their tool calls.
func (s *Store) DeleteTrace(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM traces WHERE trace_id = ?`, id)
	if err != nil {
		return fmt.Errorf("tracestore: delete trace: %w", err)
	}
	return nil
}

// InsertSpan records one node's execution within a run.
func (s *Store) InsertSpan(ctx context.Context, sp core.SpanRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spans (span_id, trace_id, node_id, node_type, start_time_ms, end_time_ms,
			input, output, input_tokens, output_tokens, tool_call_count, iteration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.SpanID, sp.TraceID, sp.NodeID, string(sp.NodeType), sp.StartTimeMS, sp.EndTimeMS,
		sp.Input, sp.Output, sp.InputTokens, sp.OutputTokens, sp.ToolCallCount, sp.Iteration)
	if err != nil {
		return fmt.Errorf("tracestore: insert span: %w", err)
	}
	return nil
}

// GetSpans returns every span for a trace, ordered by start time ascending.
func (s *Store) GetSpans(ctx context.Context, traceID string) ([]core.SpanRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT span_id, trace_id, node_id, node_type, start_time_ms, end_time_ms,
			input, output, input_tokens, output_tokens, tool_call_count, iteration
		FROM spans WHERE trace_id = ? ORDER BY start_time_ms ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("tracestore: get spans: %w", err)
	}
	defer rows.Close()

	var out []core.SpanRecord
	for rows.Next() {
		var sp core.SpanRecord
		var nodeType string
		if err := rows.Scan(&sp.SpanID, &sp.TraceID, &sp.NodeID, &nodeType, &sp.StartTimeMS, &sp.EndTimeMS,
			&sp.Input, &sp.Output, &sp.InputTokens, &sp.OutputTokens, &sp.ToolCallCount, &sp.Iteration); err != nil {
			return nil, fmt.Errorf("tracestore: scan span: %w", err)
		}
		sp.NodeType = core.NodeType(nodeType)
		out = append(out, sp)
	}
	return out, rows.Err()
}

// InsertToolCall records one tool invocation within a span.
func (s *Store) InsertToolCall(ctx context.Context, tc core.ToolCallRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (call_id, span_id, tool_name, arguments, result, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tc.CallID, tc.SpanID, tc.ToolName, tc.Arguments, tc.Result, tc.ElapsedMS)
	if err != nil {
		return fmt.Errorf("tracestore: insert tool call: %w", err)
	}
	return nil
}

// GetToolCalls returns every tool call recorded against a span.
func (s *Store) GetToolCalls(ctx context.Context, spanID string) ([]core.ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, span_id, tool_name, arguments, result, elapsed_ms
		FROM tool_calls WHERE span_id = ?`, spanID)
	if err != nil {
		return nil, fmt.Errorf("tracestore: get tool calls: %w", err)
	}
	defer rows.Close()

	var out []core.ToolCallRecord
	for rows.Next() {
		var tc core.ToolCallRecord
		if err := rows.Scan(&tc.CallID, &tc.SpanID, &tc.ToolName, &tc.Arguments, &tc.Result, &tc.ElapsedMS); err != nil {
			return nil, fmt.Errorf("tracestore: scan tool call: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// GetMetricsSummary aggregates statistics across every recorded run.
func (s *Store) GetMetricsSummary(ctx context.Context) (core.MetricsSummary, error) {
	var m core.MetricsSummary
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(AVG(total_elapsed_ms), 0)
		FROM traces`)
	if err := row.Scan(&m.TotalRuns, &m.SuccessfulRuns, &m.ErrorRuns,
		&m.TotalInputTokens, &m.TotalOutputTokens, &m.AvgElapsedMS); err != nil {
		return core.MetricsSummary{}, fmt.Errorf("tracestore: metrics summary: %w", err)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner) (core.TraceRecord, error) {
	var t core.TraceRecord
	err := row.Scan(&t.TraceID, &t.PipelineID, &t.PipelineName, &t.TimestampMS, &t.Input, &t.Output,
		&t.TotalElapsedMS, &t.InputTokens, &t.OutputTokens, &t.ToolCallCount, &t.Status)
	return t, err
}
