package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipelex/pipelex/core"
	"github.com/pipelex/pipelex/tracestore"
)

// TracingCollector wraps a tracestore.Store so a run's trace row exists for
// its whole lifetime: constructing one inserts a running trace immediately,
// and Success/Error finalizes it. Store write failures are logged and
// swallowed here — per spec.md §4.3's failure policy, a trace-store problem
// must never fail the caller's pipeline run.
type TracingCollector struct {
	store     *tracestore.Store
	logger    *slog.Logger
	trace     core.TraceRecord
	started   time.Time
	spanCtx   context.Context
	endOtel   func(status, output string)
	mu        sync.Mutex // guards Collector: RecordSpan runs on parallel branches' goroutines
	*Collector
}

// NewTracingCollector inserts a new running trace and returns a collector
// bound to it. The assigned trace id is available via TraceID.
func NewTracingCollector(ctx context.Context, store *tracestore.Store, logger *slog.Logger, pipelineID, pipelineName, input string) *TracingCollector {
	if logger == nil {
		logger = slog.Default()
	}
	started := time.Now()
	trace := core.TraceRecord{
		TraceID:      uuid.NewString(),
		PipelineID:   pipelineID,
		PipelineName: pipelineName,
		TimestampMS:  started.UnixMilli(),
		Input:        input,
		Status:       core.TraceStatusRunning,
	}
	if err := store.InsertTrace(ctx, trace); err != nil {
		logger.Error("tracestore insert_trace failed", "trace_id", trace.TraceID, "error", err)
	}
	spanCtx, endOtel := startRunSpan(ctx, trace)
	return &TracingCollector{
		store:     store,
		logger:    logger,
		trace:     trace,
		started:   started,
		spanCtx:   spanCtx,
		endOtel:   endOtel,
		Collector: NewCollector(),
	}
}

// TraceID returns the trace id assigned at construction.
func (tc *TracingCollector) TraceID() string {
	return tc.trace.TraceID
}

// RecordSpan persists one node's span (and any tool calls it produced)
// immediately, independent of the run's eventual success or failure, so
// partial spans survive an aborted run.
func (tc *TracingCollector) RecordSpan(ctx context.Context, span core.SpanRecord, toolCalls []core.ToolCallRecord) {
	span.TraceID = tc.trace.TraceID
	span.ToolCallCount = len(toolCalls)
	recordNodeSpan(tc.spanCtx, span)
	if err := tc.store.InsertSpan(ctx, span); err != nil {
		tc.logger.Error("tracestore insert_span failed", "trace_id", tc.trace.TraceID, "node_id", span.NodeID, "error", err)
	}
	for _, call := range toolCalls {
		call.SpanID = span.SpanID
		if err := tc.store.InsertToolCall(ctx, call); err != nil {
			tc.logger.Error("tracestore insert_tool_call failed", "span_id", span.SpanID, "error", err)
		}
	}
	tc.mu.Lock()
	tc.Collector.Record(NodeMetrics{
		NodeID:        span.NodeID,
		InputTokens:   span.InputTokens,
		OutputTokens:  span.OutputTokens,
		ElapsedMS:     span.EndTimeMS - span.StartTimeMS,
		ToolCallCount: len(toolCalls),
	})
	tc.mu.Unlock()
}

// Success finalizes the trace as TraceStatusSuccess with the given output.
func (tc *TracingCollector) Success(ctx context.Context, output string) {
	tc.finalize(ctx, output, core.TraceStatusSuccess)
}

// Error finalizes the trace as TraceStatusError, using msg as the output so
// clients can see why the run failed.
func (tc *TracingCollector) Error(ctx context.Context, msg string) {
	tc.finalize(ctx, msg, core.TraceStatusError)
}

func (tc *TracingCollector) finalize(ctx context.Context, output, status string) {
	defer tc.endOtel(status, output)
	tc.mu.Lock()
	agg := tc.Collector.Flush()
	tc.mu.Unlock()
	tc.trace.Output = output
	tc.trace.Status = status
	tc.trace.TotalElapsedMS = time.Since(tc.started).Milliseconds()
	tc.trace.InputTokens = agg.InputTokens
	tc.trace.OutputTokens = agg.OutputTokens
	tc.trace.ToolCallCount = agg.ToolCallCount
	if err := tc.store.UpdateTrace(ctx, tc.trace); err != nil {
		tc.logger.Error("tracestore update_trace failed", "trace_id", tc.trace.TraceID, "error", err)
	}
}
