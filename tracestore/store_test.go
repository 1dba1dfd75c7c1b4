package tracestore

import (
	"context"
	"testing"

	"github.com/pipelex/pipelex/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTraceLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	trace := core.TraceRecord{
		TraceID:      "t1",
		PipelineID:   "p1",
		PipelineName: "greeting",
		TimestampMS:  1000,
		Input:        "hi",
		Status:       core.TraceStatusRunning,
	}
	if err := s.InsertTrace(ctx, trace); err != nil {
		t.Fatalf("InsertTrace: %v", err)
	}

	trace.Output = "hello back"
	trace.Status = core.TraceStatusSuccess
	trace.TotalElapsedMS = 42
	trace.InputTokens = 3
	trace.OutputTokens = 5
	if err := s.UpdateTrace(ctx, trace); err != nil {
		t.Fatalf("UpdateTrace: %v", err)
	}

	got, err := s.GetTrace(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if got.Output != "hello back" || got.Status != core.TraceStatusSuccess {
		t.Errorf("GetTrace = %+v, want finalized success trace", got)
	}

	list, err := s.ListTraces(ctx, core.TraceQuery{PipelineID: "p1"})
	if err != nil {
		t.Fatalf("ListTraces: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListTraces returned %d traces, want 1", len(list))
	}

	if err := s.DeleteTrace(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTrace: %v", err)
	}
	if _, err := s.GetTrace(ctx, "t1"); err == nil {
		t.Fatal("GetTrace should fail after DeleteTrace")
	}
}

func TestSpanAndToolCallCascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	trace := core.TraceRecord{TraceID: "t2", PipelineID: "p1", PipelineName: "x", Status: core.TraceStatusRunning}
	if err := s.InsertTrace(ctx, trace); err != nil {
		t.Fatalf("InsertTrace: %v", err)
	}

	span := core.SpanRecord{SpanID: "s1", TraceID: "t2", NodeID: "n1", NodeType: core.NodeTypeLLM, StartTimeMS: 1, EndTimeMS: 2}
	if err := s.InsertSpan(ctx, span); err != nil {
		t.Fatalf("InsertSpan: %v", err)
	}

	call := core.ToolCallRecord{CallID: "n1:echo", SpanID: "s1", ToolName: "echo", Arguments: "in", Result: "out"}
	if err := s.InsertToolCall(ctx, call); err != nil {
		t.Fatalf("InsertToolCall: %v", err)
	}

	spans, err := s.GetSpans(ctx, "t2")
	if err != nil {
		t.Fatalf("GetSpans: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("GetSpans returned %d, want 1", len(spans))
	}

	calls, err := s.GetToolCalls(ctx, "s1")
	if err != nil {
		t.Fatalf("GetToolCalls: %v", err)
	}
	if len(calls) != 1 || calls[0].ToolName != "echo" {
		t.Fatalf("GetToolCalls = %+v, want one echo call", calls)
	}

	if err := s.DeleteTrace(ctx, "t2"); err != nil {
		t.Fatalf("DeleteTrace: %v", err)
	}
	calls, err = s.GetToolCalls(ctx, "s1")
	if err != nil {
		t.Fatalf("GetToolCalls after cascade: %v", err)
	}
	if len(calls) != 0 {
		t.Errorf("tool calls should cascade-delete with their span's trace, got %+v", calls)
	}
}

func TestPipelineCRUDAndSeed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cfg := core.PipelineConfig{
		ID:   "pipe1",
		Name: "greeting",
		Nodes: []core.NodeConfig{{ID: "n1", NodeType: core.NodeTypeLLM}},
		Edges: []core.EdgeDef{
			{Type: core.EdgeTypeDirect, From: core.NewSingleEndpoint(core.EndpointInput), To: core.NewSingleEndpoint("n1")},
			{Type: core.EdgeTypeDirect, From: core.NewSingleEndpoint("n1"), To: core.NewSingleEndpoint(core.EndpointOutput)},
		},
	}
	if err := s.SavePipeline(ctx, cfg); err != nil {
		t.Fatalf("SavePipeline: %v", err)
	}

	got, err := s.GetPipeline(ctx, "pipe1")
	if err != nil {
		t.Fatalf("GetPipeline: %v", err)
	}
	if got.Name != "greeting" || len(got.Nodes) != 1 {
		t.Errorf("GetPipeline = %+v, want round-tripped config", got)
	}

	infos, err := s.ListPipelines(ctx)
	if err != nil {
		t.Fatalf("ListPipelines: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "pipe1" {
		t.Fatalf("ListPipelines = %+v, want one entry for pipe1", infos)
	}

	if err := s.DeletePipeline(ctx, "pipe1"); err != nil {
		t.Fatalf("DeletePipeline: %v", err)
	}
	if _, err := s.GetPipeline(ctx, "pipe1"); err != ErrPipelineNotFound {
		t.Errorf("GetPipeline after delete = %v, want ErrPipelineNotFound", err)
	}

	if err := s.SeedFromExamples(ctx, []core.PipelineConfig{cfg}); err != nil {
		t.Fatalf("SeedFromExamples: %v", err)
	}
	n, err := s.PipelineCount(ctx)
	if err != nil {
		t.Fatalf("PipelineCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("PipelineCount = %d, want 1 after seeding an empty store", n)
	}

	// Seeding again must be a no-op once any pipeline exists.
	if err := s.SeedFromExamples(ctx, []core.PipelineConfig{{ID: "other", Name: "other"}}); err != nil {
		t.Fatalf("SeedFromExamples (second call): %v", err)
	}
	n, err = s.PipelineCount(ctx)
	if err != nil {
		t.Fatalf("PipelineCount: %v", err)
	}
	if n != 1 {
		t.Errorf("SeedFromExamples should not seed into a non-empty store, got count %d", n)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	traces := []core.TraceRecord{
		{TraceID: "a", PipelineID: "p", Status: core.TraceStatusSuccess, InputTokens: 10, OutputTokens: 20, TotalElapsedMS: 100},
		{TraceID: "b", PipelineID: "p", Status: core.TraceStatusError, InputTokens: 5, OutputTokens: 0, TotalElapsedMS: 50},
	}
	for _, tr := range traces {
		if err := s.InsertTrace(ctx, tr); err != nil {
			t.Fatalf("InsertTrace: %v", err)
		}
	}

	summary, err := s.GetMetricsSummary(ctx)
	if err != nil {
		t.Fatalf("GetMetricsSummary: %v", err)
	}
	if summary.TotalRuns != 2 || summary.SuccessfulRuns != 1 || summary.ErrorRuns != 1 {
		t.Errorf("GetMetricsSummary = %+v, want 2 total/1 success/1 error", summary)
	}
	if summary.TotalInputTokens != 15 || summary.TotalOutputTokens != 20 {
		t.Errorf("GetMetricsSummary token totals = %+v, want 15/20", summary)
	}
}

func TestListTraces_LimitZeroVsAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.InsertTrace(ctx, core.TraceRecord{TraceID: id, PipelineID: "p", Status: core.TraceStatusSuccess}); err != nil {
			t.Fatalf("InsertTrace: %v", err)
		}
	}

	all, err := s.ListTraces(ctx, core.TraceQuery{})
	if err != nil {
		t.Fatalf("ListTraces (no limit): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListTraces with no limit supplied = %d traces, want 3 (default of 50 applied)", len(all))
	}

	none, err := s.ListTraces(ctx, core.TraceQuery{Limit: 0, LimitSet: true})
	if err != nil {
		t.Fatalf("ListTraces (limit=0): %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("ListTraces with an explicit limit=0 = %d traces, want 0", len(none))
	}

	two, err := s.ListTraces(ctx, core.TraceQuery{Limit: 2, LimitSet: true})
	if err != nil {
		t.Fatalf("ListTraces (limit=2): %v", err)
	}
	if len(two) != 2 {
		t.Fatalf("ListTraces with limit=2 = %d traces, want 2", len(two))
	}
}
