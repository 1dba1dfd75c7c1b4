package engine

import (
	"context"
	"testing"

	"github.com/pipelex/pipelex/core"
	"github.com/pipelex/pipelex/workerreg"
)

// stubClient echoes the request's InputText with a fixed prefix, so tests
// can assert on exactly what each node received.
type stubClient struct {
	prefix string
}

func (c stubClient) Complete(_ context.Context, req core.LLMRequest) (core.LLMResponse, error) {
	return core.LLMResponse{
		Text:  c.prefix + req.InputText,
		Usage: core.LLMTokenUsage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2},
	}, nil
}

func (c stubClient) CompleteStream(_ context.Context, req core.LLMRequest) (<-chan core.StreamChunk, error) {
	ch := make(chan core.StreamChunk, 1)
	text := c.prefix + req.InputText
	usage := core.LLMTokenUsage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2}
	ch <- core.StreamChunk{Delta: text, Accumulated: text, Done: true, Usage: &usage}
	close(ch)
	return ch, nil
}

func modelOf(core.NodeConfig) core.ModelConfig { return core.ModelConfig{ID: "test-model"} }

func TestRun_LinearLLMPipeline(t *testing.T) {
	p := core.PipelineConfig{
		ID:   "p1",
		Name: "linear",
		Nodes: []core.NodeConfig{
			{ID: "n1", NodeType: core.NodeTypeLLM},
		},
		Edges: []core.EdgeDef{
			{Type: core.EdgeTypeDirect, From: core.NewSingleEndpoint(core.EndpointInput), To: core.NewSingleEndpoint("n1")},
			{Type: core.EdgeTypeDirect, From: core.NewSingleEndpoint("n1"), To: core.NewSingleEndpoint(core.EndpointOutput)},
		},
	}

	e := New()
	out, err := e.Run(context.Background(), RunParams{
		Pipeline: p,
		Client:   stubClient{prefix: "echo:"},
		ModelOf:  modelOf,
		Input:    "hello",
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out != "echo:hello" {
		t.Errorf("Run output = %q, want %q", out, "echo:hello")
	}
}

func TestRun_ParallelEdgesJoinBeforeSuccessor(t *testing.T) {
	p := core.PipelineConfig{
		ID:   "p2",
		Name: "parallel",
		Nodes: []core.NodeConfig{
			{ID: "a", NodeType: core.NodeTypeLLM},
			{ID: "b", NodeType: core.NodeTypeLLM},
			{ID: "join", NodeType: core.NodeTypeAggregator},
		},
		Edges: []core.EdgeDef{
			{Type: core.EdgeTypeParallel, From: core.NewSingleEndpoint(core.EndpointInput), To: core.NewSetEndpoint("a", "b")},
			{Type: core.EdgeTypeDirect, From: core.NewSetEndpoint("a", "b"), To: core.NewSingleEndpoint("join")},
			{Type: core.EdgeTypeDirect, From: core.NewSingleEndpoint("join"), To: core.NewSingleEndpoint(core.EndpointOutput)},
		},
	}

	e := New()
	out, err := e.Run(context.Background(), RunParams{
		Pipeline: p,
		Client:   stubClient{prefix: "r:"},
		ModelOf:  modelOf,
		Input:    "x",
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out == "" {
		t.Fatal("Run output should not be empty once both parallel branches join")
	}
}

func TestRun_UnknownNodeTypeErrors(t *testing.T) {
	p := core.PipelineConfig{
		Nodes: []core.NodeConfig{{ID: "n1", NodeType: "bogus"}},
		Edges: []core.EdgeDef{
			{Type: core.EdgeTypeDirect, From: core.NewSingleEndpoint(core.EndpointInput), To: core.NewSingleEndpoint("n1")},
			{Type: core.EdgeTypeDirect, From: core.NewSingleEndpoint("n1"), To: core.NewSingleEndpoint(core.EndpointOutput)},
		},
	}

	e := New()
	_, err := e.Run(context.Background(), RunParams{
		Pipeline: p,
		Client:   stubClient{},
		ModelOf:  modelOf,
		Input:    "x",
	})
	if err == nil {
		t.Fatal("Run should fail for an unregistered node type")
	}
}

func TestRun_WorkerNodeRecordsToolCalls(t *testing.T) {
	// workerHandler borrows from the process-wide registry, so register the
	// test's stub tool there directly rather than constructing an isolated
	// Registry the handler would never see.
	workerreg.Global().Register("echo-tool", workerreg.CapabilityFunc(func(_ context.Context, input string) (string, error) {
		return "tool-said:" + input, nil
	}))

	p := core.PipelineConfig{
		Nodes: []core.NodeConfig{
			{ID: "w1", NodeType: core.NodeTypeWorker, Tools: []string{"echo-tool"}},
		},
		Edges: []core.EdgeDef{
			{Type: core.EdgeTypeDirect, From: core.NewSingleEndpoint(core.EndpointInput), To: core.NewSingleEndpoint("w1")},
			{Type: core.EdgeTypeDirect, From: core.NewSingleEndpoint("w1"), To: core.NewSingleEndpoint(core.EndpointOutput)},
		},
	}

	var gotSpans []core.SpanRecord
	var gotCalls [][]core.ToolCallRecord
	e := New()
	out, err := e.Run(context.Background(), RunParams{
		Pipeline: p,
		Client:   stubClient{prefix: "llm:"},
		ModelOf:  modelOf,
		Input:    "go",
		OnSpan: func(span core.SpanRecord, toolCalls []core.ToolCallRecord) {
			gotSpans = append(gotSpans, span)
			gotCalls = append(gotCalls, toolCalls)
		},
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out == "" {
		t.Fatal("worker node should produce output")
	}
	if len(gotSpans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(gotSpans))
	}
	if len(gotCalls) != 1 || len(gotCalls[0]) != 1 {
		t.Fatalf("expected 1 tool call recorded, got %v", gotCalls)
	}
	call := gotCalls[0][0]
	if call.ToolName != "echo-tool" {
		t.Errorf("ToolName = %q, want %q", call.ToolName, "echo-tool")
	}
	if call.SpanID != gotSpans[0].SpanID {
		t.Errorf("ToolCallRecord.SpanID = %q, want %q", call.SpanID, gotSpans[0].SpanID)
	}
}

func TestRun_UnboundWorkerToolFoldsErrorIntoContext(t *testing.T) {
	p := core.PipelineConfig{
		Nodes: []core.NodeConfig{
			{ID: "w1", NodeType: core.NodeTypeWorker, Tools: []string{"does-not-exist"}},
		},
		Edges: []core.EdgeDef{
			{Type: core.EdgeTypeDirect, From: core.NewSingleEndpoint(core.EndpointInput), To: core.NewSingleEndpoint("w1")},
			{Type: core.EdgeTypeDirect, From: core.NewSingleEndpoint("w1"), To: core.NewSingleEndpoint(core.EndpointOutput)},
		},
	}

	e := New()
	out, err := e.Run(context.Background(), RunParams{
		Pipeline: p,
		Client:   stubClient{prefix: "llm:"},
		ModelOf:  modelOf,
		Input:    "go",
	})
	if err != nil {
		t.Fatalf("an unbound tool should not fail the node, got error: %v", err)
	}
	if out == "" {
		t.Fatal("node should still produce output after folding the tool error into context")
	}
}
