package core

import (
	"encoding/json"
	"fmt"
	"sync"
)

// NodeType identifies the role a node plays in a pipeline graph. The set is
// closed; adding a member here plus one handler in the engine's dispatch
// table is the whole cost of a new node type.
type NodeType string

const (
	NodeTypeLLM          NodeType = "llm"
	NodeTypeGate         NodeType = "gate"
	NodeTypeRouter       NodeType = "router"
	NodeTypeCoordinator  NodeType = "coordinator"
	NodeTypeAggregator   NodeType = "aggregator"
	NodeTypeOrchestrator NodeType = "orchestrator"
	NodeTypeWorker       NodeType = "worker"
	NodeTypeSynthesizer  NodeType = "synthesizer"
	NodeTypeEvaluator    NodeType = "evaluator"
)

func (t NodeType) valid() bool {
	switch t {
	case NodeTypeLLM, NodeTypeGate, NodeTypeRouter, NodeTypeCoordinator,
		NodeTypeAggregator, NodeTypeOrchestrator, NodeTypeWorker,
		NodeTypeSynthesizer, NodeTypeEvaluator:
		return true
	}
	return false
}

// EdgeType selects how a pipeline edge's targets are dispatched.
type EdgeType string

const (
	EdgeTypeDirect      EdgeType = "direct"
	EdgeTypeDynamic     EdgeType = "dynamic"
	EdgeTypeConditional EdgeType = "conditional"
	EdgeTypeParallel    EdgeType = "parallel"
)

// Reserved endpoint identifiers with a fixed meaning in every pipeline.
const (
	EndpointInput  = "input"
	EndpointOutput = "output"
)

// EdgeEndpoint names either a single node, or an ordered set of nodes, at
// one end of an edge. Exactly one of the two forms is populated; JSON
// (de)serialization preserves which form was used.
type EdgeEndpoint struct {
	single string
	multi  []string
}

// NewSingleEndpoint builds an endpoint naming exactly one node.
func NewSingleEndpoint(id string) EdgeEndpoint {
	return EdgeEndpoint{single: id}
}

// NewSetEndpoint builds an endpoint naming an ordered set of nodes.
func NewSetEndpoint(ids ...string) EdgeEndpoint {
	return EdgeEndpoint{multi: ids}
}

// IsSet reports whether the endpoint was constructed as a multi-node set,
// even a set of size one (`["a"]` round-trips distinctly from `"a"`).
func (e EdgeEndpoint) IsSet() bool {
	return e.multi != nil
}

// AsList returns the endpoint's node ids in order, regardless of which
// JSON form produced it.
func (e EdgeEndpoint) AsList() []string {
	if e.multi != nil {
		return e.multi
	}
	if e.single == "" {
		return nil
	}
	return []string{e.single}
}

func (e EdgeEndpoint) MarshalJSON() ([]byte, error) {
	if e.multi != nil {
		return json.Marshal(e.multi)
	}
	return json.Marshal(e.single)
}

func (e *EdgeEndpoint) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		e.multi = list
		e.single = ""
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	e.single = id
	e.multi = nil
	return nil
}

// NodeConfig describes one node in a pipeline graph.
type NodeConfig struct {
	ID           string         `json:"id"`
	NodeType     NodeType       `json:"node_type"`
	Model        string         `json:"model,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Tools        []string       `json:"tools,omitempty"`
}

// EdgeDef connects one edge's source endpoint(s) to its target endpoint(s).
// Condition is an additive field (not in spec.md's literal schema) consulted
// only for EdgeTypeConditional edges; see DESIGN.md's Open Question
// resolution for conditional dispatch.
type EdgeDef struct {
	Type      EdgeType     `json:"type"`
	From      EdgeEndpoint `json:"from"`
	To        EdgeEndpoint `json:"to"`
	Condition string       `json:"condition,omitempty"`
}

// PipelineConfig is the full description of one executable pipeline graph.
type PipelineConfig struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Nodes       []NodeConfig `json:"nodes"`
	Edges       []EdgeDef    `json:"edges"`
}

// Diagnostic is a single structural finding from PipelineConfig.Validate.
type Diagnostic struct {
	Code     string `json:"code"`
	Severity string `json:"severity"` // "error" | "warning"
	Message  string `json:"message"`
	Path     string `json:"path,omitempty"`
}

// Validate checks the structural invariants spec.md §3 places on a
// PipelineConfig: every edge endpoint must name a known node id or a
// reserved endpoint, node ids must be unique, and at least one edge must
// originate at "input" and at least one edge must terminate at "output".
// Validation never mutates the config; callers decide whether to reject a
// pipeline on error-severity diagnostics.
func (p PipelineConfig) Validate() []Diagnostic {
	var diags []Diagnostic

	seen := make(map[string]bool, len(p.Nodes))
	known := make(map[string]bool, len(p.Nodes)+2)
	known[EndpointInput] = true
	known[EndpointOutput] = true
	for i, n := range p.Nodes {
		if n.ID == "" {
			diags = append(diags, Diagnostic{Code: "PC-001", Severity: "error",
				Message: "node has empty id", Path: fmt.Sprintf("nodes[%d]", i)})
			continue
		}
		if seen[n.ID] {
			diags = append(diags, Diagnostic{Code: "PC-002", Severity: "error",
				Message: fmt.Sprintf("duplicate node id %q", n.ID), Path: fmt.Sprintf("nodes[%d]", i)})
		}
		seen[n.ID] = true
		known[n.ID] = true
		if !n.NodeType.valid() {
			diags = append(diags, Diagnostic{Code: "PC-003", Severity: "error",
				Message: fmt.Sprintf("node %q has unknown node_type %q", n.ID, n.NodeType),
				Path:    fmt.Sprintf("nodes[%d]", i)})
		}
		if n.Config != nil {
			if err := validateConfig(n.NodeType, n.Config); err != nil {
				diags = append(diags, Diagnostic{Code: "PC-008", Severity: "error",
					Message: fmt.Sprintf("node %q config: %v", n.ID, err),
					Path:    fmt.Sprintf("nodes[%d].config", i)})
			}
		}
	}

	fromInput, toOutput := false, false
	for i, e := range p.Edges {
		for _, id := range e.From.AsList() {
			if !known[id] {
				diags = append(diags, Diagnostic{Code: "PC-004", Severity: "error",
					Message: fmt.Sprintf("edge references unknown source %q", id),
					Path:    fmt.Sprintf("edges[%d].from", i)})
			}
			if id == EndpointInput {
				fromInput = true
			}
		}
		for _, id := range e.To.AsList() {
			if !known[id] {
				diags = append(diags, Diagnostic{Code: "PC-005", Severity: "error",
					Message: fmt.Sprintf("edge references unknown target %q", id),
					Path:    fmt.Sprintf("edges[%d].to", i)})
			}
			if id == EndpointOutput {
				toOutput = true
			}
		}
	}
	if !fromInput {
		diags = append(diags, Diagnostic{Code: "PC-006", Severity: "error",
			Message: "no edge originates at the reserved \"input\" endpoint"})
	}
	if !toOutput {
		diags = append(diags, Diagnostic{Code: "PC-007", Severity: "error",
			Message: "no edge terminates at the reserved \"output\" endpoint"})
	}
	return diags
}

// HasErrors reports whether any diagnostic in the slice is error-severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == "error" {
			return true
		}
	}
	return false
}

// ModelConfig names a single model a pipeline or session can address.
type ModelConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Model   string `json:"model"`
	APIBase string `json:"api_base,omitempty"`
}

// TraceRecord is the durable summary of one pipeline run.
type TraceRecord struct {
	TraceID        string `json:"trace_id"`
	PipelineID     string `json:"pipeline_id"`
	PipelineName   string `json:"pipeline_name"`
	TimestampMS    int64  `json:"timestamp_ms"`
	Input          string `json:"input"`
	Output         string `json:"output"`
	TotalElapsedMS int64  `json:"total_elapsed_ms"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
	ToolCallCount  int    `json:"tool_call_count"`
	Status         string `json:"status"` // "running" | "success" | "error"
}

const (
	TraceStatusRunning = "running"
	TraceStatusSuccess = "success"
	TraceStatusError   = "error"
)

// SpanRecord is the durable record of one node's execution within a run.
type SpanRecord struct {
	SpanID        string   `json:"span_id"`
	TraceID       string   `json:"trace_id"`
	NodeID        string   `json:"node_id"`
	NodeType      NodeType `json:"node_type"`
	StartTimeMS   int64    `json:"start_time_ms"`
	EndTimeMS     int64    `json:"end_time_ms"`
	Input         string   `json:"input"`
	Output        string   `json:"output"`
	InputTokens   int      `json:"input_tokens"`
	OutputTokens  int      `json:"output_tokens"`
	ToolCallCount int      `json:"tool_call_count"`
	Iteration     int      `json:"iteration"`
}

// ToolCallRecord is the durable record of one tool invocation within a span.
// It cascades on delete of the owning trace (via the owning span).
type ToolCallRecord struct {
	CallID    string `json:"call_id"`
	SpanID    string `json:"span_id"`
	ToolName  string `json:"tool_name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// TraceQuery filters TraceStore.ListTraces. LimitSet distinguishes "no
// limit supplied" (Limit defaults to 50) from an explicit Limit=0 (which
// must return no rows) — callers that never set Limit leave LimitSet
// false; callers that parsed an explicit "limit" query parameter, even
// "0", set it true.
type TraceQuery struct {
	PipelineID string
	Status     string
	Limit      int
	LimitSet   bool
	Offset     int
}

// MetricsSummary aggregates trace-store statistics across all runs.
type MetricsSummary struct {
	TotalRuns        int     `json:"total_runs"`
	SuccessfulRuns    int     `json:"successful_runs"`
	ErrorRuns        int     `json:"error_runs"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	AvgElapsedMS      float64 `json:"avg_elapsed_ms"`
}

// ExecutionContext is the per-run mutable state threaded through a
// pipeline's edge traversal: a single string-keyed map from node id (or the
// reserved "input" key) to that node's output, guarded by a reader/writer
// lock so concurrent readers assembling input for different nodes never
// block each other, while a result write takes the lock exclusively.
// Exactly one engine run owns a given ExecutionContext; it must not be
// shared across runs.
type ExecutionContext struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewExecutionContext creates a fresh context seeded with the run's input.
func NewExecutionContext(input string) *ExecutionContext {
	return &ExecutionContext{
		values: map[string]string{EndpointInput: input},
	}
}

// Get returns the value stored for id, and whether it was present.
func (c *ExecutionContext) Get(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[id]
	return v, ok
}

// Set stores the output produced by node id.
func (c *ExecutionContext) Set(id, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[id] = value
}
