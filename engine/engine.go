// Package engine implements the recursive edge-driven pipeline traversal
// spec.md §4.5 specifies: starting from the edges leaving the reserved
// "input" endpoint, each node is executed once its upstream inputs are
// assembled, parallel edges fan out concurrently and join before their
// successors run, and the run's output is the last non-empty value
// produced among the edges terminating at the reserved "output" endpoint.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pipelex/pipelex/core"
)

// inputSeparator joins multiple upstream values when assembling a node's
// input, per spec.md §4.5.
const inputSeparator = "\n\n---\n\n"

// NodeHandler executes one node given its assembled input and returns its
// output text plus token usage. Handlers never see the ExecutionContext
// directly — only the input the engine already assembled for them — so a
// handler cannot accidentally read another node's in-flight state.
type NodeHandler func(ctx context.Context, node core.NodeConfig, input string, rc *RunContext) (output string, usage core.LLMTokenUsage, toolCalls []core.ToolCallRecord, err error)

// RunContext carries per-run dependencies a handler may need: the resolved
// model client, the run's streaming sink, and a monotonic step counter used
// only for logging (it carries no semantic weight, per spec.md §4.5).
type RunContext struct {
	Client   core.StreamingLLMClient
	OnDelta  func(nodeID, delta string)
	Logger   *slog.Logger
	RunID    string
	step     atomic.Uint64 // advanced from parallel branches' goroutines too
	resolve  func(node core.NodeConfig) core.ModelConfig // resolves a node to its full model config
}

func (rc *RunContext) nextStep() uint64 {
	return rc.step.Add(1)
}

// SpanObserver receives one completed node's span as soon as it finishes,
// so the caller (typically metrics.TracingCollector) can persist partial
// spans even if the run later aborts.
type SpanObserver func(span core.SpanRecord, toolCalls []core.ToolCallRecord)

// Engine dispatches node execution by NodeType via a small handler table;
// adding a NodeType is one constant in package core plus one entry here.
type Engine struct {
	handlers map[core.NodeType]NodeHandler
}

// New builds an Engine with the default per-NodeType dispatch table
// spec.md §4.5 lists: llm and worker call the provider, gate/router/
// coordinator/orchestrator/synthesizer/evaluator are pass-through stubs
// reserved for future behavior, and aggregator is the identity function
// over its already-joined input.
func New() *Engine {
	e := &Engine{handlers: make(map[core.NodeType]NodeHandler)}
	e.handlers[core.NodeTypeLLM] = llmHandler
	e.handlers[core.NodeTypeWorker] = workerHandler
	e.handlers[core.NodeTypeGate] = passThroughHandler
	e.handlers[core.NodeTypeRouter] = passThroughHandler
	e.handlers[core.NodeTypeCoordinator] = passThroughHandler
	e.handlers[core.NodeTypeOrchestrator] = passThroughHandler
	e.handlers[core.NodeTypeSynthesizer] = passThroughHandler
	e.handlers[core.NodeTypeEvaluator] = passThroughHandler
	e.handlers[core.NodeTypeAggregator] = passThroughHandler // identity over already-joined input
	return e
}

// RunParams is everything one Engine.Run invocation needs.
type RunParams struct {
	Pipeline      core.PipelineConfig
	Client        core.StreamingLLMClient
	ModelOf       func(node core.NodeConfig) core.ModelConfig // resolver.ResolveConfig bound to this run's overrides and known models
	Input         string
	OnDelta       func(nodeID, delta string)
	OnSpan        SpanObserver
	Logger        *slog.Logger
}

// Run executes the pipeline per spec.md §4.5 and returns the selected
// output. Any node error aborts the run and is returned to the caller;
// spans already emitted for completed nodes remain valid.
func (e *Engine) Run(ctx context.Context, p RunParams) (string, error) {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	ectx := core.NewExecutionContext(p.Input)
	executed := map[string]bool{}
	rc := &RunContext{
		Client:  p.Client,
		OnDelta: p.OnDelta,
		Logger:  p.Logger,
		RunID:   generateRunID(),
		resolve: p.ModelOf,
	}

	start := newEdgeIndex(p.Pipeline.Edges)
	for _, edge := range start.from[core.EndpointInput] {
		if err := e.processEdge(ctx, p.Pipeline, edge, ectx, executed, rc, p.OnSpan); err != nil {
			return "", err
		}
	}

	return selectOutput(p.Pipeline, ectx), nil
}

// edgeIndex groups edges by each of their "from" endpoint ids, so both the
// initial input-edges enumeration and every recursive successor lookup can
// share one precomputed index instead of rescanning p.Edges repeatedly.
type edgeIndex struct {
	from map[string][]core.EdgeDef
}

func newEdgeIndex(edges []core.EdgeDef) edgeIndex {
	idx := edgeIndex{from: make(map[string][]core.EdgeDef)}
	for _, e := range edges {
		for _, id := range e.From.AsList() {
			idx.from[id] = append(idx.from[id], e)
		}
	}
	return idx
}

// processEdge implements spec.md §4.5 step 3. Targets naming only
// "output" terminate immediately. Parallel edges dispatch every
// not-yet-executed target concurrently, join, then recurse into each
// target's own outgoing edges (skipping targets already executed by the
// join, an idempotence guard against re-entering a node two ways).
// Sequential edges process each target strictly in listed order, so a
// later target's input assembly sees the accumulated context of every
// earlier one.
func (e *Engine) processEdge(ctx context.Context, p core.PipelineConfig, edge core.EdgeDef, ectx *core.ExecutionContext, executed map[string]bool, rc *RunContext, onSpan SpanObserver) error {
	targets := edge.To.AsList()
	if len(targets) == 1 && targets[0] == core.EndpointOutput {
		return nil
	}
	if edge.Type == core.EdgeTypeConditional && edge.Condition != "" {
		fromVal := firstUpstreamValue(edge, ectx)
		if !strings.EqualFold(strings.TrimSpace(fromVal), strings.TrimSpace(edge.Condition)) {
			return nil
		}
	}

	idx := newEdgeIndex(p.Edges)
	nodeByID := indexNodes(p.Nodes)

	if edge.Type == core.EdgeTypeParallel {
		return e.dispatchParallel(ctx, p, targets, idx, nodeByID, ectx, executed, rc, onSpan)
	}

	for _, target := range targets {
		if target == core.EndpointOutput || executed[target] {
			continue
		}
		node, ok := nodeByID[target]
		if !ok {
			return fmt.Errorf("engine: edge targets unknown node %q", target)
		}
		if err := e.executeAndRecurse(ctx, p, node, idx, nodeByID, ectx, executed, rc, onSpan); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) dispatchParallel(ctx context.Context, p core.PipelineConfig, targets []string, idx edgeIndex, nodeByID map[string]core.NodeConfig, ectx *core.ExecutionContext, executed map[string]bool, rc *RunContext, onSpan SpanObserver) error {
	type result struct {
		nodeID string
		output string
		err    error
	}

	pending := make([]string, 0, len(targets))
	inputs := make(map[string]string, len(targets))
	for _, target := range targets {
		if executed[target] {
			continue
		}
		node, ok := nodeByID[target]
		if !ok {
			return fmt.Errorf("engine: edge targets unknown node %q", target)
		}
		// Snapshot each target's assembled input sequentially, before any
		// worker runs, so input assembly never races a concurrent writer.
		inputs[target] = assembleInput(node.ID, p.Edges, ectx)
		pending = append(pending, target)
	}

	results := make(chan result, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range pending {
		node := nodeByID[target]
		input := inputs[target]
		g.Go(func() error {
			output, _, err := e.runNode(gctx, node, input, rc, onSpan)
			results <- result{nodeID: node.ID, output: output, err: err}
			return err
		})
	}

	// The driver alone mutates executed/ectx: workers only return results
	// over the channel, never write context themselves (spec.md §9's
	// message-passing alternative to a shared lock on the executed set).
	waitErr := g.Wait()
	close(results)
	for r := range results {
		if r.err != nil {
			continue
		}
		ectx.Set(r.nodeID, r.output)
		executed[r.nodeID] = true
	}
	if waitErr != nil {
		return waitErr
	}

	for _, target := range pending {
		for _, successor := range idx.from[target] {
			stillPending := false
			for _, t := range successor.To.AsList() {
				if t != core.EndpointOutput && !executed[t] {
					stillPending = true
				}
			}
			if stillPending {
				if err := e.processEdge(ctx, p, successor, ectx, executed, rc, onSpan); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (e *Engine) executeAndRecurse(ctx context.Context, p core.PipelineConfig, node core.NodeConfig, idx edgeIndex, nodeByID map[string]core.NodeConfig, ectx *core.ExecutionContext, executed map[string]bool, rc *RunContext, onSpan SpanObserver) error {
	input := assembleInput(node.ID, p.Edges, ectx)
	output, _, err := e.runNode(ctx, node, input, rc, onSpan)
	if err != nil {
		return err
	}
	ectx.Set(node.ID, output)
	executed[node.ID] = true

	for _, successor := range idx.from[node.ID] {
		if err := e.processEdge(ctx, p, successor, ectx, executed, rc, onSpan); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runNode(ctx context.Context, node core.NodeConfig, input string, rc *RunContext, onSpan SpanObserver) (string, core.LLMTokenUsage, error) {
	handler, ok := e.handlers[node.NodeType]
	if !ok {
		return "", core.LLMTokenUsage{}, fmt.Errorf("%w: %q", ErrUnknownNodeType, node.NodeType)
	}
	step := rc.nextStep()
	start := time.Now()
	output, usage, toolCalls, err := handler(ctx, node, input, rc)
	end := time.Now()
	rc.Logger.Debug("node executed", "run_id", rc.RunID, "node_id", node.ID, "step", step, "elapsed", end.Sub(start))

	if onSpan != nil {
		spanID := uuid.NewString()
		for i := range toolCalls {
			toolCalls[i].SpanID = spanID
		}
		onSpan(core.SpanRecord{
			SpanID:       spanID,
			NodeID:       node.ID,
			NodeType:     node.NodeType,
			StartTimeMS:  start.UnixMilli(),
			EndTimeMS:    end.UnixMilli(),
			Input:        input,
			Output:       output,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		}, toolCalls)
	}
	if err != nil {
		return "", usage, fmt.Errorf("engine: node %q failed: %w", node.ID, err)
	}
	return output, usage, nil
}

// assembleInput implements spec.md §4.5's input-assembly rule: gather the
// context value of every upstream endpoint id feeding nodeID, in the order
// those edges appear, joined with inputSeparator if more than one is
// present; otherwise fall back to the run's own input.
func assembleInput(nodeID string, edges []core.EdgeDef, ectx *core.ExecutionContext) string {
	var parts []string
	for _, e := range edges {
		targets := e.To.AsList()
		named := false
		for _, t := range targets {
			if t == nodeID {
				named = true
				break
			}
		}
		if !named {
			continue
		}
		for _, from := range e.From.AsList() {
			if v, ok := ectx.Get(from); ok {
				parts = append(parts, v)
			}
		}
	}
	if len(parts) == 0 {
		v, _ := ectx.Get(core.EndpointInput)
		return v
	}
	return strings.Join(parts, inputSeparator)
}

func firstUpstreamValue(edge core.EdgeDef, ectx *core.ExecutionContext) string {
	for _, from := range edge.From.AsList() {
		if v, ok := ectx.Get(from); ok {
			return v
		}
	}
	return ""
}

// selectOutput implements spec.md §4.5 step 4 and the resolved Open
// Question in SPEC_FULL.md/DESIGN.md: among every edge terminating at
// "output", evaluated in declaration order, return the last non-empty
// resolved value across all of that edge's "from" endpoints. If no edge
// terminates at "output", return "".
func selectOutput(p core.PipelineConfig, ectx *core.ExecutionContext) string {
	result := ""
	for _, e := range p.Edges {
		toOutput := false
		for _, t := range e.To.AsList() {
			if t == core.EndpointOutput {
				toOutput = true
			}
		}
		if !toOutput {
			continue
		}
		for _, from := range e.From.AsList() {
			if v, ok := ectx.Get(from); ok && v != "" {
				result = v
			}
		}
	}
	return result
}

func indexNodes(nodes []core.NodeConfig) map[string]core.NodeConfig {
	m := make(map[string]core.NodeConfig, len(nodes))
	for _, n := range nodes {
		m[n.ID] = n
	}
	return m
}

func generateRunID() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:8], b[8:12], b[12:16], b[16:20])
}

// ErrUnknownNodeType is returned when a PipelineConfig references a
// NodeType with no registered handler (should not occur for the closed
// spec.md enum, but guards against a malformed config reaching the engine).
var ErrUnknownNodeType = errors.New("engine: unknown node type")
