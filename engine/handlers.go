package engine

import (
	"context"
	"time"

	"github.com/pipelex/pipelex/core"
	"github.com/pipelex/pipelex/workerreg"
)

// llmHandler implements the llm node execution contract: call the
// provider's chat completion with the node's system prompt and the
// assembled input, returning the response content. When the run was given
// a streaming sink (RunContext.OnDelta), it streams via CompleteStream and
// forwards each delta live instead of waiting for the whole response.
func llmHandler(ctx context.Context, node core.NodeConfig, input string, rc *RunContext) (string, core.LLMTokenUsage, []core.ToolCallRecord, error) {
	output, usage, err := callModel(ctx, node, input, rc)
	return output, usage, nil, err
}

// workerHandler implements the worker node execution contract: borrow each
// bound tool's capability from the worker registry, invoke it with the
// node's assembled input, fold its result into the context handed to the
// model, and record one ToolCallRecord per invocation (spec.md §3's
// ToolCallRecord, §7's WorkerFailed). A tool failure does not abort the
// node — spec.md §7 treats WorkerFailed as a node-level concern, not fatal
// to the run — its failure is folded into the model's context instead.
func workerHandler(ctx context.Context, node core.NodeConfig, input string, rc *RunContext) (string, core.LLMTokenUsage, []core.ToolCallRecord, error) {
	reg := workerreg.Global()
	modelInput := input
	var calls []core.ToolCallRecord

	for _, toolID := range node.Tools {
		start := time.Now()
		tool, err := reg.Borrow(toolID)
		var result string
		if err == nil {
			result, err = tool.Invoke(ctx, input)
		}
		if err != nil {
			result = "error: " + err.Error()
		}
		calls = append(calls, core.ToolCallRecord{
			CallID:    node.ID + ":" + toolID,
			ToolName:  toolID,
			Arguments: input,
			Result:    result,
			ElapsedMS: time.Since(start).Milliseconds(),
		})
		modelInput += inputSeparator + result
	}

	output, usage, err := callModel(ctx, node, modelInput, rc)
	return output, usage, calls, err
}

func callModel(ctx context.Context, node core.NodeConfig, input string, rc *RunContext) (string, core.LLMTokenUsage, error) {
	model := rc.resolve(node)
	req := core.LLMRequest{
		Model:     model.ID,
		System:    node.SystemPrompt,
		InputText: input,
		Meta:      map[string]any{"api_base": model.APIBase},
	}

	if rc.OnDelta == nil {
		resp, err := rc.Client.Complete(ctx, req)
		if err != nil {
			return "", core.LLMTokenUsage{}, err
		}
		return resp.Text, resp.Usage, nil
	}

	chunks, err := rc.Client.CompleteStream(ctx, req)
	if err != nil {
		return "", core.LLMTokenUsage{}, err
	}
	var usage core.LLMTokenUsage
	accumulated := ""
	for chunk := range chunks {
		if chunk.Error != nil {
			rc.Logger.Warn("engine: stream chunk error, skipping", "run_id", rc.RunID, "node_id", node.ID, "error", chunk.Error)
			continue // a single malformed frame does not abort the node
		}
		if chunk.Delta != "" {
			rc.OnDelta(node.ID, chunk.Delta)
		}
		accumulated = chunk.Accumulated
		if chunk.Done && chunk.Usage != nil {
			usage = *chunk.Usage
		}
	}
	return accumulated, usage, nil
}

// passThroughHandler implements the pass-through contract spec.md §4.5
// assigns to gate/router/coordinator/orchestrator/synthesizer/evaluator/
// aggregator today: return the assembled input unchanged. Each is a
// named hook reserved for future behavior (gate rejection, router
// classification, evaluator pass/fail) without changing today's semantics.
func passThroughHandler(_ context.Context, _ core.NodeConfig, input string, _ *RunContext) (string, core.LLMTokenUsage, []core.ToolCallRecord, error) {
	return input, core.LLMTokenUsage{}, nil, nil
}
