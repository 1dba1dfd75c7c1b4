// Package metrics implements spec.md §4.4's two collectors: an in-memory
// per-run accumulator, and a tracing collector that wraps a tracestore.Store
// to persist the same data durably.
package metrics

import "github.com/pipelex/pipelex/core"

// NodeMetrics records one node execution's resource consumption.
type NodeMetrics struct {
	NodeID           string
	InputTokens      int
	OutputTokens     int
	ElapsedMS        int64
	ToolCallCount    int
	IterationCount   int
	EstimatedCostUSD float64
}

// PipelineMetrics is the coordinate-wise sum of every NodeMetrics recorded
// during a run.
type PipelineMetrics struct {
	InputTokens      int
	OutputTokens     int
	ElapsedMS        int64
	ToolCallCount    int
	IterationCount   int
	EstimatedCostUSD float64
	Nodes            []NodeMetrics
}

// Collector accumulates NodeMetrics for a single run and flushes them into
// a PipelineMetrics aggregate. It is not safe for concurrent use from more
// than one goroutine without external synchronization; TracingCollector,
// whose RecordSpan the engine calls from each parallel branch's goroutine,
// guards its embedded Collector with its own mutex.
type Collector struct {
	nodes []NodeMetrics
}

// NewCollector creates an empty per-run Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Record appends one node's metrics to the accumulator.
func (c *Collector) Record(m NodeMetrics) {
	c.nodes = append(c.nodes, m)
}

// Flush sums every recorded NodeMetrics coordinate-wise into a
// PipelineMetrics.
func (c *Collector) Flush() PipelineMetrics {
	var agg PipelineMetrics
	agg.Nodes = make([]NodeMetrics, len(c.nodes))
	copy(agg.Nodes, c.nodes)
	for _, n := range c.nodes {
		agg.InputTokens += n.InputTokens
		agg.OutputTokens += n.OutputTokens
		agg.ElapsedMS += n.ElapsedMS
		agg.ToolCallCount += n.ToolCallCount
		agg.IterationCount += n.IterationCount
		agg.EstimatedCostUSD += n.EstimatedCostUSD
	}
	return agg
}

// ApplyTo projects an aggregate onto the subset of TraceRecord fields
// it determines (input/output/status are supplied by the caller, which owns
// the run's outcome).
func (p PipelineMetrics) ApplyTo(t *core.TraceRecord) {
	t.InputTokens = p.InputTokens
	t.OutputTokens = p.OutputTokens
	t.TotalElapsedMS = p.ElapsedMS
	t.ToolCallCount = p.ToolCallCount
}
