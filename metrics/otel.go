package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/pipelex/pipelex/core"
)

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// tracer emits OpenTelemetry spans alongside the trace store's own
// records — a parallel, process-level view of the same run/node timeline
// (exportable to any OTel backend) independent of the queryable SQLite
// trace store spec.md §4.3 requires. Retroactive timestamps via
// trace.WithTimestamp mirror the teacher's own runtime-event-to-span
// translation, since node execution has already finished by the time
// RecordSpan observes it.
var tracer = otel.Tracer("github.com/pipelex/pipelex/engine")

var meter = otel.Meter("github.com/pipelex/pipelex/engine")

// runsTotal, runDuration, and nodeExecutions mirror the instrument set the
// teacher's own otel/metrics.go built for workflow runs, recreated here
// against a meter global.MeterProvider supplies instead of one handed in
// explicitly. otel's default MeterProvider is a no-op, so instrument
// creation here never fails in a way worth propagating; a real provider is
// only installed when OTEL_EXPORTER_OTLP_ENDPOINT is set.
var (
	runsTotal, _       = meter.Int64Counter("pipelex.run.completed", metric.WithDescription("Number of pipeline runs completed"))
	runDurationHist, _ = meter.Float64Histogram("pipelex.run.duration", metric.WithDescription("Duration of a pipeline run in seconds"), metric.WithUnit("s"))
	nodeExecutions, _  = meter.Int64Counter("pipelex.node.executions", metric.WithDescription("Number of node executions"))
)

// startRunSpan opens a root span for one pipeline run, returning the
// context child spans should be started from and a function to end it.
func startRunSpan(ctx context.Context, trace core.TraceRecord) (context.Context, func(status, output string)) {
	spanCtx, span := tracer.Start(ctx, "pipeline_run:"+trace.PipelineName,
		oteltrace.WithAttributes(
			attribute.String("pipelex.trace_id", trace.TraceID),
			attribute.String("pipelex.pipeline_id", trace.PipelineID),
		),
	)
	started := time.Now()
	return spanCtx, func(status, output string) {
		span.SetAttributes(attribute.String("pipelex.status", status))
		if status == core.TraceStatusError {
			span.SetStatus(codes.Error, output)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()

		statusAttr := attribute.String("pipelex.status", status)
		runsTotal.Add(ctx, 1, metric.WithAttributes(statusAttr))
		runDurationHist.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(statusAttr))
	}
}

func recordNodeSpan(ctx context.Context, sp core.SpanRecord) {
	_, span := tracer.Start(ctx, "node:"+sp.NodeID,
		oteltrace.WithTimestamp(msToTime(sp.StartTimeMS)),
		oteltrace.WithAttributes(
			attribute.String("pipelex.node_id", sp.NodeID),
			attribute.String("pipelex.node_type", string(sp.NodeType)),
			attribute.Int("pipelex.input_tokens", sp.InputTokens),
			attribute.Int("pipelex.output_tokens", sp.OutputTokens),
		),
	)
	span.End(oteltrace.WithTimestamp(msToTime(sp.EndTimeMS)))

	nodeExecutions.Add(ctx, 1, metric.WithAttributes(attribute.String("pipelex.node_type", string(sp.NodeType))))
}
