// Package tracing wires otel spans exported via the stdout exporter
// redirected to "<bench_dir>/trace.log". The scheduler opens one span per
// workpackage Run; StartOperationSpan is not called by the engine, so no
// per-operation spans are recorded. All coordination is process-local, so
// no network exporter is configured.
package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"
)

// tracerName is the otel instrumentation scope name for every span this
// package creates.
const tracerName = "jube-go/scheduler"

// Init builds a TracerProvider that writes spans as pretty-printed JSON to
// logPath (normally "<bench_dir>/trace.log") and installs it as the global
// provider. The returned shutdown func flushes and closes the file; callers
// defer it.
func Init(benchmarkID int, logPath string) (shutdown func(context.Context) error, runID uuid.UUID, err error) {
	runID = uuid.New()
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, runID, fmt.Errorf("tracing: open %q: %w", logPath, err)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(f), stdouttrace.WithPrettyPrint())
	if err != nil {
		_ = f.Close()
		return nil, runID, fmt.Errorf("tracing: build exporter: %w", err)
	}
	res, _ := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.Int("jube.benchmark_id", benchmarkID),
			attribute.String("jube.run_id", runID.String()),
		),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		_ = f.Close()
		return err
	}, runID, nil
}

// StartWorkpackageSpan opens a span for one Workpackage.Run invocation.
func StartWorkpackageSpan(ctx context.Context, stepName string, wpID int) (context.Context, trace.Span) {
	tr := otel.Tracer(tracerName)
	return tr.Start(ctx, "workpackage.run",
		trace.WithAttributes(
			attribute.String("jube.step", stepName),
			attribute.Int("jube.workpackage_id", wpID),
		),
	)
}

// StartOperationSpan opens a span for one Operation.Execute invocation.
func StartOperationSpan(ctx context.Context, stepName string, wpID, opIndex int) (context.Context, trace.Span) {
	tr := otel.Tracer(tracerName)
	return tr.Start(ctx, "operation.execute",
		trace.WithAttributes(
			attribute.String("jube.step", stepName),
			attribute.Int("jube.workpackage_id", wpID),
			attribute.Int("jube.operation_index", opIndex),
		),
	)
}
