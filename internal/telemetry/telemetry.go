// Package telemetry wires OpenTelemetry tracing and metrics for the
// reactor runtime: collection sync-commit spans and the counter bundle in
// Metrics. Exporters are stdout-only (no OTLP
// network exporter is in scope); grounded on the teacher's
// internal/hooks hooks_otel.go use of the trace/attribute API for span
// events, generalized here to a full SDK wiring since the teacher only
// consumed an ambient provider rather than constructing one.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/go-reactor/reactor"

// Shutdown flushes and stops the telemetry providers installed by Init.
type Shutdown func(context.Context) error

// Init installs a TracerProvider and MeterProvider that export to w (os.Stdout
// by default in production use, a buffer in tests). Passing a nil w discards
// output via io.Discard, useful when telemetry is wanted for its
// side-effects (spans used by tests) but not its console noise.
func Init(w io.Writer) (Shutdown, error) {
	if w == nil {
		w = io.Discard
	}

	traceExp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
	otel.SetTracerProvider(tp)

	metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}, nil
}

func Tracer() trace.Tracer { return otel.Tracer(instrumentationName) }
func Meter() metric.Meter  { return otel.Meter(instrumentationName) }

// Metrics bundles the counters registered by NewMetrics. The collection
// package records Mutations and SyncCommits; nothing in this module records
// Rollbacks, QueryRuns, CompileHits or CompileMisses. Built once per process
// via NewMetrics.
type Metrics struct {
	Mutations     metric.Int64Counter
	SyncCommits   metric.Int64Counter
	Rollbacks     metric.Int64Counter
	QueryRuns     metric.Int64Counter
	CompileHits   metric.Int64Counter
	CompileMisses metric.Int64Counter
}

// NewMetrics registers every instrument against Meter().
func NewMetrics() (*Metrics, error) {
	m := Meter()
	mutations, err := m.Int64Counter("reactor.collection.mutations", metric.WithDescription("mutations applied to a collection, by type"))
	if err != nil {
		return nil, err
	}
	syncCommits, err := m.Int64Counter("reactor.collection.sync_commits", metric.WithDescription("sync commit batches applied"))
	if err != nil {
		return nil, err
	}
	rollbacks, err := m.Int64Counter("reactor.txn.rollbacks", metric.WithDescription("transaction rollbacks, including cascades"))
	if err != nil {
		return nil, err
	}
	queryRuns, err := m.Int64Counter("reactor.query.runs", metric.WithDescription("compiled query pipeline executions"))
	if err != nil {
		return nil, err
	}
	compileHits, err := m.Int64Counter("reactor.compiler.cache_hits", metric.WithDescription("compiled-query cache hits"))
	if err != nil {
		return nil, err
	}
	compileMisses, err := m.Int64Counter("reactor.compiler.cache_misses", metric.WithDescription("compiled-query cache misses"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		Mutations: mutations, SyncCommits: syncCommits, Rollbacks: rollbacks,
		QueryRuns: queryRuns, CompileHits: compileHits, CompileMisses: compileMisses,
	}, nil
}

// CollectionAttr returns the standard attribute set for a span/metric
// scoped to a single collection.
func CollectionAttr(collectionID string) attribute.KeyValue {
	return attribute.String("reactor.collection.id", collectionID)
}

// MutationTypeAttr tags a mutation counter increment with its kind.
func MutationTypeAttr(kind string) attribute.KeyValue {
	return attribute.String("reactor.mutation.type", kind)
}
