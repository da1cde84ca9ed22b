// Package telemetry wires OpenTelemetry tracing and metrics for the sync
// engine and mediator. Tracer and Meter are obtained from the global
// provider at package init time, so every caller works whether or not
// Init has been called yet: before Init the global provider is a no-op,
// and spans start forwarding to the real provider the moment Init
// installs it. No metric instruments are created from Meter.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	stdoutmetric "go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Tracer and Meter are shared across the engine, mediator and remotestore
// packages under the single name "github.com/tunetrainer/synccore"; spans
// are told apart by their span names (engine.cycle, mediator.handle,
// remotestore.begin_tx), not by per-component tracer names.
var (
	Tracer = otel.Tracer("github.com/tunetrainer/synccore")
	Meter  = otel.Meter("github.com/tunetrainer/synccore")
)

// shutdown, if non-nil after Init, flushes and stops the installed exporters.
var shutdown func(context.Context) error

// Init installs a stdout-backed trace and metric provider, suitable for
// local runs and tests. Production deployments that want a collector
// should install their own global provider before this module does any
// work instead of calling Init.
func Init(ctx context.Context) error {
	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("telemetry: creating stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return fmt.Errorf("telemetry: creating stdout metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	otel.SetMeterProvider(mp)

	shutdown = func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}
	return nil
}

// Shutdown flushes and stops the provider installed by Init. A no-op if
// Init was never called.
func Shutdown(ctx context.Context) error {
	if shutdown == nil {
		return nil
	}
	return shutdown(ctx)
}
