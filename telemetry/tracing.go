// Package telemetry installs the OpenTelemetry tracer provider that the
// executor and planner spans are reported through.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/colorfulnotion/shieldpool/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Enabled bool
	// Endpoint is the OTLP/HTTP collector as host:port.
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
	Version     string
}

// Tracing owns a tracer provider. A disabled Tracing hands out no-op tracers
// so callers never branch on whether tracing is configured.
type Tracing struct {
	provider trace.TracerProvider
	sdk      *sdktrace.TracerProvider
	once     sync.Once
}

func NewNoOpTracing() *Tracing {
	return &Tracing{provider: noop.NewTracerProvider()}
}

// NewTracing dials nothing up front; the OTLP exporter connects lazily on
// the first export.
func NewTracing(ctx context.Context, cfg Config) (*Tracing, error) {
	if !cfg.Enabled {
		return NewNoOpTracing(), nil
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("tracing enabled without an endpoint")
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	log.Info(log.Node, "Tracing enabled", "endpoint", cfg.Endpoint, "service", cfg.ServiceName, "ratio", cfg.SampleRatio)
	return NewTracingWithExporter(exporter, cfg), nil
}

// NewTracingWithExporter batches spans into exporter.
func NewTracingWithExporter(exporter sdktrace.SpanExporter, cfg Config) *Tracing {
	name := cfg.ServiceName
	if name == "" {
		name = "shieldpool"
	}
	attrs := []attribute.KeyValue{attribute.String("service.name", name)}
	if cfg.Version != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.Version))
	}
	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attrs...)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	return &Tracing{provider: sdk, sdk: sdk}
}

func (t *Tracing) Enabled() bool {
	return t.sdk != nil
}

func (t *Tracing) Tracer(name string) trace.Tracer {
	return t.provider.Tracer(name)
}

func (t *Tracing) Provider() trace.TracerProvider {
	return t.provider
}

// InstallGlobal makes this provider the otel global, which is where the
// executor picks up its default tracer.
func (t *Tracing) InstallGlobal() {
	otel.SetTracerProvider(t.provider)
}

// Flush exports buffered spans without shutting down.
func (t *Tracing) Flush(ctx context.Context) error {
	if t.sdk == nil {
		return nil
	}
	return t.sdk.ForceFlush(ctx)
}

// Shutdown flushes and stops the provider. Safe to call more than once.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.sdk == nil {
		return nil
	}
	var err error
	t.once.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		err = t.sdk.Shutdown(ctx)
		if err != nil {
			log.Warn(log.Node, "Tracing shutdown failed", "err", err)
		}
	})
	return err
}
