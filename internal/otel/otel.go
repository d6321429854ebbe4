// Package otel wires OpenTelemetry tracing and metrics for the gate.
// A disabled config yields no-op providers.
package otel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "gatekeep"
	MeterName  = "gatekeep"

	defaultEndpoint = "localhost:4318"
)

// Config mirrors the telemetry block of config.yaml. Version is reported as
// a resource attribute.
type Config struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
	SampleRate  float64
	Version     string
}

type exporterFunc func(context.Context, Config) (sdktrace.SpanExporter, error)

var spanExporters = map[string]exporterFunc{
	"otlp-http": func(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	},
	"stdout": func(context.Context, Config) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
	"none": func(context.Context, Config) (sdktrace.SpanExporter, error) {
		return discardExporter{}, nil
	},
}

// Provider bundles the tracer and meter the gate records into. Metrics are
// kept in-process and read back with Snapshot.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	reader   *sdkmetric.ManualReader
	shutdown []func(context.Context) error
}

// Init builds the providers described by cfg. Callers must Shutdown the
// returned provider on exit.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer: nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:  noop.NewMeterProvider().Meter(MeterName),
		}, nil
	}

	name := cfg.Exporter
	if name == "" {
		name = "otlp-http"
	}
	newExporter, ok := spanExporters[name]
	if !ok {
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "gatekeep"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		attribute.String("gatekeep.version", cfg.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", name, err)
	}

	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))

	return &Provider{
		TracerProvider: tp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		reader:         reader,
		shutdown:       []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

// Point is one aggregated instrument reading. Counters report their sum and
// histograms their observation count, across all attribute sets.
type Point struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Snapshot collects the current metric values sorted by name. A disabled
// provider returns nil.
func (p *Provider) Snapshot(ctx context.Context) ([]Point, error) {
	if p.reader == nil {
		return nil, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	var points []Point
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			var v float64
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					v += float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					v += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					v += float64(dp.Count)
				}
			default:
				continue
			}
			points = append(points, Point{Name: m.Name, Value: v})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Name < points[j].Name })
	return points, nil
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
