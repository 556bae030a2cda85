package telemetry

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/treefix50/watchguard"

var (
	attrVideoID = attribute.Key("watchguard.video_id")
	attrReason  = attribute.Key("watchguard.flush_reason")
	attrMethod  = attribute.Key("http.method")
	attrRoute   = attribute.Key("http.route")
	attrStatus  = attribute.Key("http.status_code")
)

// Config drives how telemetry is initialized.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is a host:port for the OTLP/HTTP trace exporter. Empty
	// keeps spans in-process.
	OTLPEndpoint   string
	Insecure       bool
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Manager owns the tracer, the meter and the counters used across the
// player core and the progress service. A nil *Manager is valid and records
// nothing.
type Manager struct {
	tracer         trace.Tracer
	metrics        *metrics
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

type metrics struct {
	seeksBlocked  metric.Int64Counter
	flushes       metric.Int64Counter
	flushFailures metric.Int64Counter
	httpRequests  metric.Int64Counter
	httpLatency   metric.Float64Histogram
}

var globalManager atomic.Pointer[Manager]

func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	tp := cfg.TracerProvider
	if tp == nil {
		res, err := buildResource(cfg)
		if err != nil {
			return nil, err
		}
		opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
		if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
			exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
			if cfg.Insecure {
				exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
			}
			exporter, err := otlptracehttp.New(ctx, exporterOpts...)
			if err != nil {
				return nil, err
			}
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
		tp = sdktrace.NewTracerProvider(opts...)
	}
	mp := cfg.MeterProvider
	if mp == nil {
		mp = sdkmetric.NewMeterProvider()
	}
	recorder, err := newMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}
	return &Manager{
		tracer:         tp.Tracer(instrumentationName),
		metrics:        recorder,
		tracerProvider: tp,
		meterProvider:  mp,
	}, nil
}

func newMetrics(m metric.Meter) (*metrics, error) {
	seeks, err := m.Int64Counter("watchguard.seeks.blocked", metric.WithDescription("Seek attempts corrected back to the watermark."))
	if err != nil {
		return nil, err
	}
	flushes, err := m.Int64Counter("watchguard.progress.flushes", metric.WithDescription("Progress writes sent to the progress store."))
	if err != nil {
		return nil, err
	}
	failures, err := m.Int64Counter("watchguard.progress.flush_failures", metric.WithDescription("Progress writes that failed."))
	if err != nil {
		return nil, err
	}
	requests, err := m.Int64Counter("watchguard.http.requests", metric.WithDescription("HTTP requests served."))
	if err != nil {
		return nil, err
	}
	latency, err := m.Float64Histogram("watchguard.http.latency.ms", metric.WithDescription("HTTP request latency in milliseconds."), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &metrics{
		seeksBlocked:  seeks,
		flushes:       flushes,
		flushFailures: failures,
		httpRequests:  requests,
		httpLatency:   latency,
	}, nil
}

// StartSpan proxies span creation through the configured tracer.
func (m *Manager) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, opts...)
}

func (m *Manager) RecordSeekBlocked(ctx context.Context, videoID string) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.seeksBlocked.Add(ctx, 1, metric.WithAttributes(attrVideoID.String(videoID)))
}

func (m *Manager) RecordFlush(ctx context.Context, videoID, reason string) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.flushes.Add(ctx, 1, metric.WithAttributes(attrVideoID.String(videoID), attrReason.String(reason)))
}

func (m *Manager) RecordFlushFailure(ctx context.Context, videoID, reason string) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.flushFailures.Add(ctx, 1, metric.WithAttributes(attrVideoID.String(videoID), attrReason.String(reason)))
}

func (m *Manager) RecordHTTPRequest(ctx context.Context, method, route string, status int, elapsed time.Duration) {
	if m == nil || m.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attrMethod.String(method), attrRoute.String(route), attrStatus.Int(status))
	m.metrics.httpRequests.Add(ctx, 1, attrs)
	m.metrics.httpLatency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}

// Shutdown flushes and stops the providers created by NewManager.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var result error
	if closer, ok := m.tracerProvider.(interface {
		Shutdown(context.Context) error
	}); ok && closer != nil {
		if err := closer.Shutdown(ctx); err != nil {
			result = errors.Join(result, err)
		}
	}
	if closer, ok := m.meterProvider.(interface {
		Shutdown(context.Context) error
	}); ok && closer != nil {
		if err := closer.Shutdown(ctx); err != nil {
			result = errors.Join(result, err)
		}
	}
	return result
}

// SetDefault swaps the process-wide manager.
func SetDefault(mgr *Manager) {
	globalManager.Store(mgr)
}

// Default returns the process-wide manager, nil when none was registered.
func Default() *Manager {
	return globalManager.Load()
}

// EndSpan finalizes span state while standardizing error recording.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "ok")
	}
	span.End()
}

// VideoAttr tags a span with the video identifier.
func VideoAttr(videoID string) attribute.KeyValue {
	return attrVideoID.String(videoID)
}

func buildResource(cfg Config) (*resource.Resource, error) {
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "watchguard"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(service)}
	if version := strings.TrimSpace(cfg.ServiceVersion); version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	if env := strings.TrimSpace(cfg.Environment); env != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(env))
	}
	base := resource.Default()
	schema := base.SchemaURL()
	if schema == "" {
		schema = semconv.SchemaURL
	}
	return resource.Merge(base, resource.NewWithAttributes(schema, attrs...))
}
