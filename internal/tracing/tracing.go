// Package tracing wires OpenTelemetry for fan-outs, delivery attempts and
// the NSQ trigger hop between the API and the worker.
package tracing

import (
	"context"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const TracerName = "github.com/austindbirch/harborguard"

// Span attribute keys shared by every delivery span.
const (
	TenantKey      = attribute.Key("harborguard.tenant_id")
	DestinationKey = attribute.Key("harborguard.destination_id")
	DeliveryKey    = attribute.Key("harborguard.delivery_id")
	EventKey       = attribute.Key("harborguard.event")
	TopicKey       = attribute.Key("messaging.destination.name")
)

type Config struct {
	ServiceName string
	Version     string
	Environment string
	// Endpoint is the OTLP/HTTP collector as host:port.
	Endpoint string
	// SampleRatio below 1 samples that share of new traces; 0 or 1 keeps all.
	SampleRatio float64
}

// ConfigFromEnv reads SERVICE_VERSION, DEPLOYMENT_ENV,
// OTEL_EXPORTER_OTLP_ENDPOINT and OTEL_SAMPLE_RATIO.
func ConfigFromEnv(service string) Config {
	cfg := Config{
		ServiceName: service,
		Version:     "dev",
		Environment: "local",
		Endpoint:    "tempo:4318",
		SampleRatio: 1,
	}
	if v := os.Getenv("SERVICE_VERSION"); v != "" {
		cfg.Version = v
	}
	if v := os.Getenv("DEPLOYMENT_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		// otlptracehttp.WithEndpoint does not take a scheme
		v = strings.TrimPrefix(v, "http://")
		cfg.Endpoint = strings.TrimSuffix(strings.TrimPrefix(v, "https://"), "/")
	}
	if v := os.Getenv("OTEL_SAMPLE_RATIO"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r > 0 && r <= 1 {
			cfg.SampleRatio = r
		}
	}
	return cfg
}

func (c Config) sampler() trace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return trace.ParentBased(trace.AlwaysSample())
	}
	return trace.ParentBased(trace.TraceIDRatioBased(c.SampleRatio))
}

// InitTracing installs a batching OTLP exporter as the global provider.
func InitTracing(ctx context.Context, cfg Config) (func(), error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
			semconv.ServiceNamespaceKey.String("harborguard"),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
		resource.WithFromEnv(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(cfg.sampler()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func() {
		_ = tp.Shutdown(ctx)
	}, nil
}

func tracer() oteltrace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return tracer().Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// StartFanout starts the span covering one event fan-out of a tenant.
func StartFanout(ctx context.Context, tenantID, event string) (context.Context, oteltrace.Span) {
	return StartSpan(ctx, "fanout.FireEvent", TenantKey.String(tenantID), EventKey.String(event))
}

// StartDelivery starts the client span for a single delivery attempt.
func StartDelivery(ctx context.Context, deliveryID, tenantID, destinationID, event string) (context.Context, oteltrace.Span) {
	return tracer().Start(ctx, "delivery.Dispatch",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			DeliveryKey.String(deliveryID),
			TenantKey.String(tenantID),
			DestinationKey.String(destinationID),
			EventKey.String(event),
		),
	)
}

// StartPublish starts the producer span of a trigger sent to topic.
func StartPublish(ctx context.Context, topic, tenantID, event string) (context.Context, oteltrace.Span) {
	return tracer().Start(ctx, "trigger.Publish",
		oteltrace.WithSpanKind(oteltrace.SpanKindProducer),
		oteltrace.WithAttributes(TopicKey.String(topic), TenantKey.String(tenantID), EventKey.String(event)),
	)
}

// StartConsume continues the trace carried by a trigger message. A missing
// or unreadable carrier starts a new trace.
func StartConsume(ctx context.Context, carrier map[string]string, tenantID, event string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	ctx = FromCarrier(ctx, carrier)
	attrs = append([]attribute.KeyValue{TenantKey.String(tenantID), EventKey.String(event)}, attrs...)
	return tracer().Start(ctx, "trigger.HandleMessage",
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer),
		oteltrace.WithAttributes(attrs...),
	)
}

func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	oteltrace.SpanFromContext(ctx).AddEvent(name, oteltrace.WithAttributes(attrs...))
}

// SetSpanError marks the current span failed. nil errors are ignored.
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns the hex trace id of ctx, or "" outside a sampled trace.
func GetTraceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// Carrier serializes the trace context of ctx for a queue message.
func Carrier(ctx context.Context) map[string]string {
	carrier := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(carrier))
	return carrier
}

// FromCarrier restores a trace context produced by Carrier.
func FromCarrier(ctx context.Context, carrier map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}
