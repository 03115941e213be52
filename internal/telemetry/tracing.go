// Package telemetry wires OpenTelemetry tracing into a crawl.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/mostlyserious/csp-crawler/internal/crawler"
)

const instrumentationName = "github.com/mostlyserious/csp-crawler/internal/crawler"

// InitTracerProvider installs a global tracer provider and the W3C
// propagators. Exporters are supplied by the caller as span processors.
func InitTracerProvider(ctx context.Context, serviceName string, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(append([]sdktrace.TracerProviderOption{sdktrace.WithResource(res)}, opts...)...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}

// tracedHooks records a span around every page hook call.
type tracedHooks struct {
	inner  crawler.Hooks
	tracer trace.Tracer
}

// TraceHooks wraps inner so each OnPageVisit runs inside a span. A nil tp
// uses the global provider.
func TraceHooks(inner crawler.Hooks, tp trace.TracerProvider) crawler.Hooks {
	if inner == nil {
		inner = crawler.NopHooks{}
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &tracedHooks{inner: inner, tracer: tp.Tracer(instrumentationName)}
}

func (h *tracedHooks) OnPageVisit(ctx context.Context, page crawler.Page, rawURL string, depth int, resp *crawler.Response) error {
	ctx, span := h.tracer.Start(ctx, "crawler.page_visit", trace.WithAttributes(
		attribute.String("url.full", rawURL),
		attribute.Int("crawler.depth", depth),
	))
	defer span.End()
	if resp != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	}
	err := h.inner.OnPageVisit(ctx, page, rawURL, depth, resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (h *tracedHooks) OnRequestIntercept(req crawler.Request) crawler.Decision {
	return h.inner.OnRequestIntercept(req)
}

func (h *tracedHooks) OnConsoleMessage(msg crawler.ConsoleMessage, pageURL string) {
	h.inner.OnConsoleMessage(msg, pageURL)
}
