/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/friendsincode/equiplet_grid/internal/version"
)

const (
	scopePrefix     = "github.com/friendsincode/equiplet_grid/"
	exportTimeout   = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Span attributes shared by the grid's agents.
const (
	AttrProductID  = attribute.Key("grid.product.id")
	AttrStepID     = attribute.Key("grid.step.id")
	AttrCapability = attribute.Key("grid.capability")
	AttrEquiplet   = attribute.Key("grid.equiplet.id")
	AttrCandidates = attribute.Key("grid.candidates")
	AttrConfirmed  = attribute.Key("grid.confirmed")
	AttrSlot       = attribute.Key("grid.slot")
)

// TracerConfig selects where grid spans are exported.
type TracerConfig struct {
	// ServiceName and ServiceVersion default to the build's values.
	ServiceName    string
	ServiceVersion string
	InstanceID     string
	OTLPEndpoint   string // host:port of an OTLP gRPC collector
	Enabled        bool
	SampleRate     float64
}

// TracerProvider owns the exporter pipeline installed by InitTracer.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	logger   zerolog.Logger
}

// InitTracer installs the global tracer provider. With tracing disabled a no-op provider is
// installed and Shutdown does nothing.
func InitTracer(ctx context.Context, cfg TracerConfig, logger zerolog.Logger) (*TracerProvider, error) {
	logger = logger.With().Str("component", "tracing").Logger()
	if !cfg.Enabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		logger.Debug().Msg("tracing disabled")
		return &TracerProvider{logger: logger}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = version.ServiceName
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = version.Version
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.InstanceID))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter %s: %w", cfg.OTLPEndpoint, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info().
		Str("service", cfg.ServiceName).
		Str("instance_id", cfg.InstanceID).
		Str("otlp_endpoint", cfg.OTLPEndpoint).
		Float64("sample_rate", cfg.SampleRate).
		Msg("tracing enabled")
	return &TracerProvider{provider: tp, logger: logger}, nil
}

// Sampler samples root spans at rate and follows the parent decision otherwise, so a
// negotiation is traced whole or not at all.
func Sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := tp.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	tp.logger.Debug().Msg("tracer provider flushed")
	return nil
}

// Tracer returns the tracer of a grid component, e.g. "negotiation".
func Tracer(component string) trace.Tracer {
	return otel.Tracer(scopePrefix+component, trace.WithInstrumentationVersion(version.Version))
}

// StartSpan starts span name in component's tracer.
func StartSpan(ctx context.Context, component, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer(component).Start(ctx, component+"."+name, trace.WithAttributes(attrs...))
}

// StartPlanSpan covers the planning of one product.
func StartPlanSpan(ctx context.Context, productID string, steps int) (context.Context, trace.Span) {
	return StartSpan(ctx, "product", "plan", AttrProductID.String(productID), attribute.Int("grid.steps", steps))
}

// StartNegotiationSpan covers the conversations about one step.
func StartNegotiationSpan(ctx context.Context, productID, stepID, capability string, candidates int) (context.Context, trace.Span) {
	return StartSpan(ctx, "negotiation", "negotiate",
		AttrProductID.String(productID),
		AttrStepID.String(stepID),
		AttrCapability.String(capability),
		AttrCandidates.Int(candidates),
	)
}

// StartScheduleSpan covers the reservation of one step on one equiplet.
func StartScheduleSpan(ctx context.Context, stepID, equiplet string) (context.Context, trace.Span) {
	return StartSpan(ctx, "product", "schedule", AttrStepID.String(stepID), AttrEquiplet.String(equiplet))
}

// EndSpan marks span failed when err is set and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordError notes err on span without ending it.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
}
