package otel

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// endpointExcluder samples spans at the configured probability while never
// sampling the excluded routes, typically health and readiness probes.
type endpointExcluder struct {
	endpoints map[string]struct{}
	inner     sdktrace.Sampler
}

func newEndpointExcluder(endpoints map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{
		endpoints: endpoints,
		inner:     sdktrace.TraceIDRatioBased(probability),
	}
}

// ShouldSample implements the sdktrace.Sampler interface.
func (e endpointExcluder) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if _, exists := e.endpoints[params.Name]; exists {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}
	return e.inner.ShouldSample(params)
}

// Description implements the sdktrace.Sampler interface.
func (e endpointExcluder) Description() string { return "endpointExcluder" }
