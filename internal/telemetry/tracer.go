package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the package tracer from the global provider.
func Tracer() trace.Tracer { return otel.Tracer(ScopeName) }
