package agent

import (
	"go.opentelemetry.io/otel/trace/noop"
)

// Shared no-op observability plumbing for tests.
var (
	testTracer  = noop.NewTracerProvider().Tracer("test/internal/agent")
	testMetrics = noopMetrics{}
)
