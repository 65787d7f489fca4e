// Package tracing sets up OpenTelemetry span export for coordinated
// operations. Spans are recorded through the global provider, so callers
// work unchanged whether or not Init enabled export.
package tracing
