// Package monitor samples the engine's components, scores their health and
// runs a conservative optimization cycle.
//
// Each sample pulls cache, broadcaster, watcher and query-layer stats plus
// the Go runtime families from a Prometheus gatherer. Component scores (0–1)
// are averaged into a composite classified as excellent (≥0.9), good
// (≥0.7), fair (≥0.5) or poor.
//
// Bottlenecks are threshold rules of the form "field op value" evaluated
// over the sample. Optimize acts on exactly one of them: a memory
// bottleneck clears the cache. Every other bottleneck only logs its
// recommendation.
package monitor
