// Package metrics holds the Prometheus collectors exported by perfcore and a
// reader for the Go runtime families used by the health monitor.
package metrics
