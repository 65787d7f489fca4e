// Package querystats reports query-layer latency and failure counts to the
// health monitor.
//
// Two Sources are provided. Recorder is fed in process by the coordinator
// with the duration and outcome of every upstream fetch. Scraper reads a
// latency histogram (and an optional error counter) from the query layer's
// Prometheus endpoint and reports the delta between scrapes.
package querystats
