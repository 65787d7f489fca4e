// Package api implements the HTTP status API of perfcore.
//
// New(coordinator) returns an http.Handler that serves:
//
//	GET  /api/v1/status       engine status across every component
//	GET  /api/v1/health       latest health sample; ?refresh=true samples now
//	GET  /api/v1/bottlenecks  detected bottlenecks and recent optimization actions
//	POST /api/v1/optimize     runs one optimization cycle
//	GET  /api/v1/cache        cache and loader counters
//	POST /api/v1/cache/clear  drops every cache entry
//	GET  /api/v1/rooms        broadcast rooms and their members
//	GET  /api/v1/watchers     active watches and watcher counters
//
// Responses are JSON. A wrong method returns 405.
package api
