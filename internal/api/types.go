package api

import (
	"time"

	"github.com/devguard/perfcore/internal/broadcast"
	"github.com/devguard/perfcore/internal/cache"
	"github.com/devguard/perfcore/internal/loader"
	"github.com/devguard/perfcore/internal/monitor"
	"github.com/devguard/perfcore/internal/watcher"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status           string          `json:"status"`
	Score            float64         `json:"score"`
	IntegrationScore float64         `json:"integration_score"`
	Scores           *monitor.Scores `json:"scores,omitempty"`
	BottleneckCount  int             `json:"bottleneck_count"`
	SampledAt        *time.Time      `json:"sampled_at,omitempty"`
}

// BottlenecksResponse is the payload for GET /api/v1/bottlenecks.
type BottlenecksResponse struct {
	Bottlenecks []monitor.Bottleneck `json:"bottlenecks"`
	Actions     []monitor.Action     `json:"actions"`
}

// CacheResponse is the payload for GET /api/v1/cache.
type CacheResponse struct {
	Cache  cache.Stats  `json:"cache"`
	Loader loader.Stats `json:"loader"`
}

// ClearResponse is the payload for POST /api/v1/cache/clear.
type ClearResponse struct {
	Cleared int `json:"cleared"`
}

// RoomsResponse is the payload for GET /api/v1/rooms.
type RoomsResponse struct {
	Rooms []broadcast.RoomInfo  `json:"rooms"`
	Pools []broadcast.PoolStats `json:"pools"`
}

// WatchersResponse is the payload for GET /api/v1/watchers.
type WatchersResponse struct {
	Watches []watcher.HandleInfo `json:"watches"`
	Stats   watcher.Stats        `json:"stats"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
