package api

import (
	"encoding/json"
	"net/http"

	"github.com/devguard/perfcore/internal/coordinator"
	"github.com/devguard/perfcore/internal/monitor"
)

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	c   *coordinator.Coordinator
	mux *http.ServeMux
}

// New creates a Handler reading from c and registers all routes.
func New(c *coordinator.Coordinator) http.Handler {
	h := &Handler{c: c, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/status", h.status)
	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/bottlenecks", h.bottlenecks)
	h.mux.HandleFunc("/api/v1/optimize", h.optimize)
	h.mux.HandleFunc("/api/v1/cache", h.cacheStats)
	h.mux.HandleFunc("/api/v1/cache/clear", h.cacheClear)
	h.mux.HandleFunc("/api/v1/rooms", h.rooms)
	h.mux.HandleFunc("/api/v1/watchers", h.watchers)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, h.c.Status())
}

// health returns the latest health sample. Before the first sample the
// status is "unknown" unless refresh=true forces one.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	m := h.c.Monitor()
	var (
		s  monitor.Sample
		ok bool
	)
	if r.URL.Query().Get("refresh") == "true" {
		s, ok = m.Sample(r.Context()), true
	} else {
		s, ok = m.Latest()
	}

	resp := HealthResponse{
		Status:           "unknown",
		IntegrationScore: h.c.IntegrationScore(),
	}
	if ok {
		resp.Status = s.Scores.Status
		resp.Score = s.Scores.Composite
		resp.Scores = &s.Scores
		resp.BottleneckCount = len(s.Bottlenecks)
		resp.SampledAt = &s.SampledAt
	}
	jsonResp(w, http.StatusOK, resp)
}

func (h *Handler) bottlenecks(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	m := h.c.Monitor()
	resp := BottlenecksResponse{
		Bottlenecks: m.Bottlenecks(),
		Actions:     m.Actions(),
	}
	if resp.Bottlenecks == nil {
		resp.Bottlenecks = []monitor.Bottleneck{}
	}
	if resp.Actions == nil {
		resp.Actions = []monitor.Action{}
	}
	jsonResp(w, http.StatusOK, resp)
}

// optimize runs one optimization cycle and returns the actions it took.
func (h *Handler) optimize(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	actions := h.c.Monitor().Optimize(r.Context())
	if actions == nil {
		actions = []monitor.Action{}
	}
	jsonResp(w, http.StatusOK, actions)
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, CacheResponse{
		Cache:  h.c.Cache().Stats(),
		Loader: h.c.Loader().Stats(),
	})
}

func (h *Handler) cacheClear(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	jsonResp(w, http.StatusOK, ClearResponse{Cleared: h.c.ClearCache("api")})
}

func (h *Handler) rooms(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	b := h.c.Broadcaster()
	jsonResp(w, http.StatusOK, RoomsResponse{Rooms: b.Rooms(), Pools: b.Stats().Pools})
}

func (h *Handler) watchers(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	wt := h.c.Watcher()
	jsonResp(w, http.StatusOK, WatchersResponse{Watches: wt.Handles(), Stats: wt.Stats()})
}

// --- helpers ----------------------------------------------------------------

// allow reports whether r uses method, answering 405 when it does not.
func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
