package handler

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	checks map[string]Check
	ready  func() bool
	start  time.Time
}

// NewHealthHandler creates a HealthHandler. ready reports whether the node
// has finished recovery; nil means always ready.
func NewHealthHandler(checks map[string]Check, ready func() bool) *HealthHandler {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &HealthHandler{checks: checks, ready: ready, start: time.Now()}
}

type checkResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Health runs every dependency check concurrently.
// GET /api/health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	results := make([]checkResult, 0, len(h.checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, check := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := checkResult{Name: name, OK: true}
			if err := check(ctx); err != nil {
				res.OK, res.Error = false, err.Error()
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	status, code := "ok", http.StatusOK
	for _, res := range results {
		if !res.OK {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"checks":    results,
		"uptimeSec": int64(time.Since(h.start).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready answers 200 once the node can serve, 503 while it recovers.
// GET /api/ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}
