package handler

import (
	"context"
	"net/http"

	"github.com/alanyoungcy/matchcore/internal/cluster"
)

// ClusterView exposes the node's coordination state.
type ClusterView interface {
	Status() cluster.Status
}

// LeaderLookup resolves the current leader.
type LeaderLookup interface {
	Leader(ctx context.Context) (cluster.LeaderInfo, bool)
}

// ClusterHandler serves cluster status and proxy circuits.
type ClusterHandler struct {
	view    ClusterView
	leaders LeaderLookup
	breaker *cluster.Breaker
}

// NewClusterHandler creates a ClusterHandler. leaders and breaker may be nil.
func NewClusterHandler(view ClusterView, leaders LeaderLookup, breaker *cluster.Breaker) *ClusterHandler {
	return &ClusterHandler{view: view, leaders: leaders, breaker: breaker}
}

type clusterStatusResponse struct {
	cluster.Status
	Leader *cluster.LeaderInfo `json:"leader,omitempty"`
}

// Status reports this node's role and the current leader.
// GET /api/cluster/status
func (h *ClusterHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := clusterStatusResponse{Status: h.view.Status()}
	if h.leaders != nil {
		if info, ok := h.leaders.Leader(r.Context()); ok {
			resp.Leader = &info
		}
	}
	writeData(w, http.StatusOK, resp)
}

// Circuits lists the follower proxy's per-path circuit states.
// GET /api/cluster/circuits
func (h *ClusterHandler) Circuits(w http.ResponseWriter, r *http.Request) {
	states := []cluster.CircuitState{}
	if h.breaker != nil {
		states = h.breaker.States()
	}
	writeData(w, http.StatusOK, states)
}
