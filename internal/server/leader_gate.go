package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/matchcore/internal/cluster"
	"github.com/alanyoungcy/matchcore/internal/domain"
	"github.com/alanyoungcy/matchcore/internal/server/handler"
)

// Leadership is the node's view of who may write.
type Leadership interface {
	IsLeader() bool
	LeaderID() string
	NodeID() string
}

// LeaderGate lets writes through on the leader. On a follower it forwards
// them to the leader through proxy, or answers 503 not-leader when there is
// no proxy or the leader cannot be resolved.
type LeaderGate struct {
	leader  Leadership
	leaders *cluster.LeaderCache
	proxy   *cluster.Proxy
	logger  *slog.Logger
}

// NewLeaderGate creates a gate. leaders and proxy may be nil.
func NewLeaderGate(leader Leadership, leaders *cluster.LeaderCache, proxy *cluster.Proxy, logger *slog.Logger) *LeaderGate {
	return &LeaderGate{leader: leader, leaders: leaders, proxy: proxy, logger: logger}
}

// Wrap guards next. label names the route for the proxy circuit.
func (g *LeaderGate) Wrap(label string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.leader.IsLeader() {
			next(w, r)
			return
		}

		leaderID, leaderURL := g.leader.LeaderID(), ""
		if g.leaders != nil {
			if info, ok := g.leaders.Leader(r.Context()); ok {
				leaderID, leaderURL = info.NodeID, info.URL
			}
		}
		configured := g.proxy != nil && g.proxy.Configured()

		if g.proxy != nil && leaderID != g.leader.NodeID() {
			err := g.proxy.Forward(w, r, leaderURL, label)
			if err == nil {
				return
			}
			if errors.Is(err, cluster.ErrClientGone) {
				return
			}
			if errors.Is(err, cluster.ErrBodyTooLarge) {
				handler.WriteError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
				return
			}
			var pe *domain.ProxyUnavailableError
			if errors.As(err, &pe) {
				if g.leaders != nil {
					g.leaders.Invalidate()
				}
				handler.WriteNotLeader(w, leaderID, g.leader.NodeID(), r.URL.Path, pe.SuggestedWait, configured)
				return
			}
			g.logger.DebugContext(r.Context(), "server: write not proxied",
				slog.String("path", r.URL.Path),
				slog.String("reason", err.Error()),
			)
		}
		handler.WriteNotLeader(w, leaderID, g.leader.NodeID(), r.URL.Path, 0, configured)
	})
}
