package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Submission("accepted", time.Millisecond)
		m.Leader(true, true)
		m.ProxyRequest("/api/orders", "ok")
		m.HTTPRequest(http.MethodGet, 200)
	})
}

func TestLeaderTransitions(t *testing.T) {
	m := New()
	m.Leader(true, true)
	m.Leader(true, false)
	m.Leader(false, true)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.isLeader))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.leaderTransitions.WithLabelValues("leader")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.leaderTransitions.WithLabelValues("follower")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Submission("accepted", 2*time.Millisecond)
	m.Matches(3)
	m.HTTPRequest(http.MethodPost, 503)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `matchcore_order_submissions_total{outcome="accepted"} 1`))
	assert.True(t, strings.Contains(body, "matchcore_matches_total 3"))
	assert.True(t, strings.Contains(body, `matchcore_http_requests_total{code="5xx",method="POST"} 1`))
}
