package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

// maxBodyBytes caps decoded request bodies.
const maxBodyBytes = 1 << 20

// envelope is the JSON shape of every API response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	// Retryable and SuggestedWaitMs are set on coordination failures.
	Retryable       bool  `json:"retryable,omitempty"`
	SuggestedWaitMs int64 `json:"suggestedWaitMs,omitempty"`
}

// writeJSON marshals v with the given status, falling back to a bare 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"success":false,"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, envelope{Error: code, Message: msg})
}

// WriteError sends the standard error envelope.
func WriteError(w http.ResponseWriter, status int, code, msg string) {
	writeError(w, status, code, msg)
}

// decodeJSON reads a single JSON object from the body, rejecting unknown
// fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidOrder, err)
	}
	return nil
}

// errorStatus maps a domain error to its HTTP status and a stable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidOrder), errors.Is(err, domain.ErrOrderExpired):
		return http.StatusBadRequest, "invalid_order"
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, domain.ErrInsufficientInventory):
		return http.StatusPaymentRequired, "insufficient_inventory"
	case errors.Is(err, domain.ErrNotApproved):
		return http.StatusPaymentRequired, "not_approved"
	case errors.Is(err, domain.ErrExposureLimit):
		return http.StatusPaymentRequired, "exposure_limit"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, "duplicate_order"
	case errors.Is(err, domain.ErrLockContention):
		return http.StatusConflict, "lock_contention"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrNotLeader):
		return http.StatusServiceUnavailable, "not_leader"
	case errors.Is(err, domain.ErrProxyUnavailable):
		return http.StatusServiceUnavailable, "proxy_unavailable"
	case errors.Is(err, domain.ErrDurability):
		return http.StatusInternalServerError, "durability"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeDomainError renders err. Server-side failures are logged and their
// detail is withheld from the client.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var nl *domain.NotLeaderError
	if errors.As(err, &nl) {
		WriteNotLeader(w, nl.LeaderID, nl.NodeID, r.URL.Path, 0, false)
		return
	}
	status, code := errorStatus(err)
	body := envelope{Error: code, Message: err.Error()}
	if domain.Retryable(err) {
		body.Retryable = true
		body.SuggestedWaitMs = 1000
		var pe *domain.ProxyUnavailableError
		if errors.As(err, &pe) && pe.SuggestedWait > 0 {
			body.SuggestedWaitMs = max(pe.SuggestedWait.Milliseconds(), 1)
		}
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logger.ErrorContext(r.Context(), "handler: request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

// NotLeader is the 503 body sent when a follower cannot serve or forward a
// write.
type NotLeader struct {
	Success            bool   `json:"success"`
	Message            string `json:"message"`
	LeaderID           any    `json:"leaderId"`
	NodeID             any    `json:"nodeId"`
	Path               string `json:"path"`
	Retryable          bool   `json:"retryable"`
	SuggestedWaitMs    int64  `json:"suggestedWaitMs"`
	ProxyURLConfigured bool   `json:"proxyUrlConfigured"`
}

// WriteNotLeader sends the not-leader response. Empty ids render as null.
func WriteNotLeader(w http.ResponseWriter, leaderID, nodeID, path string, wait time.Duration, proxyConfigured bool) {
	if wait <= 0 {
		wait = time.Second
	}
	w.Header().Set("Retry-After", strconv.Itoa(max(int(wait.Seconds()), 1)))
	writeJSON(w, http.StatusServiceUnavailable, NotLeader{
		Message:            "Not leader",
		LeaderID:           nullable(leaderID),
		NodeID:             nullable(nodeID),
		Path:               path,
		Retryable:          true,
		SuggestedWaitMs:    wait.Milliseconds(),
		ProxyURLConfigured: proxyConfigured,
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// bookKeyParam reads the {market} and {outcome} path values.
func bookKeyParam(r *http.Request) (domain.BookKey, error) {
	market := r.PathValue("market")
	outcome, err := strconv.Atoi(r.PathValue("outcome"))
	if market == "" || err != nil || outcome < 0 {
		return domain.BookKey{}, fmt.Errorf("%w: bad market or outcome", domain.ErrInvalidOrder)
	}
	return domain.BookKey{MarketKey: market, OutcomeIndex: outcome}, nil
}

// intQuery reads a positive integer query parameter, clamped to max.
func intQuery(r *http.Request, name string, def, limit int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return min(v, limit)
}
