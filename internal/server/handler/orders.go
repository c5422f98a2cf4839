package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/matchcore/internal/domain"
	"github.com/alanyoungcy/matchcore/internal/matching"
)

// OrderEngine is the write side of the matching engine.
type OrderEngine interface {
	Submit(ctx context.Context, req matching.OrderRequest) (*domain.SubmitResult, error)
	Cancel(ctx context.Context, req matching.CancelRequest) (*domain.CancelResult, error)
}

// OrderHandler serves order submission and cancellation.
type OrderHandler struct {
	engine OrderEngine
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(engine OrderEngine, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{engine: engine, logger: logger}
}

// Place submits a signed order.
// POST /api/orders
func (h *OrderHandler) Place(w http.ResponseWriter, r *http.Request) {
	var req matching.OrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	res, err := h.engine.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusCreated, res)
}

// Cancel cancels an order by maker and salt.
// POST /api/orders/cancel
func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req matching.CancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	res, err := h.engine.Cancel(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if !res.Canceled {
		writeError(w, http.StatusNotFound, "not_found", "order not open")
		return
	}
	writeData(w, http.StatusOK, res)
}
