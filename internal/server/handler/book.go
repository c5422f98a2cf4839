package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

// BookReader is the read side of the matching engine.
type BookReader interface {
	Depth(key domain.BookKey, levels int) domain.BookDepth
	Stats(key domain.BookKey) domain.BookStats
}

// TradeLister reads recent matches of a book.
type TradeLister interface {
	ListByBook(ctx context.Context, key domain.BookKey, limit int) ([]*domain.Match, error)
}

// BookHandler serves book depth, stats and trades. These reads are served
// locally on every node.
type BookHandler struct {
	books  BookReader
	trades TradeLister
	logger *slog.Logger
}

// NewBookHandler creates a BookHandler. trades may be nil.
func NewBookHandler(books BookReader, trades TradeLister, logger *slog.Logger) *BookHandler {
	return &BookHandler{books: books, trades: trades, logger: logger}
}

// Depth returns aggregated price levels.
// GET /api/orderbook/{market}/{outcome}/depth?levels=20
func (h *BookHandler) Depth(w http.ResponseWriter, r *http.Request) {
	key, err := bookKeyParam(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, h.books.Depth(key, intQuery(r, "levels", 20, 500)))
}

// Stats returns top of book and volume.
// GET /api/orderbook/{market}/{outcome}/stats
func (h *BookHandler) Stats(w http.ResponseWriter, r *http.Request) {
	key, err := bookKeyParam(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, h.books.Stats(key))
}

// Trades returns the most recent matches, newest first.
// GET /api/orderbook/{market}/{outcome}/trades?limit=50
func (h *BookHandler) Trades(w http.ResponseWriter, r *http.Request) {
	key, err := bookKeyParam(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if h.trades == nil {
		writeData(w, http.StatusOK, []*domain.Match{})
		return
	}
	trades, err := h.trades.ListByBook(r.Context(), key, intQuery(r, "limit", 50, 500))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if trades == nil {
		trades = []*domain.Match{}
	}
	writeData(w, http.StatusOK, trades)
}
