package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/amirriazizadeh/kastomy-shop/pkg/logger"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type CartService interface {
	GetCart(ctx context.Context, userID int64) (*domain.Cart, error)
	AddItem(ctx context.Context, userID, offeringID int64, qty int) (*domain.Cart, error)
	UpdateItem(ctx context.Context, userID, offeringID int64, qty int) (*domain.Cart, error)
	RemoveItem(ctx context.Context, userID, offeringID int64) (*domain.Cart, error)
	QuoteDiscount(ctx context.Context, userID int64, code string) (*domain.AppliedDiscount, error)
}

type CartHandler struct {
	carts   CartService
	timeout time.Duration
	logger  *zap.Logger
}

func NewCartHandler(carts CartService, timeout time.Duration, l *zap.Logger) *CartHandler {
	return &CartHandler{carts: carts, timeout: timeout, logger: l}
}

type AddItemRequestDTO struct {
	OfferingID int64 `json:"offeringId" validate:"required,gt=0"`
	Quantity   int   `json:"quantity" validate:"required,gt=0"`
}

type UpdateQuantityRequestDTO struct {
	Quantity int `json:"quantity" validate:"required,gt=0"`
}

type DiscountQuoteRequestDTO struct {
	Code string `json:"code" validate:"required,max=64"`
}

// GET /cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, http.StatusOK, func(ctx context.Context, userID int64) (*domain.Cart, error) {
		return h.carts.GetCart(ctx, userID)
	})
}

// POST /cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	h.serve(w, r, http.StatusCreated, func(ctx context.Context, userID int64) (*domain.Cart, error) {
		return h.carts.AddItem(ctx, userID, req.OfferingID, req.Quantity)
	})
}

// PATCH /cart/items/{offeringId}
func (h *CartHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	offeringID, ok := offeringParam(w, r)
	if !ok {
		return
	}
	var req UpdateQuantityRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	h.serve(w, r, http.StatusOK, func(ctx context.Context, userID int64) (*domain.Cart, error) {
		return h.carts.UpdateItem(ctx, userID, offeringID, req.Quantity)
	})
}

// DELETE /cart/items/{offeringId}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	offeringID, ok := offeringParam(w, r)
	if !ok {
		return
	}
	h.serve(w, r, http.StatusOK, func(ctx context.Context, userID int64) (*domain.Cart, error) {
		return h.carts.RemoveItem(ctx, userID, offeringID)
	})
}

// POST /cart/discount
func (h *CartHandler) QuoteDiscount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}
	var req DiscountQuoteRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}

	quote, err := h.carts.QuoteDiscount(ctx, id.UserID, req.Code)
	if err != nil {
		respondServiceError(w, logger.WithTrace(ctx, h.logger), err)
		return
	}
	respondJSON(w, http.StatusOK, toDiscountQuoteDTO(quote))
}

func (h *CartHandler) serve(w http.ResponseWriter, r *http.Request, status int,
	fn func(ctx context.Context, userID int64) (*domain.Cart, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	cart, err := fn(ctx, id.UserID)
	if err != nil {
		respondServiceError(w, logger.WithTrace(ctx, h.logger), err)
		return
	}
	respondJSON(w, status, toCartDTO(cart))
}

func offeringParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "offeringId"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_offering_id", "offeringId must be a positive integer")
		return 0, false
	}
	return id, true
}
