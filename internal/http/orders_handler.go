package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/amirriazizadeh/kastomy-shop/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type OrderService interface {
	GetOrder(ctx context.Context, userID int64, orderID uuid.UUID) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error)
	CancelOrder(ctx context.Context, userID int64, orderID uuid.UUID) (*domain.Order, error)
	MarkDelivered(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
}

type OrdersHandler struct {
	orders  OrderService
	timeout time.Duration
	logger  *zap.Logger
}

func NewOrdersHandler(orders OrderService, timeout time.Duration, l *zap.Logger) *OrdersHandler {
	return &OrdersHandler{orders: orders, timeout: timeout, logger: l}
}

// GET /orders?status=&page=&page_size=
func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	filter := domain.OrderFilter{CustomerID: id.UserID, Page: 1}
	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		status := domain.OrderStatus(s)
		if !status.Valid() {
			respondError(w, http.StatusBadRequest, "invalid_status", "unknown order status "+s)
			return
		}
		filter.Status = &status
	}
	for param, dst := range map[string]*int{"page": &filter.Page, "page_size": &filter.PageSize} {
		v := q.Get(param)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_"+param, param+" must be a positive integer")
			return
		}
		*dst = n
	}

	orders, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		respondServiceError(w, logger.WithTrace(ctx, h.logger), err)
		return
	}

	dtos := make([]OrderDTO, 0, len(orders))
	for _, o := range orders {
		dtos = append(dtos, toOrderDTO(o))
	}
	respondJSON(w, http.StatusOK, dtos)
}

// GET /orders/{orderId}
func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	h.withOrder(w, r, func(ctx context.Context, userID int64, orderID uuid.UUID) (*domain.Order, error) {
		return h.orders.GetOrder(ctx, userID, orderID)
	})
}

// DELETE /orders/{orderId}
func (h *OrdersHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.withOrder(w, r, func(ctx context.Context, userID int64, orderID uuid.UUID) (*domain.Order, error) {
		return h.orders.CancelOrder(ctx, userID, orderID)
	})
}

// POST /internal/orders/{orderId}/deliver
func (h *OrdersHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	orderID, err := uuid.Parse(chi.URLParam(r, "orderId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order_id", "orderId must be a UUID")
		return
	}

	order, err := h.orders.MarkDelivered(ctx, orderID)
	if err != nil {
		respondServiceError(w, logger.WithTrace(ctx, h.logger), err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderDTO(order))
}

func (h *OrdersHandler) withOrder(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, userID int64, orderID uuid.UUID) (*domain.Order, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "orderId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order_id", "orderId must be a UUID")
		return
	}

	order, err := fn(ctx, id.UserID, orderID)
	if err != nil {
		respondServiceError(w, logger.WithTrace(ctx, h.logger), err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderDTO(order))
}
