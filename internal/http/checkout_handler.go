package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/cache"
	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/amirriazizadeh/kastomy-shop/internal/service"
	"github.com/amirriazizadeh/kastomy-shop/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

type Checkouter interface {
	Checkout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
	StartPayment(ctx context.Context, userID int64, orderID uuid.UUID, contact service.Contact) (*service.StartPaymentResult, error)
}

// IdempotencyStore is implemented by cache.IdempotencyStore.
type IdempotencyStore interface {
	Claim(ctx context.Context, userID int64, key string) (*cache.StoredResponse, error)
	Complete(ctx context.Context, userID int64, key string, resp cache.StoredResponse) error
	Release(ctx context.Context, userID int64, key string) error
}

type CheckoutHandler struct {
	orders  Checkouter
	idem    IdempotencyStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewCheckoutHandler accepts a nil idem store, in which case Idempotency-Key is ignored.
func NewCheckoutHandler(orders Checkouter, idem IdempotencyStore, timeout time.Duration, l *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{orders: orders, idem: idem, timeout: timeout, logger: l}
}

type CheckoutRequestDTO struct {
	AddressID    int64  `json:"addressId" validate:"required,gt=0"`
	DiscountCode string `json:"discountCode,omitempty" validate:"omitempty,max=64"`
}

type CheckoutResponseDTO struct {
	Order      OrderDTO          `json:"order"`
	PaymentURL string            `json:"paymentUrl"`
	Discount   *DiscountQuoteDTO `json:"discount,omitempty"`
}

type StartPaymentResponseDTO struct {
	OrderID    string `json:"orderId"`
	PaymentURL string `json:"paymentUrl"`
}

// POST /orders/checkout
func (h *CheckoutHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}
	log := logger.WithTrace(ctx, h.logger).With(zap.Int64("user_id", id.UserID))

	var req CheckoutRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	claimed := false
	if key != "" && h.idem != nil {
		stored, err := h.idem.Claim(ctx, id.UserID, key)
		switch {
		case errors.Is(err, cache.ErrCacheMiss):
			claimed = true
		case errors.Is(err, cache.ErrInProgress):
			respondError(w, http.StatusConflict, "request_in_progress", "a request with this idempotency key is in progress")
			return
		case err != nil:
			log.Warn("idempotency store unavailable, processing without key", zap.Error(err))
		default:
			w.Header().Set(HeaderReplayed, "true")
			writeBody(w, stored.StatusCode, stored.Body)
			return
		}
	}

	res, err := h.orders.Checkout(ctx, service.CheckoutRequest{
		UserID:       id.UserID,
		AddressID:    req.AddressID,
		DiscountCode: req.DiscountCode,
		Contact:      service.Contact{Mobile: id.Mobile, Email: id.Email},
	})

	var status int
	var body any
	switch {
	case err == nil:
		status = http.StatusCreated
		dto := CheckoutResponseDTO{Order: toOrderDTO(res.Order), PaymentURL: res.PaymentURL}
		if res.Discount != nil {
			q := toDiscountQuoteDTO(res.Discount)
			dto.Discount = &q
		}
		body = dto
	case res != nil && res.Order != nil:
		// order and reservation are committed; the client retries via /payments/{orderId}/start
		var resp ErrorResponse
		status, resp = errorResponse(err)
		resp.OrderID = res.Order.ID.String()
		body = resp
	default:
		var resp ErrorResponse
		status, resp = errorResponse(err)
		if status == http.StatusInternalServerError {
			log.Error("checkout failed", zap.Error(err))
			resp.Details = ""
		}
		body = resp
	}

	encoded, mErr := json.Marshal(body)
	if mErr != nil {
		log.Error("failed to encode checkout response", zap.Error(mErr))
		status, encoded = http.StatusInternalServerError, []byte(`{"error":"internal server error","code":"internal_error"}`)
	}

	if claimed {
		h.settleKey(id.UserID, key, status, encoded, res != nil && res.Order != nil, log)
	}
	writeBody(w, status, encoded)
}

// settleKey stores the response when the request left durable state behind
// or was rejected deterministically; otherwise the key is released for retry.
func (h *CheckoutHandler) settleKey(userID int64, key string, status int, body []byte, committed bool, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if committed || status < http.StatusInternalServerError {
		if err := h.idem.Complete(ctx, userID, key, cache.StoredResponse{StatusCode: status, Body: body}); err != nil {
			log.Warn("failed to store idempotent response", zap.Error(err))
		}
		return
	}
	if err := h.idem.Release(ctx, userID, key); err != nil {
		log.Warn("failed to release idempotency key", zap.Error(err))
	}
}

// POST /payments/{orderId}/start
func (h *CheckoutHandler) StartPayment(w http.ResponseWriter, r *http.Request) {
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

	res, err := h.orders.StartPayment(ctx, id.UserID, orderID, service.Contact{Mobile: id.Mobile, Email: id.Email})
	if err != nil {
		status, body := errorResponse(err)
		if status == http.StatusInternalServerError {
			logger.WithTrace(ctx, h.logger).Error("start payment failed", zap.Error(err))
			body.Details = ""
		}
		if errors.Is(err, domain.ErrGatewayUnavailable) || errors.Is(err, domain.ErrGatewayRejected) {
			body.OrderID = orderID.String()
		}
		respondJSON(w, status, body)
		return
	}

	respondJSON(w, http.StatusOK, StartPaymentResponseDTO{OrderID: orderID.String(), PaymentURL: res.PaymentURL})
}
