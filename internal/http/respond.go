package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
	// OrderID is set when the order was created but a later step failed.
	OrderID string `json:"orderId,omitempty"`
	// OfferingID names the offering that ran out of stock.
	OfferingID int64 `json:"offeringId,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func respondJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		http.Error(w, `{"error":"internal server error","code":"internal_error"}`, http.StatusInternalServerError)
		return
	}
	writeBody(w, status, body)
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("\n"))
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// decodeJSON decodes the body into dst and runs struct validation.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return false
		}
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "request validation failed",
			Code:    "validation_failed",
			Details: validationDetails(err),
		})
		return false
	}
	return true
}

func validationDetails(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{domain.ErrEmptyCart, http.StatusBadRequest, "empty_cart"},
	{domain.ErrInsufficientStock, http.StatusBadRequest, "insufficient_stock"},
	{domain.ErrAddressNotFound, http.StatusBadRequest, "address_not_found"},
	{domain.ErrDiscountNotFound, http.StatusBadRequest, "discount_not_found"},
	{domain.ErrDiscountExpired, http.StatusBadRequest, "discount_expired"},
	{domain.ErrDiscountAlreadyUsed, http.StatusBadRequest, "discount_already_used"},
	{domain.ErrInvalidQuantity, http.StatusBadRequest, "invalid_quantity"},
	{domain.ErrOfferingNotFound, http.StatusNotFound, "offering_not_found"},
	{domain.ErrCartNotFound, http.StatusNotFound, "cart_not_found"},
	{domain.ErrCartItemNotFound, http.StatusNotFound, "cart_item_not_found"},
	{domain.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
	{domain.ErrPaymentNotFound, http.StatusNotFound, "payment_not_found"},
	{domain.ErrOrderNotCancellable, http.StatusConflict, "order_not_cancellable"},
	{domain.ErrPaymentNotStartable, http.StatusConflict, "payment_not_startable"},
	{domain.ErrGatewayRejected, http.StatusBadGateway, "gateway_rejected"},
	{domain.ErrGatewayUnavailable, http.StatusServiceUnavailable, "gateway_unavailable"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

// errorResponse maps a service error to an HTTP status and body.
func errorResponse(err error) (int, ErrorResponse) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			body := ErrorResponse{Error: m.target.Error(), Code: m.code, Details: details(err, m.target)}
			var stock *domain.InsufficientStockError
			if errors.As(err, &stock) {
				body.OfferingID = stock.OfferingID
			}
			return m.status, body
		}
	}
	var illegal *domain.IllegalTransitionError
	if errors.As(err, &illegal) {
		return http.StatusConflict, ErrorResponse{Error: illegal.Error(), Code: "illegal_transition"}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: "internal_error"}
}

func details(err, target error) string {
	var stock *domain.InsufficientStockError
	if errors.As(err, &stock) {
		return stock.Error()
	}
	var rejected *domain.GatewayRejectedError
	if errors.As(err, &rejected) {
		return rejected.Error()
	}
	if err.Error() != target.Error() {
		return err.Error()
	}
	return ""
}

func respondServiceError(w http.ResponseWriter, l *zap.Logger, err error) {
	status, body := errorResponse(err)
	if status == http.StatusInternalServerError {
		l.Error("request failed", zap.Error(err))
		body.Details = ""
	}
	respondJSON(w, status, body)
}
