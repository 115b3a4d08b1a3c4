package http

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/amirriazizadeh/kastomy-shop/internal/service"
	"github.com/amirriazizadeh/kastomy-shop/pkg/logger"
	"go.uber.org/zap"
)

const (
	msgPaid           = "Payment successful. Verification complete."
	msgVerifyFailed   = "Payment failed during verification."
	msgCancelled      = "Payment cancelled or failed."
	msgNotFound       = "Payment not found."
	msgPending        = "Payment verification is pending. Please check your orders shortly."
	resultPageTimeout = 20 * time.Second
)

var resultPage = template.Must(template.New("result").Parse(
	`<html><head><meta http-equiv="refresh" content="{{.Delay}};url={{.URL}}" /></head>` +
		`<body><h2>{{.Message}}</h2></body></html>`))

type Settler interface {
	HandleCallback(ctx context.Context, authority, providerStatus string) (*service.SettlementResult, error)
}

type PaymentLister interface {
	ListPayments(ctx context.Context, userID int64) ([]*domain.Payment, error)
}

type ResultPageConfig struct {
	FrontendURL string
	Delay       int
}

type PaymentsHandler struct {
	settler  Settler
	payments PaymentLister
	page     ResultPageConfig
	timeout  time.Duration
	logger   *zap.Logger
}

func NewPaymentsHandler(settler Settler, payments PaymentLister, page ResultPageConfig, timeout time.Duration, l *zap.Logger) *PaymentsHandler {
	if page.Delay <= 0 {
		page.Delay = 5
	}
	return &PaymentsHandler{settler: settler, payments: payments, page: page, timeout: timeout, logger: l}
}

// GET /payments/verify?Authority=&Status=
// The gateway redirects the buyer's browser here, so every outcome renders a
// result page with status 200 that forwards to the frontend.
func (h *PaymentsHandler) Verify(w http.ResponseWriter, r *http.Request) {
	timeout := h.timeout
	if timeout <= 0 || timeout > resultPageTimeout {
		timeout = resultPageTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	authority := strings.TrimSpace(r.URL.Query().Get("Authority"))
	status := strings.TrimSpace(r.URL.Query().Get("Status"))

	res, err := h.settler.HandleCallback(ctx, authority, status)
	h.renderResult(w, resultMessage(res, err, status))

	if err != nil && !errors.Is(err, domain.ErrPaymentNotFound) {
		logger.WithTrace(ctx, h.logger).Warn("payment callback not settled",
			zap.String("authority", authority),
			zap.Error(err))
	}
}

func resultMessage(res *service.SettlementResult, err error, providerStatus string) string {
	switch {
	case errors.Is(err, domain.ErrPaymentNotFound):
		return msgNotFound
	case err != nil:
		return msgPending
	case res.Succeeded():
		return msgPaid
	case !res.Repeated && providerStatus == service.ProviderStatusOK:
		return msgVerifyFailed
	default:
		return msgCancelled
	}
}

func (h *PaymentsHandler) renderResult(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	err := resultPage.Execute(w, struct {
		Delay   int
		URL     string
		Message string
	}{h.page.Delay, h.page.FrontendURL, message})
	if err != nil {
		h.logger.Error("failed to render payment result page", zap.Error(err))
	}
}

// GET /payments
func (h *PaymentsHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	payments, err := h.payments.ListPayments(ctx, id.UserID)
	if err != nil {
		respondServiceError(w, logger.WithTrace(ctx, h.logger), err)
		return
	}

	dtos := make([]PaymentDTO, 0, len(payments))
	for _, p := range payments {
		dtos = append(dtos, toPaymentDTO(p))
	}
	respondJSON(w, http.StatusOK, dtos)
}
