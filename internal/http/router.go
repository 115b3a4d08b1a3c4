package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type RouterConfig struct {
	RequestTimeout time.Duration
	MaxRequestBody int64
	// AdminToken enables the /internal routes when non-empty.
	AdminToken string
}

type Handlers struct {
	Checkout *CheckoutHandler
	Payments *PaymentsHandler
	Orders   *OrdersHandler
	Cart     *CartHandler
}

// Readiness reports whether the process can serve traffic.
type Readiness interface {
	Healthy() bool
}

func NewRouter(cfg RouterConfig, h Handlers, ready Readiness, m *metrics.Metrics, gatherer prometheus.Gatherer, l *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(l, m))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(MaxBodyMiddleware(cfg.MaxRequestBody))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, body := http.StatusOK, "ok"
		if ready != nil && !ready.Healthy() {
			status, body = http.StatusServiceUnavailable, "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": body})
	})
	if gatherer != nil {
		r.Handle("/metrics", metrics.Handler(gatherer))
	}

	// gateway redirect target, unauthenticated
	r.Get("/payments/verify", h.Payments.Verify)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware)

		r.Route("/orders", func(r chi.Router) {
			r.Post("/checkout", h.Checkout.Checkout)
			r.Get("/", h.Orders.ListOrders)
			r.Get("/{orderId}", h.Orders.GetOrder)
			r.Delete("/{orderId}", h.Orders.CancelOrder)
		})
		r.Route("/payments", func(r chi.Router) {
			r.Get("/", h.Payments.ListPayments)
			r.Post("/{orderId}/start", h.Checkout.StartPayment)
		})
		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.Cart.GetCart)
			r.Post("/items", h.Cart.AddItem)
			r.Patch("/items/{offeringId}", h.Cart.UpdateItem)
			r.Delete("/items/{offeringId}", h.Cart.RemoveItem)
			r.Post("/discount", h.Cart.QuoteDiscount)
		})
	})

	if cfg.AdminToken != "" {
		r.Route("/internal", func(r chi.Router) {
			r.Use(AdminTokenMiddleware(cfg.AdminToken))
			r.Post("/orders/{orderId}/deliver", h.Orders.MarkDelivered)
		})
	}

	return otelhttp.NewHandler(r, "http.server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}
