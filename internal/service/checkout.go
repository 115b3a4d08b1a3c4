package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/discount"
	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/amirriazizadeh/kastomy-shop/internal/gateway"
	"github.com/amirriazizadeh/kastomy-shop/internal/inventory"
	"github.com/amirriazizadeh/kastomy-shop/internal/repository"
	"github.com/amirriazizadeh/kastomy-shop/pkg/logger"
	"github.com/amirriazizadeh/kastomy-shop/pkg/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CheckoutRequest struct {
	UserID       int64
	AddressID    int64
	DiscountCode string
	Contact      Contact
}

type CheckoutResult struct {
	Order      *domain.Order
	Payment    *domain.Payment
	Discount   *domain.AppliedDiscount
	PaymentURL string
}

// Orchestrator turns an active cart into an order and drives payment initiation.
type Orchestrator struct {
	store       repository.Store
	ledger      *inventory.Ledger
	discounts   *discount.Engine
	gateway     PaymentGateway
	callbackURL string
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

func NewOrchestrator(
	store repository.Store,
	ledger *inventory.Ledger,
	discounts *discount.Engine,
	gw PaymentGateway,
	callbackURL string,
	m *metrics.Metrics,
	l *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:       store,
		ledger:      ledger,
		discounts:   discounts,
		gateway:     gw,
		callbackURL: callbackURL,
		metrics:     m,
		logger:      l,
		now:         time.Now,
	}
}

// Checkout reserves stock and creates the order and payment in one transaction,
// then asks the gateway for an authority. A gateway error is returned together
// with a non-nil result: the order stays PENDING and can be paid later through
// StartPayment.
func (o *Orchestrator) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	log := logger.WithTrace(ctx, o.logger).With(zap.Int64("user_id", req.UserID))

	res := &CheckoutResult{}
	err := o.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return o.createOrder(ctx, tx, req, res)
	})
	if err != nil {
		o.metrics.CheckoutResult(checkoutLabel(err))
		if !isCheckoutRejection(err) {
			log.Error("checkout failed", zap.Error(err))
		}
		return nil, err
	}

	log.Info("order created",
		zap.String("order_id", res.Order.ID.String()),
		zap.String("final_price", res.Order.FinalPrice.String()))

	url, err := o.requestPayment(ctx, res.Order, res.Payment, req.Contact)
	if err != nil {
		o.metrics.CheckoutResult("gateway_error")
		log.Warn("payment request failed, order kept for retry",
			zap.String("order_id", res.Order.ID.String()),
			zap.Error(err))
		return res, err
	}
	res.PaymentURL = url
	o.metrics.CheckoutResult("success")
	return res, nil
}

func (o *Orchestrator) createOrder(ctx context.Context, tx repository.Tx, req CheckoutRequest, res *CheckoutResult) error {
	cart, err := tx.LockActiveCart(ctx, req.UserID)
	if errors.Is(err, domain.ErrCartNotFound) {
		return domain.ErrEmptyCart
	}
	if err != nil {
		return err
	}
	if !cart.Usable(o.now()) || len(cart.Items) == 0 {
		return domain.ErrEmptyCart
	}

	if _, err := tx.GetAddress(ctx, req.UserID, req.AddressID); err != nil {
		return err
	}

	lines := make([]inventory.Line, 0, len(cart.Items))
	for _, item := range cart.Items {
		lines = append(lines, inventory.Line{OfferingID: item.OfferingID, Quantity: item.Quantity})
	}
	reservations, err := o.ledger.ReserveAll(ctx, tx, lines)
	if err != nil {
		return err
	}

	order := &domain.Order{
		ID:         uuid.New(),
		CustomerID: req.UserID,
		AddressID:  req.AddressID,
		CartID:     cart.ID,
		Status:     domain.OrderStatusPending,
		Discount:   decimal.Zero,
		Items:      make([]domain.OrderItem, 0, len(reservations)),
	}
	total := decimal.Zero
	for _, r := range reservations {
		line := r.LineTotal()
		total = total.Add(line)
		order.Items = append(order.Items, domain.OrderItem{
			OfferingID: r.OfferingID,
			Quantity:   r.Quantity,
			UnitPrice:  r.UnitPrice,
			LineTotal:  line,
		})
	}
	order.TotalPrice = total
	order.FinalPrice = total

	if req.DiscountCode != "" {
		applied, err := o.discounts.Apply(ctx, tx, req.DiscountCode, req.UserID, total)
		if err != nil {
			return err
		}
		order.Discount = applied.Amount
		order.FinalPrice = applied.Final
		order.DiscountID = &applied.DiscountID
		res.Discount = applied
	}

	if err := tx.CreateOrder(ctx, order); err != nil {
		return err
	}
	if res.Discount != nil {
		if err := tx.LinkDiscountUsage(ctx, res.Discount.UsageID, order.ID); err != nil {
			return err
		}
	}

	cart.IsActive = false
	if err := tx.UpdateCart(ctx, cart); err != nil {
		return err
	}

	payment := &domain.Payment{
		OrderID:        order.ID,
		TransactionRef: uuid.NewString(),
		Amount:         order.FinalPrice,
		Status:         domain.PaymentStatusProgress,
		Gateway:        domain.GatewayZarinPal,
	}
	if err := tx.CreatePayment(ctx, payment); err != nil {
		return err
	}

	res.Order = order
	res.Payment = payment
	return nil
}

type StartPaymentResult struct {
	Order      *domain.Order
	Payment    *domain.Payment
	PaymentURL string
}

// StartPayment issues a fresh gateway request for an order that is still awaiting payment.
func (o *Orchestrator) StartPayment(ctx context.Context, userID int64, orderID uuid.UUID, contact Contact) (*StartPaymentResult, error) {
	res := &StartPaymentResult{}
	err := o.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.CustomerID != userID {
			return domain.ErrOrderNotFound
		}
		payment, err := tx.GetPaymentByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusPending || payment.Status != domain.PaymentStatusProgress {
			return domain.ErrPaymentNotStartable
		}
		res.Order = order
		res.Payment = payment
		return nil
	})
	if err != nil {
		return nil, err
	}

	url, err := o.requestPayment(ctx, res.Order, res.Payment, contact)
	if err != nil {
		logger.WithTrace(ctx, o.logger).Warn("payment restart failed",
			zap.String("order_id", orderID.String()),
			zap.Error(err))
		return res, err
	}
	res.PaymentURL = url
	return res, nil
}

// requestPayment runs outside any transaction. The authority is stored only if
// the payment is still open, so a cancelled order never gets a live authority.
func (o *Orchestrator) requestPayment(ctx context.Context, order *domain.Order, payment *domain.Payment, contact Contact) (string, error) {
	authority, err := o.gateway.Request(ctx,
		o.gateway.MinorUnits(payment.Amount),
		fmt.Sprintf("Order #%s", order.ID),
		o.callbackURL,
		gateway.Metadata{OrderID: order.ID.String(), Mobile: contact.Mobile, Email: contact.Email},
	)
	if err != nil {
		return "", err
	}

	err = o.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.LockPaymentByOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if p.Status != domain.PaymentStatusProgress {
			return domain.ErrPaymentNotStartable
		}
		p.Authority = &authority
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		*payment = *p
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store authority: %w", err)
	}
	return o.gateway.StartPayURL(authority), nil
}

func isCheckoutRejection(err error) bool {
	for _, target := range []error{
		domain.ErrEmptyCart,
		domain.ErrAddressNotFound,
		domain.ErrInsufficientStock,
		domain.ErrDiscountNotFound,
		domain.ErrDiscountExpired,
		domain.ErrDiscountAlreadyUsed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func checkoutLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, domain.ErrAddressNotFound):
		return "address_not_found"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrDiscountNotFound), errors.Is(err, domain.ErrDiscountExpired),
		errors.Is(err, domain.ErrDiscountAlreadyUsed):
		return "discount_rejected"
	default:
		return "error"
	}
}
