package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/amirriazizadeh/kastomy-shop/internal/inventory"
	"github.com/amirriazizadeh/kastomy-shop/internal/repository"
	"github.com/amirriazizadeh/kastomy-shop/pkg/logger"
	"github.com/amirriazizadeh/kastomy-shop/pkg/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ProviderStatusOK is the Status query value the gateway sends for a completed payment.
const ProviderStatusOK = "OK"

type SettlementResult struct {
	OrderID       uuid.UUID
	OrderStatus   domain.OrderStatus
	PaymentStatus domain.PaymentStatus
	RefID         string
	// Repeated is true when the payment was already terminal and nothing changed.
	Repeated bool
}

func (r *SettlementResult) Succeeded() bool {
	return r.PaymentStatus == domain.PaymentStatusDone
}

type PaymentSucceededEvent struct {
	OrderID   string          `json:"order_id"`
	PaymentID int64           `json:"payment_id"`
	UserID    int64           `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	RefID     string          `json:"ref_id,omitempty"`
	SettledAt time.Time       `json:"settled_at"`
}

// Reconciler applies gateway callbacks to payment, order, stock and cart state.
type Reconciler struct {
	store   repository.Store
	ledger  *inventory.Ledger
	gateway PaymentGateway
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	settleTimeout time.Duration
}

// DefaultSettleTimeout bounds one settlement once it has started. It is not tied
// to any single caller since other callbacks for the same authority share it.
const DefaultSettleTimeout = 30 * time.Second

func NewReconciler(store repository.Store, ledger *inventory.Ledger, gw PaymentGateway, m *metrics.Metrics, l *zap.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		ledger:  ledger,
		gateway: gw,
		metrics: m,
		logger:  l,
		now:     time.Now,

		settleTimeout: DefaultSettleTimeout,
	}
}

// HandleCallback settles the payment identified by authority. Repeated calls
// return the stored outcome without side effects. A gateway error means
// nothing was written and the callback may be retried.
func (r *Reconciler) HandleCallback(ctx context.Context, authority, providerStatus string) (*SettlementResult, error) {
	authority = strings.TrimSpace(authority)
	if authority == "" {
		r.metrics.SettlementOutcome("not_found")
		return nil, domain.ErrPaymentNotFound
	}

	// The shared settlement outlives the caller that started it, so one client
	// disconnecting cannot fail the others waiting on the same key.
	ch := r.group.DoChan(authority+"|"+providerStatus, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.settleTimeout)
		defer cancel()
		return r.settle(sctx, authority, providerStatus)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		res := *out.Val.(*SettlementResult)
		return &res, nil
	}
}

func (r *Reconciler) settle(ctx context.Context, authority, providerStatus string) (*SettlementResult, error) {
	log := logger.WithTrace(ctx, r.logger).With(
		zap.String("authority", authority),
		zap.String("provider_status", providerStatus))

	var payment *domain.Payment
	err := r.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		payment, err = tx.GetPaymentByAuthority(ctx, authority)
		return err
	})
	if err != nil {
		r.metrics.SettlementOutcome(outcomeLabel(err))
		return nil, err
	}

	paid := false
	var refID string
	if !payment.Status.IsTerminal() && providerStatus == ProviderStatusOK {
		outcome, err := r.gateway.Verify(ctx, authority, r.gateway.MinorUnits(payment.Amount))
		if err != nil {
			r.metrics.SettlementOutcome("transient")
			log.Warn("verify failed, payment left open", zap.Error(err))
			return nil, err
		}
		paid = outcome.Paid()
		refID = outcome.RefID
		if !paid {
			log.Info("gateway rejected verification", zap.Int("code", outcome.Code))
		}
	}

	var (
		res     *SettlementResult
		dropped []inventory.Line
	)
	err = r.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.LockPaymentByAuthority(ctx, authority)
		if err != nil {
			return err
		}
		order, err := tx.LockOrder(ctx, p.OrderID)
		if err != nil {
			return err
		}

		if p.Status.IsTerminal() {
			res = resultOf(order, p, true)
			return nil
		}

		if paid {
			err = r.applySuccess(ctx, tx, p, order, refID)
		} else {
			dropped, err = r.applyFailure(ctx, tx, p, order)
		}
		if err != nil {
			return err
		}
		res = resultOf(order, p, false)
		return nil
	})
	if err != nil {
		r.metrics.SettlementOutcome(outcomeLabel(err))
		log.Error("settlement transaction failed", zap.Error(err))
		return nil, err
	}

	logDroppedStock(log, r.metrics, "payment_failed", dropped)
	switch {
	case res.Repeated:
		r.metrics.SettlementOutcome("repeated")
		log.Info("callback for settled payment ignored", zap.String("payment_status", res.PaymentStatus.String()))
	case res.Succeeded():
		r.metrics.SettlementOutcome("done")
		log.Info("payment settled", zap.String("order_id", res.OrderID.String()), zap.String("ref_id", res.RefID))
	default:
		r.metrics.SettlementOutcome("failed")
		log.Info("payment failed", zap.String("order_id", res.OrderID.String()))
	}
	return res, nil
}

func (r *Reconciler) applySuccess(ctx context.Context, tx repository.Tx, p *domain.Payment, order *domain.Order, refID string) error {
	if err := p.Settle(domain.PaymentStatusDone); err != nil {
		return err
	}
	if refID != "" {
		p.RefID = &refID
	}
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return err
	}

	if err := order.Transition(domain.OrderStatusProcessing); err != nil {
		return err
	}
	if err := tx.UpdateOrderStatus(ctx, order.ID, order.Status); err != nil {
		return err
	}

	if _, err := tx.ClearCartItems(ctx, order.CartID); err != nil {
		return err
	}

	payload, err := json.Marshal(PaymentSucceededEvent{
		OrderID:   order.ID.String(),
		PaymentID: p.ID,
		UserID:    order.CustomerID,
		Amount:    p.Amount,
		RefID:     refID,
		SettledAt: r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal payment event: %w", err)
	}
	return tx.InsertOutboxEvent(ctx, &domain.OutboxEvent{
		EventID:     uuid.New(),
		AggregateID: order.ID.String(),
		EventType:   domain.EventPaymentSucceeded,
		Payload:     payload,
	})
}

func (r *Reconciler) applyFailure(ctx context.Context, tx repository.Tx, p *domain.Payment, order *domain.Order) ([]inventory.Line, error) {
	dropped, err := r.ledger.ReleaseOrder(ctx, tx, order)
	if err != nil {
		return nil, err
	}
	if err := order.Transition(domain.OrderStatusFailed); err != nil {
		return nil, err
	}
	if err := tx.UpdateOrderStatus(ctx, order.ID, order.Status); err != nil {
		return nil, err
	}

	if err := p.Settle(domain.PaymentStatusFailed); err != nil {
		return nil, err
	}
	return dropped, tx.UpdatePayment(ctx, p)
}

// logDroppedStock records units that could not be returned because their
// offering was deleted while the order held them.
func logDroppedStock(log *zap.Logger, m *metrics.Metrics, reason string, dropped []inventory.Line) {
	if len(dropped) == 0 {
		return
	}
	ids := make([]int64, 0, len(dropped))
	for _, line := range dropped {
		ids = append(ids, line.OfferingID)
	}
	units := inventory.Units(dropped)
	m.DroppedStock(reason, units)
	log.Warn("released stock dropped for deleted offerings",
		zap.Int64s("offering_ids", ids),
		zap.Int("units", units))
}

func resultOf(order *domain.Order, p *domain.Payment, repeated bool) *SettlementResult {
	res := &SettlementResult{
		OrderID:       order.ID,
		OrderStatus:   order.Status,
		PaymentStatus: p.Status,
		Repeated:      repeated,
	}
	if p.RefID != nil {
		res.RefID = *p.RefID
	}
	return res
}

func outcomeLabel(err error) string {
	if errors.Is(err, domain.ErrPaymentNotFound) {
		return "not_found"
	}
	return "error"
}
