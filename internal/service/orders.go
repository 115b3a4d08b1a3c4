package service

import (
	"context"
	"errors"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/amirriazizadeh/kastomy-shop/internal/inventory"
	"github.com/amirriazizadeh/kastomy-shop/internal/repository"
	"github.com/amirriazizadeh/kastomy-shop/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 5
	MaxPageSize     = 100
)

func (o *Orchestrator) GetOrder(ctx context.Context, userID int64, orderID uuid.UUID) (*domain.Order, error) {
	var order *domain.Order
	err := o.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		order, err = tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.CustomerID != userID {
			return domain.ErrOrderNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (o *Orchestrator) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error) {
	if filter.PageSize <= 0 {
		filter.PageSize = DefaultPageSize
	}
	if filter.PageSize > MaxPageSize {
		filter.PageSize = MaxPageSize
	}

	var orders []*domain.Order
	err := o.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		orders, err = tx.ListOrders(ctx, filter)
		return err
	})
	return orders, err
}

func (o *Orchestrator) ListPayments(ctx context.Context, userID int64) ([]*domain.Payment, error) {
	var payments []*domain.Payment
	err := o.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		payments, err = tx.ListPaymentsByUser(ctx, userID)
		return err
	})
	return payments, err
}

// CancelOrder lets the owner cancel a PENDING order. Reserved stock goes back
// and the open payment is failed so a late callback cannot revive the order.
func (o *Orchestrator) CancelOrder(ctx context.Context, userID int64, orderID uuid.UUID) (*domain.Order, error) {
	var (
		order   *domain.Order
		dropped []inventory.Line
	)
	err := o.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		payment, err := tx.LockPaymentByOrder(ctx, orderID)
		if err != nil && !errors.Is(err, domain.ErrPaymentNotFound) {
			return err
		}

		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.CustomerID != userID {
			return domain.ErrOrderNotFound
		}
		if order.Status != domain.OrderStatusPending {
			return domain.ErrOrderNotCancellable
		}

		dropped, err = o.ledger.ReleaseOrder(ctx, tx, order)
		if err != nil {
			return err
		}
		if err := order.Transition(domain.OrderStatusCancelled); err != nil {
			return err
		}
		if err := tx.UpdateOrderStatus(ctx, order.ID, order.Status); err != nil {
			return err
		}

		if payment != nil && !payment.Status.IsTerminal() {
			if err := payment.Settle(domain.PaymentStatusFailed); err != nil {
				return err
			}
			if err := tx.UpdatePayment(ctx, payment); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := logger.WithTrace(ctx, o.logger).With(zap.String("order_id", orderID.String()))
	logDroppedStock(log, o.metrics, "cancel", dropped)
	log.Info("order cancelled", zap.Int64("user_id", userID))
	return order, nil
}

// MarkDelivered is the operator transition PROCESSING -> DELIVERED.
func (o *Orchestrator) MarkDelivered(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	var order *domain.Order
	err := o.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := order.Transition(domain.OrderStatusDelivered); err != nil {
			return err
		}
		return tx.UpdateOrderStatus(ctx, order.ID, order.Status)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}
