package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/amirriazizadeh/kastomy-shop/internal/repository"
	"github.com/shopspring/decimal"
)

// Line is a request to reserve Quantity units of an offering.
type Line struct {
	OfferingID int64
	Quantity   int
}

// Reservation records a successful stock decrement and the price observed under the lock.
type Reservation struct {
	OfferingID int64
	Quantity   int
	UnitPrice  decimal.Decimal
	ListPrice  decimal.Decimal
	Remaining  int
}

func (r Reservation) LineTotal() decimal.Decimal {
	return r.UnitPrice.Mul(decimal.NewFromInt(int64(r.Quantity)))
}

// Ledger mutates offering stock. Every call must run inside the caller's
// transaction; the offering row stays locked until that transaction ends.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Reserve decrements stock by qty or fails without mutating anything.
func (l *Ledger) Reserve(ctx context.Context, tx repository.Tx, offeringID int64, qty int) (Reservation, error) {
	if qty <= 0 {
		return Reservation{}, domain.ErrInvalidQuantity
	}

	o, err := tx.LockOffering(ctx, offeringID)
	if errors.Is(err, domain.ErrOfferingNotFound) {
		return Reservation{}, &domain.InsufficientStockError{OfferingID: offeringID, Requested: qty}
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("lock offering %d: %w", offeringID, err)
	}
	if !o.Sellable() {
		return Reservation{}, &domain.InsufficientStockError{OfferingID: offeringID, Requested: qty}
	}
	if o.Stock < qty {
		return Reservation{}, &domain.InsufficientStockError{OfferingID: offeringID, Requested: qty, Available: o.Stock}
	}

	remaining := o.Stock - qty
	if err := tx.SetOfferingStock(ctx, offeringID, remaining); err != nil {
		return Reservation{}, fmt.Errorf("reserve offering %d: %w", offeringID, err)
	}

	return Reservation{
		OfferingID: offeringID,
		Quantity:   qty,
		UnitPrice:  o.UnitPrice(),
		ListPrice:  o.Price,
		Remaining:  remaining,
	}, nil
}

// ReserveAll reserves every line in ascending offering order. Quantities for a
// repeated offering are merged. The first failure is returned as is; the
// caller must roll the transaction back so no partial reservation survives.
func (l *Ledger) ReserveAll(ctx context.Context, tx repository.Tx, lines []Line) ([]Reservation, error) {
	merged := make(map[int64]int, len(lines))
	for _, line := range lines {
		merged[line.OfferingID] += line.Quantity
	}
	ids := make([]int64, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	reservations := make([]Reservation, 0, len(ids))
	for _, id := range ids {
		r, err := l.Reserve(ctx, tx, id, merged[id])
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, r)
	}
	return reservations, nil
}

// Release returns qty units to an offering. A soft-deleted offering cannot take
// stock back; that is reported as ErrOfferingRetired and nothing is written.
func (l *Ledger) Release(ctx context.Context, tx repository.Tx, offeringID int64, qty int) error {
	if qty <= 0 {
		return domain.ErrInvalidQuantity
	}

	o, err := tx.LockOffering(ctx, offeringID)
	if errors.Is(err, domain.ErrOfferingNotFound) {
		return fmt.Errorf("release %d units to offering %d: %w", qty, offeringID, domain.ErrOfferingRetired)
	}
	if err != nil {
		return fmt.Errorf("lock offering %d: %w", offeringID, err)
	}

	if err := tx.SetOfferingStock(ctx, offeringID, o.Stock+qty); err != nil {
		return fmt.Errorf("release offering %d: %w", offeringID, err)
	}
	return nil
}

// ReleaseOrder returns the stock held by a PENDING order. Any other status means
// the stock was already released or consumed, which is reported as ErrOverRelease.
// Lines whose offering was deleted after the order was placed are not released
// and come back as dropped so the caller can record the lost units.
func (l *Ledger) ReleaseOrder(ctx context.Context, tx repository.Tx, order *domain.Order) (dropped []Line, err error) {
	if order.Status != domain.OrderStatusPending {
		return nil, fmt.Errorf("order %s in status %s: %w", order.ID, order.Status, domain.ErrOverRelease)
	}

	lines := make([]Line, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, Line{OfferingID: item.OfferingID, Quantity: item.Quantity})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].OfferingID < lines[j].OfferingID })

	for _, line := range lines {
		err := l.Release(ctx, tx, line.OfferingID, line.Quantity)
		if errors.Is(err, domain.ErrOfferingRetired) {
			dropped = append(dropped, line)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return dropped, nil
}

// Units sums the quantities of lines.
func Units(lines []Line) int {
	n := 0
	for _, l := range lines {
		n += l.Quantity
	}
	return n
}
