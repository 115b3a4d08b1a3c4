package discount

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/amirriazizadeh/kastomy-shop/internal/repository"
	"github.com/shopspring/decimal"
)

// Engine validates and consumes single-use discount codes.
type Engine struct {
	now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// Quote checks a code against the user and total without consuming it.
func (e *Engine) Quote(ctx context.Context, tx repository.Tx, code string, userID int64, cartTotal decimal.Decimal) (*domain.AppliedDiscount, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, domain.ErrDiscountNotFound
	}

	d, err := tx.GetDiscountByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if d.Expired(e.now()) {
		return nil, domain.ErrDiscountExpired
	}

	used, err := tx.HasDiscountUsage(ctx, d.ID, userID)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, domain.ErrDiscountAlreadyUsed
	}

	final := domain.ApplyPercent(cartTotal, d.Percent)
	return &domain.AppliedDiscount{
		DiscountID: d.ID,
		Code:       d.Code,
		Percent:    d.Percent,
		Original:   cartTotal,
		Amount:     cartTotal.Sub(final),
		Final:      final,
	}, nil
}

// Apply quotes the code and records the usage in the same transaction. A
// concurrent apply for the same user loses on the (discount, user) unique
// constraint and gets ErrDiscountAlreadyUsed.
func (e *Engine) Apply(ctx context.Context, tx repository.Tx, code string, userID int64, cartTotal decimal.Decimal) (*domain.AppliedDiscount, error) {
	applied, err := e.Quote(ctx, tx, code, userID, cartTotal)
	if err != nil {
		return nil, err
	}

	usage := &domain.DiscountUsage{DiscountID: applied.DiscountID, UserID: userID}
	if err := tx.CreateDiscountUsage(ctx, usage); err != nil {
		return nil, fmt.Errorf("consume discount %s: %w", applied.Code, err)
	}
	applied.UsageID = usage.ID
	return applied, nil
}
