package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Offering is a store's sellable listing of a product.
type Offering struct {
	ID              int64
	ProductID       int64
	StoreID         int64
	Price           decimal.Decimal
	DiscountPercent *decimal.Decimal
	Stock           int
	IsActive        bool
	DeletedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UnitPrice is the price a buyer pays right now, after the offering's own discount.
func (o *Offering) UnitPrice() decimal.Decimal {
	if o.DiscountPercent == nil || o.DiscountPercent.IsZero() {
		return o.Price
	}
	return ApplyPercent(o.Price, *o.DiscountPercent)
}

// Sellable reports whether the offering can be put into a cart or reserved.
func (o *Offering) Sellable() bool {
	return o.IsActive && o.DeletedAt == nil
}

// ApplyPercent returns amount * (1 - percent/100) rounded to two decimals.
func ApplyPercent(amount, percent decimal.Decimal) decimal.Decimal {
	return amount.Mul(hundred.Sub(percent)).Div(hundred).Round(2)
}
