package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Cart struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"user_id"`
	IsActive      bool            `json:"is_active"`
	ExpiresAt     time.Time       `json:"expires_at"`
	TotalPrice    decimal.Decimal `json:"total_price"`
	TotalDiscount decimal.Decimal `json:"total_discount"`
	Items         []CartItem      `json:"items"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type CartItem struct {
	ID         int64           `json:"id"`
	CartID     int64           `json:"cart_id"`
	OfferingID int64           `json:"offering_id"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	// ListPrice is the undiscounted price captured together with UnitPrice.
	ListPrice decimal.Decimal `json:"list_price"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (i CartItem) TotalPrice() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Usable reports whether the cart may still be mutated or checked out.
func (c *Cart) Usable(now time.Time) bool {
	return c.IsActive && now.Before(c.ExpiresAt)
}

// RecalculateTotals materializes TotalPrice and TotalDiscount from the captured item prices.
func (c *Cart) RecalculateTotals() {
	total := decimal.Zero
	discount := decimal.Zero
	for _, item := range c.Items {
		qty := decimal.NewFromInt(int64(item.Quantity))
		total = total.Add(item.UnitPrice.Mul(qty))
		discount = discount.Add(item.ListPrice.Sub(item.UnitPrice).Mul(qty))
	}
	c.TotalPrice = total
	c.TotalDiscount = discount
}

// Item returns the line for the given offering, or nil.
func (c *Cart) Item(offeringID int64) *CartItem {
	for i := range c.Items {
		if c.Items[i].OfferingID == offeringID {
			return &c.Items[i]
		}
	}
	return nil
}
