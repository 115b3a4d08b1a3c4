package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Discount struct {
	ID        int64
	Code      string
	Percent   decimal.Decimal
	ExpiresAt time.Time
	DeletedAt *time.Time
	CreatedAt time.Time
}

func (d *Discount) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

// DiscountUsage is unique per (DiscountID, UserID).
type DiscountUsage struct {
	ID         int64
	DiscountID int64
	UserID     int64
	OrderID    *uuid.UUID
	CreatedAt  time.Time
}

type AppliedDiscount struct {
	DiscountID int64           `json:"discount_id"`
	Code       string          `json:"code"`
	Percent    decimal.Decimal `json:"percent"`
	Original   decimal.Decimal `json:"original"`
	Amount     decimal.Decimal `json:"amount"`
	Final      decimal.Decimal `json:"final"`
	UsageID    int64           `json:"-"`
}
