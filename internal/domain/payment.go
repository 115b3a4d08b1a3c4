package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusProgress PaymentStatus = "PROGRESS"
	// PaymentStatusVerify is accepted from storage but never written by this service;
	// verification happens before the settlement transaction opens.
	PaymentStatusVerify PaymentStatus = "VERIFY"
	PaymentStatusDone   PaymentStatus = "DONE"
	PaymentStatusFailed PaymentStatus = "FAILED"
)

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusDone || s == PaymentStatusFailed
}

func (s PaymentStatus) String() string {
	return string(s)
}

const GatewayZarinPal = "ZarinPal"

type Payment struct {
	ID             int64           `json:"id"`
	OrderID        uuid.UUID       `json:"order_id"`
	TransactionRef string          `json:"transaction_ref"`
	Authority      *string         `json:"authority,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Status         PaymentStatus   `json:"status"`
	RefID          *string         `json:"ref_id,omitempty"`
	Gateway        string          `json:"gateway"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Settle moves a non-terminal payment into a terminal status.
func (p *Payment) Settle(next PaymentStatus) error {
	if p.Status.IsTerminal() || !next.IsTerminal() {
		return &IllegalTransitionError{Entity: "payment", From: string(p.Status), To: string(next)}
	}
	p.Status = next
	return nil
}
