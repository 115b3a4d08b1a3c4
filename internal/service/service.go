package service

import (
	"context"

	"github.com/amirriazizadeh/kastomy-shop/internal/gateway"
	"github.com/shopspring/decimal"
)

// PaymentGateway is the part of gateway.Client the services depend on.
type PaymentGateway interface {
	Request(ctx context.Context, amount int64, description, callbackURL string, meta gateway.Metadata) (string, error)
	Verify(ctx context.Context, authority string, amount int64) (gateway.VerifyOutcome, error)
	StartPayURL(authority string) string
	MinorUnits(amount decimal.Decimal) int64
}

var _ PaymentGateway = (*gateway.Client)(nil)

// Contact is forwarded to the gateway as payment metadata.
type Contact struct {
	Mobile string
	Email  string
}
