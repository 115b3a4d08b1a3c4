package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCart           = errors.New("cart is empty")
	ErrCartNotFound        = errors.New("cart not found")
	ErrCartItemNotFound    = errors.New("cart item not found")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrAddressNotFound     = errors.New("address not found")
	ErrOfferingNotFound    = errors.New("offering not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrOverRelease         = errors.New("release exceeds reserved stock")
	ErrOfferingRetired     = errors.New("offering was deleted, released stock dropped")
	ErrDiscountNotFound    = errors.New("discount not found")
	ErrDiscountExpired     = errors.New("discount expired")
	ErrDiscountAlreadyUsed = errors.New("discount already used")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotCancellable = errors.New("order is not cancellable")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrPaymentNotStartable = errors.New("payment cannot be started")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrGatewayRejected     = errors.New("payment gateway rejected request")
)

// InsufficientStockError names the offering that could not be reserved.
type InsufficientStockError struct {
	OfferingID int64
	Requested  int
	Available  int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for offering %d: requested %d, available %d",
		e.OfferingID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// GatewayRejectedError carries the provider's response code.
type GatewayRejectedError struct {
	Code int
}

func (e *GatewayRejectedError) Error() string {
	return fmt.Sprintf("payment gateway rejected request with code %d", e.Code)
}

func (e *GatewayRejectedError) Is(target error) bool {
	return target == ErrGatewayRejected
}

type IllegalTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition from %s to %s", e.Entity, e.From, e.To)
}
