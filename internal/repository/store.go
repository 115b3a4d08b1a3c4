package repository

import (
	"context"
	"errors"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/google/uuid"
)

// ErrDuplicateCart is returned when a second active cart would be created for a user.
var ErrDuplicateCart = errors.New("active cart already exists")

// Store is the persistence boundary. Every state change runs inside WithTx.
type Store interface {
	// WithTx runs fn in one database transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetUnprocessedEvents(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
	// ExpireCarts deactivates active carts whose expiry is not after now.
	ExpireCarts(ctx context.Context, now time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// Tx is the statement set available inside a transaction. Lock* methods take a
// row lock that is held until the transaction ends. Locks are always taken in
// the order payment, order, cart, offerings by ascending id.
type Tx interface {
	GetActiveCart(ctx context.Context, userID int64) (*domain.Cart, error)
	LockActiveCart(ctx context.Context, userID int64) (*domain.Cart, error)
	CreateCart(ctx context.Context, cart *domain.Cart) error
	UpdateCart(ctx context.Context, cart *domain.Cart) error
	UpsertCartItem(ctx context.Context, item *domain.CartItem) error
	DeleteCartItem(ctx context.Context, cartID, offeringID int64) error
	ClearCartItems(ctx context.Context, cartID int64) (int64, error)

	GetAddress(ctx context.Context, userID, addressID int64) (*domain.Address, error)

	GetOffering(ctx context.Context, id int64) (*domain.Offering, error)
	LockOffering(ctx context.Context, id int64) (*domain.Offering, error)
	SetOfferingStock(ctx context.Context, id int64, stock int) error

	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	LockOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, status domain.OrderStatus) error
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error)

	CreatePayment(ctx context.Context, p *domain.Payment) error
	GetPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error)
	LockPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error)
	GetPaymentByAuthority(ctx context.Context, authority string) (*domain.Payment, error)
	LockPaymentByAuthority(ctx context.Context, authority string) (*domain.Payment, error)
	UpdatePayment(ctx context.Context, p *domain.Payment) error
	ListPaymentsByUser(ctx context.Context, userID int64) ([]*domain.Payment, error)

	GetDiscountByCode(ctx context.Context, code string) (*domain.Discount, error)
	HasDiscountUsage(ctx context.Context, discountID, userID int64) (bool, error)
	// CreateDiscountUsage returns domain.ErrDiscountAlreadyUsed on a (discount, user) conflict.
	CreateDiscountUsage(ctx context.Context, usage *domain.DiscountUsage) error
	LinkDiscountUsage(ctx context.Context, usageID int64, orderID uuid.UUID) error

	InsertOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error
}
