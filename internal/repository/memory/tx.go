package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/amirriazizadeh/kastomy-shop/internal/repository"
	"github.com/google/uuid"
)

type memTx struct {
	s   *state
	now func() time.Time
}

var _ repository.Tx = (*memTx)(nil)

func (t *memTx) GetActiveCart(_ context.Context, userID int64) (*domain.Cart, error) {
	for _, c := range t.s.carts {
		if c.UserID == userID && c.IsActive {
			c.Items = t.items(c.ID)
			return &c, nil
		}
	}
	return nil, domain.ErrCartNotFound
}

func (t *memTx) LockActiveCart(ctx context.Context, userID int64) (*domain.Cart, error) {
	return t.GetActiveCart(ctx, userID)
}

func (t *memTx) items(cartID int64) []domain.CartItem {
	var items []domain.CartItem
	for _, item := range t.s.cartItems {
		if item.CartID == cartID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].OfferingID < items[j].OfferingID })
	return items
}

func (t *memTx) CreateCart(_ context.Context, cart *domain.Cart) error {
	if cart.IsActive {
		for _, c := range t.s.carts {
			if c.UserID == cart.UserID && c.IsActive {
				return repository.ErrDuplicateCart
			}
		}
	}
	cart.ID = t.s.nextID()
	cart.CreatedAt = t.now()
	cart.UpdatedAt = cart.CreatedAt
	stored := *cart
	stored.Items = nil
	t.s.carts[cart.ID] = stored
	return nil
}

func (t *memTx) UpdateCart(_ context.Context, cart *domain.Cart) error {
	stored, ok := t.s.carts[cart.ID]
	if !ok {
		return domain.ErrCartNotFound
	}
	stored.IsActive = cart.IsActive
	stored.ExpiresAt = cart.ExpiresAt
	stored.TotalPrice = cart.TotalPrice
	stored.TotalDiscount = cart.TotalDiscount
	stored.UpdatedAt = t.now()
	t.s.carts[cart.ID] = stored
	return nil
}

func (t *memTx) UpsertCartItem(_ context.Context, item *domain.CartItem) error {
	now := t.now()
	for id, existing := range t.s.cartItems {
		if existing.CartID == item.CartID && existing.OfferingID == item.OfferingID {
			existing.Quantity = item.Quantity
			existing.UnitPrice = item.UnitPrice
			existing.ListPrice = item.ListPrice
			existing.UpdatedAt = now
			t.s.cartItems[id] = existing
			*item = existing
			return nil
		}
	}
	item.ID = t.s.nextID()
	item.CreatedAt = now
	item.UpdatedAt = now
	t.s.cartItems[item.ID] = *item
	return nil
}

func (t *memTx) DeleteCartItem(_ context.Context, cartID, offeringID int64) error {
	for id, item := range t.s.cartItems {
		if item.CartID == cartID && item.OfferingID == offeringID {
			delete(t.s.cartItems, id)
			return nil
		}
	}
	return domain.ErrCartItemNotFound
}

func (t *memTx) ClearCartItems(_ context.Context, cartID int64) (int64, error) {
	var n int64
	for id, item := range t.s.cartItems {
		if item.CartID == cartID {
			delete(t.s.cartItems, id)
			n++
		}
	}
	return n, nil
}

func (t *memTx) GetAddress(_ context.Context, userID, addressID int64) (*domain.Address, error) {
	a, ok := t.s.addresses[addressID]
	if !ok || a.UserID != userID || a.DeletedAt != nil {
		return nil, domain.ErrAddressNotFound
	}
	return &a, nil
}

func (t *memTx) GetOffering(_ context.Context, id int64) (*domain.Offering, error) {
	o, ok := t.s.offerings[id]
	if !ok || o.DeletedAt != nil {
		return nil, domain.ErrOfferingNotFound
	}
	return &o, nil
}

func (t *memTx) LockOffering(ctx context.Context, id int64) (*domain.Offering, error) {
	return t.GetOffering(ctx, id)
}

func (t *memTx) SetOfferingStock(_ context.Context, id int64, stock int) error {
	o, ok := t.s.offerings[id]
	if !ok || o.DeletedAt != nil {
		return domain.ErrOfferingNotFound
	}
	if stock < 0 {
		return domain.ErrInsufficientStock
	}
	o.Stock = stock
	o.UpdatedAt = t.now()
	t.s.offerings[id] = o
	return nil
}

func (t *memTx) CreateOrder(_ context.Context, order *domain.Order) error {
	for _, o := range t.s.orders {
		if o.CartID == order.CartID {
			return domain.ErrEmptyCart
		}
	}
	order.CreatedAt = t.now()
	order.UpdatedAt = order.CreatedAt
	for i := range order.Items {
		order.Items[i].ID = t.s.nextID()
		order.Items[i].OrderID = order.ID
	}
	stored := *order
	stored.Items = append([]domain.OrderItem(nil), order.Items...)
	t.s.orders[order.ID] = stored
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	o, ok := t.s.orders[id]
	if !ok || o.DeletedAt != nil {
		return nil, domain.ErrOrderNotFound
	}
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	return &o, nil
}

func (t *memTx) LockOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return t.GetOrder(ctx, id)
}

func (t *memTx) UpdateOrderStatus(_ context.Context, id uuid.UUID, status domain.OrderStatus) error {
	o, ok := t.s.orders[id]
	if !ok || o.DeletedAt != nil {
		return domain.ErrOrderNotFound
	}
	o.Status = status
	o.UpdatedAt = t.now()
	t.s.orders[id] = o
	return nil
}

func (t *memTx) ListOrders(_ context.Context, filter domain.OrderFilter) ([]*domain.Order, error) {
	var orders []*domain.Order
	for _, o := range t.s.orders {
		if o.CustomerID != filter.CustomerID || o.DeletedAt != nil {
			continue
		}
		if filter.Status != nil && o.Status != *filter.Status {
			continue
		}
		o := o
		o.Items = append([]domain.OrderItem(nil), o.Items...)
		orders = append(orders, &o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID.String() < orders[j].ID.String()
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})

	start := filter.Offset()
	if start >= len(orders) {
		return nil, nil
	}
	end := start + filter.PageSize
	if filter.PageSize <= 0 || end > len(orders) {
		end = len(orders)
	}
	return orders[start:end], nil
}

func (t *memTx) CreatePayment(_ context.Context, p *domain.Payment) error {
	for _, existing := range t.s.payments {
		if existing.OrderID == p.OrderID || existing.TransactionRef == p.TransactionRef {
			return domain.ErrPaymentNotStartable
		}
	}
	p.ID = t.s.nextID()
	if err := t.recordAuthority(p); err != nil {
		return err
	}
	p.CreatedAt = t.now()
	p.UpdatedAt = p.CreatedAt
	t.s.payments[p.ID] = *p
	return nil
}

func (t *memTx) GetPaymentByOrder(_ context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	for _, p := range t.s.payments {
		if p.OrderID == orderID {
			return &p, nil
		}
	}
	return nil, domain.ErrPaymentNotFound
}

func (t *memTx) LockPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	return t.GetPaymentByOrder(ctx, orderID)
}

func (t *memTx) GetPaymentByAuthority(_ context.Context, authority string) (*domain.Payment, error) {
	id, ok := t.s.authorities[authority]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	p, ok := t.s.payments[id]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return &p, nil
}

func (t *memTx) LockPaymentByAuthority(ctx context.Context, authority string) (*domain.Payment, error) {
	return t.GetPaymentByAuthority(ctx, authority)
}

// recordAuthority keeps every authority a payment was ever issued, so a
// callback for a superseded one still finds it.
func (t *memTx) recordAuthority(p *domain.Payment) error {
	if p.Authority == nil {
		return nil
	}
	if owner, ok := t.s.authorities[*p.Authority]; ok && owner != p.ID {
		return fmt.Errorf("authority %q already issued to payment %d", *p.Authority, owner)
	}
	t.s.authorities[*p.Authority] = p.ID
	return nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *domain.Payment) error {
	if _, ok := t.s.payments[p.ID]; !ok {
		return domain.ErrPaymentNotFound
	}
	if err := t.recordAuthority(p); err != nil {
		return err
	}
	p.UpdatedAt = t.now()
	t.s.payments[p.ID] = *p
	return nil
}

func (t *memTx) ListPaymentsByUser(_ context.Context, userID int64) ([]*domain.Payment, error) {
	var payments []*domain.Payment
	for _, p := range t.s.payments {
		o, ok := t.s.orders[p.OrderID]
		if !ok || o.CustomerID != userID || o.DeletedAt != nil {
			continue
		}
		p := p
		payments = append(payments, &p)
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].ID > payments[j].ID })
	return payments, nil
}

func (t *memTx) GetDiscountByCode(_ context.Context, code string) (*domain.Discount, error) {
	for _, d := range t.s.discounts {
		if d.Code == code && d.DeletedAt == nil {
			return &d, nil
		}
	}
	return nil, domain.ErrDiscountNotFound
}

func (t *memTx) HasDiscountUsage(_ context.Context, discountID, userID int64) (bool, error) {
	for _, u := range t.s.usages {
		if u.DiscountID == discountID && u.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CreateDiscountUsage(ctx context.Context, usage *domain.DiscountUsage) error {
	used, _ := t.HasDiscountUsage(ctx, usage.DiscountID, usage.UserID)
	if used {
		return domain.ErrDiscountAlreadyUsed
	}
	usage.ID = t.s.nextID()
	usage.CreatedAt = t.now()
	t.s.usages[usage.ID] = *usage
	return nil
}

func (t *memTx) LinkDiscountUsage(_ context.Context, usageID int64, orderID uuid.UUID) error {
	u, ok := t.s.usages[usageID]
	if !ok {
		return domain.ErrDiscountNotFound
	}
	u.OrderID = &orderID
	t.s.usages[usageID] = u
	return nil
}

func (t *memTx) InsertOutboxEvent(_ context.Context, event *domain.OutboxEvent) error {
	event.ID = t.s.nextID()
	event.CreatedAt = t.now()
	t.s.outbox[event.ID] = *event
	return nil
}
