// Package memory is an in-process repository.Store. Transactions are fully
// serialized and copy-on-write, so an error inside WithTx leaves no trace.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/amirriazizadeh/kastomy-shop/internal/repository"
	"github.com/google/uuid"
)

type state struct {
	seq       int64
	offerings map[int64]domain.Offering
	addresses map[int64]domain.Address
	carts     map[int64]domain.Cart
	cartItems map[int64]domain.CartItem
	orders    map[uuid.UUID]domain.Order
	payments  map[int64]domain.Payment
	discounts map[int64]domain.Discount
	usages    map[int64]domain.DiscountUsage
	outbox    map[int64]domain.OutboxEvent
	// authorities maps every gateway authority ever issued to its payment id.
	authorities map[string]int64
}

func newState() *state {
	return &state{
		offerings: map[int64]domain.Offering{},
		addresses: map[int64]domain.Address{},
		carts:     map[int64]domain.Cart{},
		cartItems: map[int64]domain.CartItem{},
		orders:    map[uuid.UUID]domain.Order{},
		payments:  map[int64]domain.Payment{},
		discounts: map[int64]domain.Discount{},
		usages:    map[int64]domain.DiscountUsage{},
		outbox:    map[int64]domain.OutboxEvent{},

		authorities: map[string]int64{},
	}
}

func (s *state) clone() *state {
	c := newState()
	c.seq = s.seq
	copyMap(c.offerings, s.offerings)
	copyMap(c.addresses, s.addresses)
	copyMap(c.carts, s.carts)
	copyMap(c.cartItems, s.cartItems)
	copyMap(c.payments, s.payments)
	copyMap(c.discounts, s.discounts)
	copyMap(c.usages, s.usages)
	copyMap(c.outbox, s.outbox)
	copyMap(c.authorities, s.authorities)
	for id, o := range s.orders {
		o.Items = append([]domain.OrderItem(nil), o.Items...)
		c.orders[id] = o
	}
	return c
}

func copyMap[K comparable, V any](dst, src map[K]V) {
	for k, v := range src {
		dst[k] = v
	}
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{state: newState(), now: time.Now}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(ctx, &memTx{s: work, now: s.now}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) GetUnprocessedEvents(_ context.Context, limit int) ([]*domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []*domain.OutboxEvent
	for _, e := range s.state.outbox {
		if e.ProcessedAt == nil {
			e := e
			events = append(events, &e)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *Store) MarkEventAsProcessed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.state.outbox[id]; ok {
		now := s.now()
		e.ProcessedAt = &now
		s.state.outbox[id] = e
	}
	return nil
}

func (s *Store) ExpireCarts(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, c := range s.state.carts {
		if c.IsActive && !c.ExpiresAt.After(now) {
			c.IsActive = false
			s.state.carts[id] = c
			n++
		}
	}
	return n, nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

// AddOffering seeds an offering and returns its id.
func (s *Store) AddOffering(o domain.Offering) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID == 0 {
		o.ID = s.state.nextID()
	}
	s.state.offerings[o.ID] = o
	return o.ID
}

// DeleteOffering soft-deletes an offering.
func (s *Store) DeleteOffering(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.state.offerings[id]
	if !ok {
		return
	}
	now := s.now()
	o.DeletedAt = &now
	s.state.offerings[id] = o
}

// AddAddress seeds an address and returns its id.
func (s *Store) AddAddress(a domain.Address) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == 0 {
		a.ID = s.state.nextID()
	}
	s.state.addresses[a.ID] = a
	return a.ID
}

// AddDiscount seeds a discount and returns its id.
func (s *Store) AddDiscount(d domain.Discount) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == 0 {
		d.ID = s.state.nextID()
	}
	s.state.discounts[d.ID] = d
	return d.ID
}

// Stock returns the committed stock of an offering.
func (s *Store) Stock(offeringID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.offerings[offeringID].Stock
}

// OutboxEvents returns every committed outbox event, processed or not.
func (s *Store) OutboxEvents() []domain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]domain.OutboxEvent, 0, len(s.state.outbox))
	for _, e := range s.state.outbox {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events
}

// DiscountUsages counts committed usage rows for a discount.
func (s *Store) DiscountUsages(discountID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, u := range s.state.usages {
		if u.DiscountID == discountID {
			n++
		}
	}
	return n
}

// CartItemCount counts committed items of a cart, active or not.
func (s *Store) CartItemCount(cartID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, item := range s.state.cartItems {
		if item.CartID == cartID {
			n++
		}
	}
	return n
}
