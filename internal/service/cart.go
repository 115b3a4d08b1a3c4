package service

import (
	"context"
	"errors"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/discount"
	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/amirriazizadeh/kastomy-shop/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CartConfig struct {
	TTL         time.Duration
	MaxQuantity int
}

// CartService owns the user's active cart. Quantities are checked against the
// offering's stock on every mutation, but stock is only reserved at checkout.
type CartService struct {
	store     repository.Store
	discounts *discount.Engine
	cfg       CartConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewCartService(store repository.Store, discounts *discount.Engine, cfg CartConfig, l *zap.Logger) *CartService {
	if cfg.TTL <= 0 {
		cfg.TTL = 72 * time.Hour
	}
	if cfg.MaxQuantity <= 0 {
		cfg.MaxQuantity = 99
	}
	return &CartService{store: store, discounts: discounts, cfg: cfg, logger: l, now: time.Now}
}

// GetCart returns the active cart, or an empty one that is not persisted.
func (s *CartService) GetCart(ctx context.Context, userID int64) (*domain.Cart, error) {
	var cart *domain.Cart
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		c, err := tx.GetActiveCart(ctx, userID)
		if err != nil && !errors.Is(err, domain.ErrCartNotFound) {
			return err
		}
		if c != nil && c.Usable(s.now()) {
			cart = c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cart == nil {
		cart = &domain.Cart{UserID: userID, Items: []domain.CartItem{}}
	}
	return cart, nil
}

// AddItem adds qty units of an offering, merging with an existing line.
func (s *CartService) AddItem(ctx context.Context, userID, offeringID int64, qty int) (*domain.Cart, error) {
	if qty <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	return s.mutate(ctx, userID, true, func(ctx context.Context, tx repository.Tx, cart *domain.Cart) error {
		current := 0
		if item := cart.Item(offeringID); item != nil {
			current = item.Quantity
		}
		return s.setQuantity(ctx, tx, cart, offeringID, current+qty)
	})
}

// UpdateItem sets the quantity of an existing line.
func (s *CartService) UpdateItem(ctx context.Context, userID, offeringID int64, qty int) (*domain.Cart, error) {
	if qty <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	return s.mutate(ctx, userID, false, func(ctx context.Context, tx repository.Tx, cart *domain.Cart) error {
		if cart.Item(offeringID) == nil {
			return domain.ErrCartItemNotFound
		}
		return s.setQuantity(ctx, tx, cart, offeringID, qty)
	})
}

func (s *CartService) RemoveItem(ctx context.Context, userID, offeringID int64) (*domain.Cart, error) {
	return s.mutate(ctx, userID, false, func(ctx context.Context, tx repository.Tx, cart *domain.Cart) error {
		if err := tx.DeleteCartItem(ctx, cart.ID, offeringID); err != nil {
			return err
		}
		kept := cart.Items[:0]
		for _, item := range cart.Items {
			if item.OfferingID != offeringID {
				kept = append(kept, item)
			}
		}
		cart.Items = kept
		return nil
	})
}

// QuoteDiscount prices the active cart with a code without consuming it.
func (s *CartService) QuoteDiscount(ctx context.Context, userID int64, code string) (*domain.AppliedDiscount, error) {
	var quote *domain.AppliedDiscount
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		total := decimal.Zero
		cart, err := tx.GetActiveCart(ctx, userID)
		switch {
		case errors.Is(err, domain.ErrCartNotFound):
		case err != nil:
			return err
		case cart.Usable(s.now()):
			total = cart.TotalPrice
		}
		quote, err = s.discounts.Quote(ctx, tx, code, userID, total)
		return err
	})
	return quote, err
}

func (s *CartService) setQuantity(ctx context.Context, tx repository.Tx, cart *domain.Cart, offeringID int64, qty int) error {
	if qty > s.cfg.MaxQuantity {
		return domain.ErrInvalidQuantity
	}

	o, err := tx.GetOffering(ctx, offeringID)
	if err != nil {
		return err
	}
	if !o.Sellable() {
		return domain.ErrOfferingNotFound
	}
	if qty > o.Stock {
		return &domain.InsufficientStockError{OfferingID: offeringID, Requested: qty, Available: o.Stock}
	}

	item := domain.CartItem{
		CartID:     cart.ID,
		OfferingID: offeringID,
		Quantity:   qty,
		UnitPrice:  o.UnitPrice(),
		ListPrice:  o.Price,
	}
	if err := tx.UpsertCartItem(ctx, &item); err != nil {
		return err
	}

	if existing := cart.Item(offeringID); existing != nil {
		*existing = item
	} else {
		cart.Items = append(cart.Items, item)
	}
	return nil
}

// mutate locks the active cart (creating it when create is set), applies fn,
// refreshes the materialized totals and extends the expiry.
func (s *CartService) mutate(ctx context.Context, userID int64, create bool, fn func(context.Context, repository.Tx, *domain.Cart) error) (*domain.Cart, error) {
	var cart *domain.Cart
	run := func() error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			c, err := s.lockCart(ctx, tx, userID, create)
			if err != nil {
				return err
			}
			if err := fn(ctx, tx, c); err != nil {
				return err
			}
			c.RecalculateTotals()
			c.ExpiresAt = s.now().Add(s.cfg.TTL)
			if err := tx.UpdateCart(ctx, c); err != nil {
				return err
			}
			cart = c
			return nil
		})
	}

	err := run()
	if errors.Is(err, repository.ErrDuplicateCart) {
		// another request created the cart first; it is visible now
		err = run()
	}
	if err != nil {
		return nil, err
	}
	return cart, nil
}

func (s *CartService) lockCart(ctx context.Context, tx repository.Tx, userID int64, create bool) (*domain.Cart, error) {
	now := s.now()
	cart, err := tx.LockActiveCart(ctx, userID)
	switch {
	case err == nil && cart.Usable(now):
		return cart, nil
	case err == nil:
		cart.IsActive = false
		if err := tx.UpdateCart(ctx, cart); err != nil {
			return nil, err
		}
	case !errors.Is(err, domain.ErrCartNotFound):
		return nil, err
	}

	if !create {
		return nil, domain.ErrCartNotFound
	}
	cart = &domain.Cart{
		UserID:        userID,
		IsActive:      true,
		ExpiresAt:     now.Add(s.cfg.TTL),
		TotalPrice:    decimal.Zero,
		TotalDiscount: decimal.Zero,
	}
	if err := tx.CreateCart(ctx, cart); err != nil {
		return nil, err
	}
	s.logger.Debug("cart created", zap.Int64("user_id", userID), zap.Int64("cart_id", cart.ID))
	return cart, nil
}
