package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
)

const cartColumns = `id, user_id, is_active, expires_at, total_price, total_discount, created_at, updated_at`

func (t *pgTx) GetActiveCart(ctx context.Context, userID int64) (*domain.Cart, error) {
	return t.activeCart(ctx, userID, "")
}

func (t *pgTx) LockActiveCart(ctx context.Context, userID int64) (*domain.Cart, error) {
	return t.activeCart(ctx, userID, " FOR UPDATE")
}

func (t *pgTx) activeCart(ctx context.Context, userID int64, lock string) (*domain.Cart, error) {
	query := `SELECT ` + cartColumns + ` FROM carts WHERE user_id = $1 AND is_active` + lock

	var cart domain.Cart
	err := t.tx.QueryRowContext(ctx, query, userID).Scan(
		&cart.ID,
		&cart.UserID,
		&cart.IsActive,
		&cart.ExpiresAt,
		&cart.TotalPrice,
		&cart.TotalDiscount,
		&cart.CreatedAt,
		&cart.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query active cart: %w", err)
	}

	items, err := t.cartItems(ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	cart.Items = items
	return &cart, nil
}

func (t *pgTx) cartItems(ctx context.Context, cartID int64) ([]domain.CartItem, error) {
	query := `SELECT id, cart_id, offering_id, quantity, unit_price, list_price, created_at, updated_at
	          FROM cart_items WHERE cart_id = $1 ORDER BY offering_id`

	rows, err := t.tx.QueryContext(ctx, query, cartID)
	if err != nil {
		return nil, fmt.Errorf("query cart items: %w", err)
	}
	defer rows.Close()

	var items []domain.CartItem
	for rows.Next() {
		var item domain.CartItem
		if err := rows.Scan(
			&item.ID,
			&item.CartID,
			&item.OfferingID,
			&item.Quantity,
			&item.UnitPrice,
			&item.ListPrice,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cart items iteration: %w", err)
	}
	return items, nil
}

func (t *pgTx) CreateCart(ctx context.Context, cart *domain.Cart) error {
	query := `INSERT INTO carts (user_id, is_active, expires_at, total_price, total_discount, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	          RETURNING id, created_at, updated_at`

	err := t.tx.QueryRowContext(ctx, query,
		cart.UserID,
		cart.IsActive,
		cart.ExpiresAt,
		cart.TotalPrice,
		cart.TotalDiscount,
	).Scan(&cart.ID, &cart.CreatedAt, &cart.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "uq_carts_active_user") {
			return ErrDuplicateCart
		}
		return fmt.Errorf("insert cart: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateCart(ctx context.Context, cart *domain.Cart) error {
	query := `UPDATE carts
	          SET is_active = $2, expires_at = $3, total_price = $4, total_discount = $5, updated_at = NOW()
	          WHERE id = $1`

	res, err := t.tx.ExecContext(ctx, query,
		cart.ID,
		cart.IsActive,
		cart.ExpiresAt,
		cart.TotalPrice,
		cart.TotalDiscount,
	)
	if err != nil {
		return fmt.Errorf("update cart: %w", err)
	}
	return expectOneRow(res, domain.ErrCartNotFound)
}

func (t *pgTx) UpsertCartItem(ctx context.Context, item *domain.CartItem) error {
	query := `INSERT INTO cart_items (cart_id, offering_id, quantity, unit_price, list_price, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	          ON CONFLICT ON CONSTRAINT uq_cart_items_cart_offering
	          DO UPDATE SET quantity = EXCLUDED.quantity,
	                        unit_price = EXCLUDED.unit_price,
	                        list_price = EXCLUDED.list_price,
	                        updated_at = NOW()
	          RETURNING id, created_at, updated_at`

	err := t.tx.QueryRowContext(ctx, query,
		item.CartID,
		item.OfferingID,
		item.Quantity,
		item.UnitPrice,
		item.ListPrice,
	).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert cart item: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteCartItem(ctx context.Context, cartID, offeringID int64) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM cart_items WHERE cart_id = $1 AND offering_id = $2`, cartID, offeringID)
	if err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}
	return expectOneRow(res, domain.ErrCartItemNotFound)
}

func (t *pgTx) ClearCartItems(ctx context.Context, cartID int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID)
	if err != nil {
		return 0, fmt.Errorf("clear cart items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear cart items: %w", err)
	}
	return n, nil
}

func (r *Repository) ExpireCarts(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE carts SET is_active = FALSE, updated_at = NOW() WHERE is_active AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire carts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire carts: %w", err)
	}
	return n, nil
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
