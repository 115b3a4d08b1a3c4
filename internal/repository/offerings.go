package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/shopspring/decimal"
)

func (t *pgTx) GetOffering(ctx context.Context, id int64) (*domain.Offering, error) {
	return t.offering(ctx, id, "")
}

func (t *pgTx) LockOffering(ctx context.Context, id int64) (*domain.Offering, error) {
	return t.offering(ctx, id, " FOR UPDATE")
}

func (t *pgTx) offering(ctx context.Context, id int64, lock string) (*domain.Offering, error) {
	query := `SELECT id, product_id, store_id, price, discount_percent, stock, is_active, created_at, updated_at
	          FROM offerings WHERE id = $1 AND deleted_at IS NULL` + lock

	var (
		o       domain.Offering
		percent decimal.NullDecimal
	)
	err := t.tx.QueryRowContext(ctx, query, id).Scan(
		&o.ID,
		&o.ProductID,
		&o.StoreID,
		&o.Price,
		&percent,
		&o.Stock,
		&o.IsActive,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOfferingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query offering: %w", err)
	}
	if percent.Valid {
		o.DiscountPercent = &percent.Decimal
	}
	return &o, nil
}

func (t *pgTx) SetOfferingStock(ctx context.Context, id int64, stock int) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE offerings SET stock = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id, stock)
	if err != nil {
		return fmt.Errorf("update offering stock: %w", err)
	}
	return expectOneRow(res, domain.ErrOfferingNotFound)
}

func (t *pgTx) GetAddress(ctx context.Context, userID, addressID int64) (*domain.Address, error) {
	query := `SELECT id, user_id, line, city, postal_code
	          FROM addresses WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`

	var a domain.Address
	err := t.tx.QueryRowContext(ctx, query, addressID, userID).Scan(
		&a.ID, &a.UserID, &a.Line, &a.City, &a.PostalCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAddressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query address: %w", err)
	}
	return &a, nil
}
