package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/google/uuid"
)

func (t *pgTx) GetDiscountByCode(ctx context.Context, code string) (*domain.Discount, error) {
	query := `SELECT id, code, percent, expires_at, created_at
	          FROM discounts WHERE code = $1 AND deleted_at IS NULL`

	var d domain.Discount
	err := t.tx.QueryRowContext(ctx, query, code).Scan(&d.ID, &d.Code, &d.Percent, &d.ExpiresAt, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDiscountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query discount: %w", err)
	}
	return &d, nil
}

func (t *pgTx) HasDiscountUsage(ctx context.Context, discountID, userID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM discount_usages WHERE discount_id = $1 AND user_id = $2)`,
		discountID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query discount usage: %w", err)
	}
	return exists, nil
}

func (t *pgTx) CreateDiscountUsage(ctx context.Context, usage *domain.DiscountUsage) error {
	query := `INSERT INTO discount_usages (discount_id, user_id, order_id, created_at)
	          VALUES ($1, $2, $3, NOW())
	          RETURNING id, created_at`

	err := t.tx.QueryRowContext(ctx, query, usage.DiscountID, usage.UserID, usage.OrderID).
		Scan(&usage.ID, &usage.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "uq_discount_usages_discount_user") {
			return domain.ErrDiscountAlreadyUsed
		}
		return fmt.Errorf("insert discount usage: %w", err)
	}
	return nil
}

func (t *pgTx) LinkDiscountUsage(ctx context.Context, usageID int64, orderID uuid.UUID) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE discount_usages SET order_id = $2 WHERE id = $1`, usageID, orderID)
	if err != nil {
		return fmt.Errorf("link discount usage: %w", err)
	}
	return expectOneRow(res, domain.ErrDiscountNotFound)
}
