package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/google/uuid"
)

const paymentColumns = `id, order_id, transaction_ref, authority, amount, status, ref_id, gateway, created_at, updated_at`

func (t *pgTx) CreatePayment(ctx context.Context, p *domain.Payment) error {
	query := `INSERT INTO payments (order_id, transaction_ref, authority, amount, status, ref_id, gateway, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	          RETURNING id, created_at, updated_at`

	err := t.tx.QueryRowContext(ctx, query,
		p.OrderID,
		p.TransactionRef,
		p.Authority,
		p.Amount,
		p.Status,
		p.RefID,
		p.Gateway,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return t.recordAuthority(ctx, p)
}

func (t *pgTx) GetPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	return t.payment(ctx, "order_id = $1", orderID, "")
}

func (t *pgTx) LockPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	return t.payment(ctx, "order_id = $1", orderID, " FOR UPDATE")
}

// Authorities resolve through payment_authorities so a callback for a
// superseded authority still reaches its payment.
const byAuthority = `id = (SELECT payment_id FROM payment_authorities WHERE authority = $1)`

func (t *pgTx) GetPaymentByAuthority(ctx context.Context, authority string) (*domain.Payment, error) {
	return t.payment(ctx, byAuthority, authority, "")
}

func (t *pgTx) LockPaymentByAuthority(ctx context.Context, authority string) (*domain.Payment, error) {
	return t.payment(ctx, byAuthority, authority, " FOR UPDATE")
}

func (t *pgTx) payment(ctx context.Context, where string, arg any, lock string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE ` + where + lock

	p, err := scanPayment(t.tx.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payment: %w", err)
	}
	return p, nil
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	query := `UPDATE payments
	          SET transaction_ref = $2, authority = $3, amount = $4, status = $5, ref_id = $6, updated_at = NOW()
	          WHERE id = $1
	          RETURNING updated_at`

	err := t.tx.QueryRowContext(ctx, query,
		p.ID,
		p.TransactionRef,
		p.Authority,
		p.Amount,
		p.Status,
		p.RefID,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrPaymentNotFound
	}
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return t.recordAuthority(ctx, p)
}

func (t *pgTx) recordAuthority(ctx context.Context, p *domain.Payment) error {
	if p.Authority == nil {
		return nil
	}
	query := `INSERT INTO payment_authorities (payment_id, authority, created_at)
	          VALUES ($1, $2, NOW())
	          ON CONFLICT (authority) DO UPDATE SET authority = EXCLUDED.authority
	          RETURNING payment_id`

	var owner int64
	if err := t.tx.QueryRowContext(ctx, query, p.ID, *p.Authority).Scan(&owner); err != nil {
		return fmt.Errorf("record payment authority: %w", err)
	}
	if owner != p.ID {
		return fmt.Errorf("authority %q already issued to payment %d", *p.Authority, owner)
	}
	return nil
}

func (t *pgTx) ListPaymentsByUser(ctx context.Context, userID int64) ([]*domain.Payment, error) {
	query := `SELECT p.id, p.order_id, p.transaction_ref, p.authority, p.amount, p.status, p.ref_id,
	                 p.gateway, p.created_at, p.updated_at
	          FROM payments p JOIN orders o ON o.id = p.order_id
	          WHERE o.customer_id = $1 AND o.deleted_at IS NULL
	          ORDER BY p.created_at DESC, p.id DESC`

	rows, err := t.tx.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query payments by user: %w", err)
	}
	defer rows.Close()

	var payments []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment row: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return payments, nil
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var (
		p         domain.Payment
		authority sql.NullString
		refID     sql.NullString
	)
	if err := row.Scan(
		&p.ID,
		&p.OrderID,
		&p.TransactionRef,
		&authority,
		&p.Amount,
		&p.Status,
		&refID,
		&p.Gateway,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if authority.Valid {
		p.Authority = &authority.String
	}
	if refID.Valid {
		p.RefID = &refID.String
	}
	return &p, nil
}
