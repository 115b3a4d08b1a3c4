package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const orderColumns = `id, customer_id, address_id, cart_id, status, total_price, discount, final_price,
	discount_id, created_at, updated_at`

func (t *pgTx) CreateOrder(ctx context.Context, order *domain.Order) error {
	query := `INSERT INTO orders (id, customer_id, address_id, cart_id, status, total_price, discount,
	                              final_price, discount_id, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	          RETURNING created_at, updated_at`

	err := t.tx.QueryRowContext(ctx, query,
		order.ID,
		order.CustomerID,
		order.AddressID,
		order.CartID,
		order.Status,
		order.TotalPrice,
		order.Discount,
		order.FinalPrice,
		order.DiscountID,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "uq_orders_cart") {
			return domain.ErrEmptyCart
		}
		return fmt.Errorf("insert order: %w", err)
	}

	itemQuery := `INSERT INTO order_items (order_id, offering_id, quantity, unit_price, line_total)
	              VALUES ($1, $2, $3, $4, $5) RETURNING id`
	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		if err := t.tx.QueryRowContext(ctx, itemQuery,
			item.OrderID,
			item.OfferingID,
			item.Quantity,
			item.UnitPrice,
			item.LineTotal,
		).Scan(&item.ID); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func (t *pgTx) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return t.order(ctx, id, "")
}

func (t *pgTx) LockOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return t.order(ctx, id, " FOR UPDATE")
}

func (t *pgTx) order(ctx context.Context, id uuid.UUID, lock string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 AND deleted_at IS NULL` + lock

	order, err := scanOrder(t.tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	if err := t.attachItems(ctx, []*domain.Order{order}); err != nil {
		return nil, err
	}
	return order, nil
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status domain.OrderStatus) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id, status)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return expectOneRow(res, domain.ErrOrderNotFound)
}

func (t *pgTx) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
	          WHERE customer_id = $1 AND deleted_at IS NULL AND ($2::text IS NULL OR status = $2)
	          ORDER BY created_at DESC, id
	          LIMIT $3 OFFSET $4`

	var status sql.NullString
	if filter.Status != nil {
		status = sql.NullString{String: string(*filter.Status), Valid: true}
	}

	rows, err := t.tx.QueryContext(ctx, query, filter.CustomerID, status, filter.PageSize, filter.Offset())
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	if err := t.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (t *pgTx) attachItems(ctx context.Context, orders []*domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*domain.Order, len(orders))
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
		ids = append(ids, o.ID.String())
	}

	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, order_id, offering_id, quantity, unit_price, line_total
		 FROM order_items WHERE order_id = ANY($1::uuid[]) ORDER BY id`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.OfferingID,
			&item.Quantity,
			&item.UnitPrice,
			&item.LineTotal,
		); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		if o, ok := byID[item.OrderID]; ok {
			o.Items = append(o.Items, item)
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o          domain.Order
		discountID sql.NullInt64
	)
	if err := row.Scan(
		&o.ID,
		&o.CustomerID,
		&o.AddressID,
		&o.CartID,
		&o.Status,
		&o.TotalPrice,
		&o.Discount,
		&o.FinalPrice,
		&discountID,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if discountID.Valid {
		o.DiscountID = &discountID.Int64
	}
	return &o, nil
}
