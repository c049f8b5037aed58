package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// Repository defines the persistence operations on orders and their items
type Repository interface {
	// GetByID loads an order with its items
	GetByID(ctx context.Context, orderID string) (*Order, error)

	// ListByUser pages through a buyer's orders
	ListByUser(ctx context.Context, userID string, skip, limit int) ([]*Order, error)

	// List pages through all orders
	List(ctx context.Context, skip, limit int) ([]*Order, error)

	// Create inserts the order and all of its items atomically
	Create(ctx context.Context, order *Order, items []*OrderItem) error

	// UpdateStatus moves an order to a new status if the state machine allows it
	UpdateStatus(ctx context.Context, orderID string, status OrderStatus) (*Order, error)

	// Cancel cancels the order when allowed, otherwise returns it unchanged.
	// The flag reports whether this call changed the status.
	Cancel(ctx context.Context, orderID string) (*Order, bool, error)
}

// DB is the subset of *pgxpool.Pool used by the repository
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// querier is satisfied by both DB and pgx.Tx
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresOrderRepository implements Repository on PostgreSQL
type PostgresOrderRepository struct {
	db     DB
	logger *zap.Logger
}

// NewOrderRepository creates a new PostgresOrderRepository
func NewOrderRepository(db DB, logger *zap.Logger) Repository {
	return &PostgresOrderRepository{
		db:     db,
		logger: logger,
	}
}

// inTransaction runs fn as a unit of work: commit on success, rollback when fn
// fails, and rollback when the commit itself fails.
func (r *PostgresOrderRepository) inTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			r.logger.Error("❌ rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("❌ commit failed, rolling back", zap.Error(err))
		_ = tx.Rollback(ctx)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

const selectOrderColumns = `
	SELECT id, user_id, status, total_amount, shipping_address, billing_address, notes, created_at, updated_at
	FROM orders`

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		order  Order
		status string
	)
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&status,
		&order.TotalAmount,
		&order.ShippingAddress,
		&order.BillingAddress,
		&order.Notes,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	order.Status = OrderStatus(status)
	return &order, nil
}

// GetByID loads an order with its items
func (r *PostgresOrderRepository) GetByID(ctx context.Context, orderID string) (*Order, error) {
	return r.getByID(ctx, r.db, orderID)
}

func (r *PostgresOrderRepository) getByID(ctx context.Context, q querier, orderID string) (*Order, error) {
	order, err := scanOrder(q.QueryRow(ctx, selectOrderColumns+` WHERE id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	if err := r.attachItems(ctx, q, []*Order{order}); err != nil {
		return nil, err
	}
	return order, nil
}

// ListByUser pages through a buyer's orders, oldest first
func (r *PostgresOrderRepository) ListByUser(ctx context.Context, userID string, skip, limit int) ([]*Order, error) {
	skip, limit = normalizePage(skip, limit)
	return r.list(ctx, selectOrderColumns+`
		WHERE user_id = $1
		ORDER BY created_at, id
		OFFSET $2 LIMIT $3`, userID, skip, limit)
}

// List pages through all orders, oldest first
func (r *PostgresOrderRepository) List(ctx context.Context, skip, limit int) ([]*Order, error) {
	skip, limit = normalizePage(skip, limit)
	return r.list(ctx, selectOrderColumns+`
		ORDER BY created_at, id
		OFFSET $1 LIMIT $2`, skip, limit)
}

func (r *PostgresOrderRepository) list(ctx context.Context, query string, args ...any) ([]*Order, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	orders := []*Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	if err := r.attachItems(ctx, r.db, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// attachItems loads the items of every order with a single query
func (r *PostgresOrderRepository) attachItems(ctx context.Context, q querier, orders []*Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]string, 0, len(orders))
	byID := make(map[string]*Order, len(orders))
	for _, order := range orders {
		order.Items = []*OrderItem{}
		ids = append(ids, order.ID)
		byID[order.ID] = order
	}

	rows, err := q.Query(ctx, `
		SELECT id, order_id, product_id, product_name, quantity, unit_price, total_price, created_at
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY created_at, id
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.ProductName,
			&item.Quantity,
			&item.UnitPrice,
			&item.TotalPrice,
			&item.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to scan order item: %w", err)
		}
		if order, ok := byID[item.OrderID]; ok {
			order.Items = append(order.Items, &item)
		}
	}
	return rows.Err()
}

// Create inserts the order and all of its items atomically
func (r *PostgresOrderRepository) Create(ctx context.Context, order *Order, items []*OrderItem) error {
	err := r.inTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO orders (id, user_id, status, total_amount, shipping_address, billing_address, notes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, order.ID, order.UserID, string(order.Status), order.TotalAmount, order.ShippingAddress,
			order.BillingAddress, order.Notes, order.CreatedAt, order.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		for _, item := range items {
			_, err := tx.Exec(ctx, `
				INSERT INTO order_items (id, order_id, product_id, product_name, quantity, unit_price, total_price, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, item.ID, order.ID, item.ProductID, item.ProductName, item.Quantity,
				item.UnitPrice, item.TotalPrice, item.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert order item %s: %w", item.ProductID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	order.Items = items
	return nil
}

// lockStatus reads the order's status with a row lock held until the
// transaction ends
func lockStatus(ctx context.Context, tx pgx.Tx, orderID string) (OrderStatus, error) {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to lock order: %w", err)
	}
	return OrderStatus(status), nil
}

func setStatus(ctx context.Context, tx pgx.Tx, orderID string, status OrderStatus) error {
	_, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $1, updated_at = $2
		WHERE id = $3
	`, string(status), time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return nil
}

// UpdateStatus moves an order to a new status if the state machine allows it
func (r *PostgresOrderRepository) UpdateStatus(ctx context.Context, orderID string, status OrderStatus) (*Order, error) {
	var updated *Order
	err := r.inTransaction(ctx, func(tx pgx.Tx) error {
		current, err := lockStatus(ctx, tx, orderID)
		if err != nil {
			return err
		}

		if IsTerminal(current) {
			return fmt.Errorf("%w: order %s is %s and can no longer change", ErrInvalidTransition, orderID, current)
		}

		if err := ValidateTransition(current, status); err != nil {
			r.logger.Warn("invalid status transition",
				zap.String("order_id", orderID),
				zap.String("from", string(current)),
				zap.String("to", string(status)),
			)
			return err
		}

		if err := setStatus(ctx, tx, orderID, status); err != nil {
			return err
		}

		updated, err = r.getByID(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("✅ order status updated", zap.String("order_id", orderID), zap.String("status", string(status)))
	return updated, nil
}

// Cancel cancels the order when allowed. A non cancellable order, including
// one already cancelled, is returned unchanged with cancelled set to false.
func (r *PostgresOrderRepository) Cancel(ctx context.Context, orderID string) (*Order, bool, error) {
	var order *Order
	cancelled := false
	err := r.inTransaction(ctx, func(tx pgx.Tx) error {
		current, err := lockStatus(ctx, tx, orderID)
		if err != nil {
			return err
		}

		if !CanCancel(current) {
			r.logger.Warn("order not cancellable in its current state",
				zap.String("order_id", orderID),
				zap.String("status", string(current)),
			)
		} else {
			if err := setStatus(ctx, tx, orderID, OrderStatusCancelled); err != nil {
				return err
			}
			cancelled = true
		}

		order, err = r.getByID(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return order, cancelled, nil
}

func normalizePage(skip, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return skip, limit
}
