package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	orderColumns = []string{"id", "user_id", "status", "total_amount", "shipping_address", "billing_address", "notes", "created_at", "updated_at"}
	itemColumns  = []string{"id", "order_id", "product_id", "product_name", "quantity", "unit_price", "total_price", "created_at"}
)

const (
	selectOrderByIDPattern = `FROM orders WHERE id = \$1$`
	selectItemsPattern     = `FROM order_items WHERE order_id = ANY\(\$1\)`
	lockOrderPattern       = `SELECT status FROM orders WHERE id = \$1 FOR UPDATE`
)

func newMockRepository(t *testing.T) (Repository, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	return NewOrderRepository(mock, zaptest.NewLogger(t)), mock
}

func orderRow(rows *pgxmock.Rows, id, userID, status, total string) *pgxmock.Rows {
	notes := "ring twice"
	now := time.Now().UTC()
	return rows.AddRow(id, userID, status, total, "1 Main St", "2 Side St", &notes, now, now)
}

func itemRow(rows *pgxmock.Rows, id, orderID, productID string, quantity int, unit, total string) *pgxmock.Rows {
	return rows.AddRow(id, orderID, productID, "Keyboard", quantity, unit, total, time.Now().UTC())
}

func TestNewOrderRepository(t *testing.T) {
	repo, _ := newMockRepository(t)

	assert.NotNil(t, repo)
	assert.IsType(t, &PostgresOrderRepository{}, repo)
}

func TestRepository_GetByID(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()

	mock.ExpectQuery(selectOrderByIDPattern).
		WithArgs("o1").
		WillReturnRows(orderRow(pgxmock.NewRows(orderColumns), "o1", "u1", "pending", "199.98"))
	mock.ExpectQuery(selectItemsPattern).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(itemRow(pgxmock.NewRows(itemColumns), "i1", "o1", "p1", 2, "99.99", "199.98"))

	order, err := repo.GetByID(ctx, "o1")

	require.NoError(t, err)
	assert.Equal(t, "o1", order.ID)
	assert.Equal(t, OrderStatusPending, order.Status)
	assert.Equal(t, "ring twice", *order.Notes)
	require.Len(t, order.Items, 1)
	assert.Equal(t, "p1", order.Items[0].ProductID)
	assert.True(t, order.TotalAmount.Equal(order.ItemsTotal()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetByID_NotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(selectOrderByIDPattern).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	order, err := repo.GetByID(context.Background(), "missing")

	assert.Nil(t, order)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_List_AttachesItemsToTheirOrders(t *testing.T) {
	repo, mock := newMockRepository(t)

	orders := pgxmock.NewRows(orderColumns)
	orderRow(orders, "o1", "u1", "pending", "10.00")
	orderRow(orders, "o2", "u2", "shipped", "5.00")
	mock.ExpectQuery(`ORDER BY created_at, id OFFSET \$1 LIMIT \$2`).
		WithArgs(0, defaultPageLimit).
		WillReturnRows(orders)

	items := pgxmock.NewRows(itemColumns)
	itemRow(items, "i1", "o1", "p1", 2, "5.00", "10.00")
	itemRow(items, "i2", "o2", "p2", 1, "5.00", "5.00")
	mock.ExpectQuery(selectItemsPattern).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(items)

	result, err := repo.List(context.Background(), 0, 0)

	require.NoError(t, err)
	require.Len(t, result, 2)
	require.Len(t, result[0].Items, 1)
	require.Len(t, result[1].Items, 1)
	assert.Equal(t, "i1", result[0].Items[0].ID)
	assert.Equal(t, "i2", result[1].Items[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ListByUser_NormalizesPaging(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(`WHERE user_id = \$1 ORDER BY created_at, id OFFSET \$2 LIMIT \$3`).
		WithArgs("u1", 0, maxPageLimit).
		WillReturnRows(pgxmock.NewRows(orderColumns))

	result, err := repo.ListByUser(context.Background(), "u1", -5, 50000)

	require.NoError(t, err)
	assert.Empty(t, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func orderInsertArgs(order *Order) []any {
	return []any{
		order.ID, order.UserID, string(order.Status), order.TotalAmount, order.ShippingAddress,
		order.BillingAddress, order.Notes, order.CreatedAt, order.UpdatedAt,
	}
}

func itemInsertArgs(order *Order, item *OrderItem) []any {
	return []any{
		item.ID, order.ID, item.ProductID, item.ProductName, item.Quantity,
		item.UnitPrice, item.TotalPrice, item.CreatedAt,
	}
}

func TestRepository_Create_InsertsOrderAndItemsInOneTransaction(t *testing.T) {
	repo, mock := newMockRepository(t)

	items := []*OrderItem{
		NewOrderItem("p1", "Keyboard", decimal.RequireFromString("99.99"), 2),
		NewOrderItem("p2", "Mouse", decimal.RequireFromString("10.00"), 1),
	}
	order := NewOrder("u1", "1 Main St", "2 Side St", nil, items)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO orders`).
		WithArgs(orderInsertArgs(order)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO order_items`).
		WithArgs(itemInsertArgs(order, items[0])...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO order_items`).
		WithArgs(itemInsertArgs(order, items[1])...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := repo.Create(context.Background(), order, items)

	require.NoError(t, err)
	assert.Len(t, order.Items, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Create_RollsBackWhenAnItemFails(t *testing.T) {
	repo, mock := newMockRepository(t)

	items := []*OrderItem{
		NewOrderItem("p1", "Keyboard", decimal.RequireFromString("99.99"), 2),
		NewOrderItem("p2", "Mouse", decimal.RequireFromString("10.00"), 1),
	}
	order := NewOrder("u1", "1 Main St", "2 Side St", nil, items)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO orders`).
		WithArgs(orderInsertArgs(order)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO order_items`).
		WithArgs(itemInsertArgs(order, items[0])...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO order_items`).
		WithArgs(itemInsertArgs(order, items[1])...).
		WillReturnError(errors.New("unique violation"))
	mock.ExpectRollback()

	err := repo.Create(context.Background(), order, items)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert order item p2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Create_CommitFailureRollsBack(t *testing.T) {
	repo, mock := newMockRepository(t)

	order := NewOrder("u1", "1 Main St", "2 Side St", nil, nil)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO orders`).
		WithArgs(orderInsertArgs(order)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection lost"))
	mock.ExpectRollback()

	err := repo.Create(context.Background(), order, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_UpdateStatus(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockOrderPattern).
		WithArgs("o1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("pending"))
	mock.ExpectExec(`UPDATE orders SET status = \$1, updated_at = \$2 WHERE id = \$3`).
		WithArgs("processing", pgxmock.AnyArg(), "o1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(selectOrderByIDPattern).
		WithArgs("o1").
		WillReturnRows(orderRow(pgxmock.NewRows(orderColumns), "o1", "u1", "processing", "0.00"))
	mock.ExpectQuery(selectItemsPattern).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(itemColumns))
	mock.ExpectCommit()

	order, err := repo.UpdateStatus(context.Background(), "o1", OrderStatusProcessing)

	require.NoError(t, err)
	assert.Equal(t, OrderStatusProcessing, order.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_UpdateStatus_InvalidTransitionRollsBack(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockOrderPattern).
		WithArgs("o1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("shipped"))
	mock.ExpectRollback()

	order, err := repo.UpdateStatus(context.Background(), "o1", OrderStatusCancelled)

	assert.Nil(t, order)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_UpdateStatus_NotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockOrderPattern).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.UpdateStatus(context.Background(), "missing", OrderStatusProcessing)

	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Cancel(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockOrderPattern).
		WithArgs("o1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("processing"))
	mock.ExpectExec(`UPDATE orders`).
		WithArgs("cancelled", pgxmock.AnyArg(), "o1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(selectOrderByIDPattern).
		WithArgs("o1").
		WillReturnRows(orderRow(pgxmock.NewRows(orderColumns), "o1", "u1", "cancelled", "0.00"))
	mock.ExpectQuery(selectItemsPattern).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(itemColumns))
	mock.ExpectCommit()

	order, cancelled, err := repo.Cancel(context.Background(), "o1")

	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, OrderStatusCancelled, order.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Cancel_NotCancellableIsANoOp(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockOrderPattern).
		WithArgs("o1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("shipped"))
	mock.ExpectQuery(selectOrderByIDPattern).
		WithArgs("o1").
		WillReturnRows(orderRow(pgxmock.NewRows(orderColumns), "o1", "u1", "shipped", "0.00"))
	mock.ExpectQuery(selectItemsPattern).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(itemColumns))
	mock.ExpectCommit()

	order, cancelled, err := repo.Cancel(context.Background(), "o1")

	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, OrderStatusShipped, order.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Cancel_AlreadyCancelledReportsNoChange(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockOrderPattern).
		WithArgs("o1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("cancelled"))
	mock.ExpectQuery(selectOrderByIDPattern).
		WithArgs("o1").
		WillReturnRows(orderRow(pgxmock.NewRows(orderColumns), "o1", "u1", "cancelled", "12.50"))
	mock.ExpectQuery(selectItemsPattern).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(itemColumns))
	mock.ExpectCommit()

	order, cancelled, err := repo.Cancel(context.Background(), "o1")

	require.NoError(t, err)
	assert.False(t, cancelled, "no status write happened")
	assert.Equal(t, OrderStatusCancelled, order.Status)
	assert.Equal(t, "12.50", order.TotalAmount.StringFixed(2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_UpdateStatus_TerminalOrderIsRejected(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockOrderPattern).
		WithArgs("o1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("delivered"))
	mock.ExpectRollback()

	_, err := repo.UpdateStatus(context.Background(), "o1", OrderStatusCancelled)

	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorContains(t, err, "can no longer change")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNormalizePage(t *testing.T) {
	tests := []struct {
		name                string
		skip, limit         int
		wantSkip, wantLimit int
	}{
		{"defaults", 0, 0, 0, defaultPageLimit},
		{"negative skip", -1, 10, 0, 10},
		{"capped limit", 5, maxPageLimit + 1, 5, maxPageLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			skip, limit := normalizePage(tt.skip, tt.limit)
			assert.Equal(t, tt.wantSkip, skip)
			assert.Equal(t, tt.wantLimit, limit)
		})
	}
}
