package main

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order, stored by its canonical name.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// Order represents a buyer's order and its line items
type Order struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	Status          OrderStatus     `json:"status" db:"status"`
	TotalAmount     decimal.Decimal `json:"total_amount" db:"total_amount"`
	ShippingAddress string          `json:"shipping_address" db:"shipping_address"`
	BillingAddress  string          `json:"billing_address" db:"billing_address"`
	Notes           *string         `json:"notes,omitempty" db:"notes"`
	Items           []*OrderItem    `json:"items"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// OrderItem is an immutable line of an order. Product name and unit price are
// snapshots taken when the order was created.
type OrderItem struct {
	ID          string          `json:"id" db:"id"`
	OrderID     string          `json:"order_id" db:"order_id"`
	ProductID   string          `json:"product_id" db:"product_id"`
	ProductName string          `json:"product_name" db:"product_name"`
	Quantity    int             `json:"quantity" db:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price" db:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price" db:"total_price"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// NewOrder creates a pending order owning the given items. The total is the
// sum of the items' total prices.
func NewOrder(userID, shippingAddress, billingAddress string, notes *string, items []*OrderItem) *Order {
	now := time.Now().UTC()
	order := &Order{
		ID:              uuid.New().String(),
		UserID:          userID,
		Status:          OrderStatusPending,
		ShippingAddress: shippingAddress,
		BillingAddress:  billingAddress,
		Notes:           notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	for _, item := range items {
		item.OrderID = order.ID
	}
	order.Items = items
	order.TotalAmount = order.ItemsTotal()

	return order
}

// NewOrderItem snapshots a catalog product into an order line.
func NewOrderItem(productID, productName string, unitPrice decimal.Decimal, quantity int) *OrderItem {
	return &OrderItem{
		ID:          uuid.New().String(),
		ProductID:   productID,
		ProductName: productName,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		TotalPrice:  unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
		CreatedAt:   time.Now().UTC(),
	}
}

// ItemsTotal recomputes the sum of the items' total prices.
func (o *Order) ItemsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.TotalPrice)
	}
	return total
}
