package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/matheusmosca/order-fulfillment/pkg/lock"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// memoryRepository is an in-memory Repository honouring the state machine
type memoryRepository struct {
	mu          sync.Mutex
	orders      map[string]*Order
	createErr   error
	updateErr   map[OrderStatus]error
	statusTrail map[string][]OrderStatus
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		orders:      make(map[string]*Order),
		updateErr:   make(map[OrderStatus]error),
		statusTrail: make(map[string][]OrderStatus),
	}
}

func cloneOrder(o *Order) *Order {
	c := *o
	c.Items = make([]*OrderItem, 0, len(o.Items))
	for _, item := range o.Items {
		copied := *item
		c.Items = append(c.Items, &copied)
	}
	return &c
}

func (r *memoryRepository) GetByID(_ context.Context, orderID string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (r *memoryRepository) sorted(filter func(*Order) bool) []*Order {
	var out []*Order
	for _, o := range r.orders {
		if filter(o) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func page(orders []*Order, skip, limit int) []*Order {
	skip, limit = normalizePage(skip, limit)
	if skip >= len(orders) {
		return []*Order{}
	}
	end := skip + limit
	if end > len(orders) {
		end = len(orders)
	}
	return orders[skip:end]
}

func (r *memoryRepository) ListByUser(_ context.Context, userID string, skip, limit int) ([]*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return page(r.sorted(func(o *Order) bool { return o.UserID == userID }), skip, limit), nil
}

func (r *memoryRepository) List(_ context.Context, skip, limit int) ([]*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return page(r.sorted(func(*Order) bool { return true }), skip, limit), nil
}

func (r *memoryRepository) Create(_ context.Context, order *Order, items []*OrderItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.createErr != nil {
		return r.createErr
	}
	stored := cloneOrder(order)
	stored.Items = nil
	for _, item := range items {
		copied := *item
		stored.Items = append(stored.Items, &copied)
	}
	r.orders[order.ID] = stored
	return nil
}

func (r *memoryRepository) UpdateStatus(_ context.Context, orderID string, status OrderStatus) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.updateErr[status]; err != nil {
		return nil, err
	}
	order, ok := r.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if IsTerminal(order.Status) {
		return nil, fmt.Errorf("%w: order %s is %s and can no longer change", ErrInvalidTransition, orderID, order.Status)
	}
	if err := ValidateTransition(order.Status, status); err != nil {
		return nil, err
	}
	order.Status = status
	order.UpdatedAt = time.Now().UTC()
	r.statusTrail[orderID] = append(r.statusTrail[orderID], status)
	return cloneOrder(order), nil
}

func (r *memoryRepository) Cancel(_ context.Context, orderID string) (*Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return nil, false, ErrOrderNotFound
	}
	if !CanCancel(order.Status) {
		return cloneOrder(order), false, nil
	}
	order.Status = OrderStatusCancelled
	order.UpdatedAt = time.Now().UTC()
	r.statusTrail[orderID] = append(r.statusTrail[orderID], OrderStatusCancelled)
	return cloneOrder(order), true, nil
}

func (r *memoryRepository) put(order *Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = cloneOrder(order)
}

func (r *memoryRepository) status(orderID string) OrderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[orderID].Status
}

func (r *memoryRepository) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

// fakeCatalog serves the product REST contract from memory
type fakeCatalog struct {
	mu        sync.Mutex
	products  map[string]*Product
	failGets  map[string]bool
	failPatch map[string]bool
	patches   int

	server *httptest.Server
	client *CatalogClient
}

func newFakeCatalog(t *testing.T, products ...*Product) *fakeCatalog {
	t.Helper()

	f := &fakeCatalog{
		products:  make(map[string]*Product),
		failGets:  make(map[string]bool),
		failPatch: make(map[string]bool),
	}
	for _, p := range products {
		copied := *p
		f.products[p.ID] = &copied
	}

	r := gin.New()
	r.GET("/products/:id", f.getProduct)
	r.PATCH("/products/:id/stock", f.patchStock)

	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	f.client = NewCatalogClient(f.server.URL, 2*time.Second)
	return f
}

func (f *fakeCatalog) getProduct(c *gin.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := c.Param("id")
	if f.failGets[id] {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "catalog exploded"})
		return
	}
	p, ok := f.products[id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Product not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (f *fakeCatalog) patchStock(c *gin.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := c.Param("id")
	if f.failPatch[id] {
		c.JSON(http.StatusBadGateway, gin.H{"detail": "write failed"})
		return
	}
	p, ok := f.products[id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Product not found"})
		return
	}
	var body stockUpdate
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	p.Stock = body.Stock
	f.patches++
	c.JSON(http.StatusOK, p)
}

func (f *fakeCatalog) stock(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.products[id].Stock
}

func (f *fakeCatalog) setStock(id string, stock int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products[id].Stock = stock
}

func (f *fakeCatalog) failGet(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGets[id] = true
}

func (f *fakeCatalog) patchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patches
}

func product(id, price string, stock int) *Product {
	return &Product{ID: id, Name: "Product " + id, Price: decimal.RequireFromString(price), Stock: stock}
}

// identityFunc adapts a function to Identity
type identityFunc func(ctx context.Context, userID string) error

func (f identityFunc) VerifyUser(ctx context.Context, userID string) error {
	return f(ctx, userID)
}

func allowAll() Identity {
	return identityFunc(func(context.Context, string) error { return nil })
}

// recordingPublisher keeps the ids it was asked to publish
type recordingPublisher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.ids = append(p.ids, orderID)
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

func newTestLocks(t *testing.T) (*lock.Manager, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return lock.NewManager(client, zaptest.NewLogger(t), lock.WithRetryInterval(5*time.Millisecond)), mr
}

// fixture wires the use case and the saga over in-memory and fake collaborators
type fixture struct {
	repo      *memoryRepository
	catalog   *fakeCatalog
	publisher *recordingPublisher
	stock     *StockKeeper
	saga      *OrderSaga
	useCase   *OrderUseCase
	redis     *miniredis.Miniredis
}

func newFixture(t *testing.T, identity Identity, products ...*Product) *fixture {
	t.Helper()

	logger := zaptest.NewLogger(t)
	locks, mr := newTestLocks(t)

	f := &fixture{
		repo:      newMemoryRepository(),
		catalog:   newFakeCatalog(t, products...),
		publisher: &recordingPublisher{},
		redis:     mr,
	}
	f.stock = NewStockKeeper(f.catalog.client, locks, 500*time.Millisecond, logger, nil)
	f.saga = NewOrderSaga(f.repo, f.catalog.client, identity, f.stock, logger, nil)
	f.useCase = NewOrderUseCase(f.repo, f.catalog.client, f.stock, f.publisher, f.saga, logger, nil)
	return f
}

func (f *fixture) createOrder(t *testing.T, lines ...CreateOrderItemRequest) *Order {
	t.Helper()

	order, err := f.useCase.CreateOrder(context.Background(), CreateOrderRequest{
		UserID:          "user-1",
		ShippingAddress: "1 Shipping Street",
		BillingAddress:  "1 Billing Street",
		Items:           lines,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func line(productID string, qty int) CreateOrderItemRequest {
	return CreateOrderItemRequest{ProductID: productID, Quantity: qty}
}

var errBoom = errors.New("boom")
