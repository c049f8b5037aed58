package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Product is the catalog's view of a product
type Product struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

// Catalog abstracts the product service's REST contract
type Catalog interface {
	GetProduct(ctx context.Context, productID string) (*Product, error)
	UpdateStock(ctx context.Context, productID string, stock int) error
}

// CatalogClient implements Catalog over HTTP
type CatalogClient struct {
	client *resty.Client
}

// NewCatalogClient creates a client for the product service. Every call is
// bounded by timeout.
func NewCatalogClient(baseURL string, timeout time.Duration) *CatalogClient {
	return &CatalogClient{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

// GetProduct reads the current product data, including stock
func (c *CatalogClient) GetProduct(ctx context.Context, productID string) (*Product, error) {
	var product Product
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", productID).
		SetResult(&product).
		Get("/products/{id}")
	if err != nil {
		return nil, fmt.Errorf("%w: get product %s: %w", ErrCatalogUnavailable, productID, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	case resp.IsError():
		return nil, fmt.Errorf("%w: get product %s: status %d", ErrCatalogUnavailable, productID, resp.StatusCode())
	}

	if product.ID == "" {
		product.ID = productID
	}
	return &product, nil
}

type stockUpdate struct {
	Stock int `json:"stock"`
}

// UpdateStock writes the new absolute stock value of a product
func (c *CatalogClient) UpdateStock(ctx context.Context, productID string, stock int) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", productID).
		SetBody(stockUpdate{Stock: stock}).
		Patch("/products/{id}/stock")
	if err != nil {
		return fmt.Errorf("%w: update stock of %s: %w", ErrCatalogUnavailable, productID, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	case resp.IsError():
		return fmt.Errorf("%w: update stock of %s: status %d", ErrCatalogUnavailable, productID, resp.StatusCode())
	}
	return nil
}
