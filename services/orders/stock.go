package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Locker runs a critical section under a distributed lock
type Locker interface {
	WithLock(ctx context.Context, resourceID string, timeout time.Duration, fn func(ctx context.Context) error) error
}

func stockLockKey(productID string) string {
	return "product_stock:" + productID
}

// StockKeeper mutates catalog stock, always under the product's lock and
// always from a fresh read.
type StockKeeper struct {
	catalog     Catalog
	locker      Locker
	lockTimeout time.Duration
	logger      *zap.Logger
	metrics     *Metrics
}

// NewStockKeeper creates a new StockKeeper
func NewStockKeeper(catalog Catalog, locker Locker, lockTimeout time.Duration, logger *zap.Logger, metrics *Metrics) *StockKeeper {
	return &StockKeeper{
		catalog:     catalog,
		locker:      locker,
		lockTimeout: lockTimeout,
		logger:      logger,
		metrics:     metrics,
	}
}

// Reserve decrements the product's stock by quantity. It fails with
// ErrInsufficientStock when not enough stock remains and with
// ErrServiceUnavailable when the lock or the catalog is unavailable.
func (s *StockKeeper) Reserve(ctx context.Context, productID string, quantity int) error {
	err := s.locker.WithLock(ctx, stockLockKey(productID), s.lockTimeout, func(ctx context.Context) error {
		product, err := s.catalog.GetProduct(ctx, productID)
		if err != nil {
			return err
		}

		if product.Stock < quantity {
			return fmt.Errorf("%w for product %s: requested %d, available %d",
				ErrInsufficientStock, productID, quantity, product.Stock)
		}

		return s.catalog.UpdateStock(ctx, productID, product.Stock-quantity)
	})

	switch {
	case err == nil:
		s.logger.Info("✅ stock reserved", zap.String("product_id", productID), zap.Int("quantity", quantity))
		return nil
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrProductNotFound):
		return err
	default:
		return fmt.Errorf("%w: could not reserve stock for product %s: %w", ErrServiceUnavailable, productID, err)
	}
}

// Restore adds quantity back to the product's stock
func (s *StockKeeper) Restore(ctx context.Context, productID string, quantity int) error {
	err := s.locker.WithLock(ctx, stockLockKey(productID), s.lockTimeout, func(ctx context.Context) error {
		product, err := s.catalog.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		return s.catalog.UpdateStock(ctx, productID, product.Stock+quantity)
	})
	if err != nil {
		s.metrics.StockRestored(ctx, false)
		return fmt.Errorf("failed to restore %d units of product %s: %w", quantity, productID, err)
	}

	s.metrics.StockRestored(ctx, true)
	s.logger.Info("↩️ stock restored", zap.String("product_id", productID), zap.Int("quantity", quantity))
	return nil
}
