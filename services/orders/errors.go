package main

import (
	"errors"
	"net/http"

	"github.com/matheusmosca/order-fulfillment/pkg/lock"
)

// Rejections surfaced to the caller, never retried.
var (
	ErrValidation        = errors.New("validation failed")
	ErrOrderNotFound     = errors.New("order not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNotCancellable    = errors.New("order cannot be cancelled")
)

// Transient failures of remote collaborators.
var (
	ErrCatalogUnavailable  = errors.New("catalog unavailable")
	ErrServiceUnavailable  = errors.New("service unavailable")
	ErrIdentityUnavailable = errors.New("identity service unavailable")
	ErrUserNotFound        = errors.New("user not found")
)

// Causes reported by a processing run.
var (
	ErrStockVerification    = errors.New("stock verification failed")
	ErrIdentityVerification = errors.New("identity verification failed")
	ErrStatusChanged        = errors.New("order status changed concurrently")
)

// statusFromError maps the error taxonomy to an HTTP status code.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, ErrValidation), errors.Is(err, ErrProductNotFound), errors.Is(err, ErrInsufficientStock):
		return http.StatusBadRequest
	case errors.Is(err, ErrCatalogUnavailable), errors.Is(err, ErrServiceUnavailable), errors.Is(err, lock.ErrLockUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
