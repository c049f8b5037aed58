package main

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// allowedTransitions maps each status to the statuses it may move to.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
	OrderStatusDelivered:  {},
	OrderStatusCancelled:  {},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error wrapping ErrInvalidTransition when the
// move is not in the transition table.
func ValidateTransition(from, to OrderStatus) error {
	if CanTransition(from, to) {
		return nil
	}

	allowed := make([]string, 0, len(allowedTransitions[from]))
	for _, next := range allowedTransitions[from] {
		allowed = append(allowed, string(next))
	}

	return fmt.Errorf("%w from %s to %s, allowed transitions: [%s]",
		ErrInvalidTransition, from, to, strings.Join(allowed, ", "))
}

// CanCancel is true only for pending and processing orders.
func CanCancel(status OrderStatus) bool {
	return status == OrderStatusPending || status == OrderStatusProcessing
}

// IsTerminal reports statuses no operation may leave.
func IsTerminal(status OrderStatus) bool {
	next, known := allowedTransitions[status]
	return known && len(next) == 0
}

// ParseOrderStatus validates a status received from a client.
func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := allowedTransitions[status]; !ok {
		return "", fmt.Errorf("%w: unknown order status %q", ErrValidation, s)
	}
	return status, nil
}
