package service

import (
	"errors"
	"fmt"
)

// ErrForbidden is returned when the caller may not act on a resource
var ErrForbidden = errors.New("forbidden")

// ErrBookingNumberExhausted is returned when every attempt to issue a
// booking number collided with a concurrent booking
var ErrBookingNumberExhausted = errors.New("could not allocate a booking number, try again")

// ValidationError rejects input before anything is written
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError names a missing or unavailable resource
type NotFoundError struct {
	Resource string
	ID       int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found or unavailable", e.Resource, e.ID)
}

// ConflictError reports a request that clashes with current state
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// GatewayError wraps a payment gateway failure. PaymentID is set when a
// payment row was already written.
type GatewayError struct {
	Op        string
	PaymentID int64
	Err       error
}

func (e *GatewayError) Error() string {
	if e.PaymentID != 0 {
		return fmt.Sprintf("payment gateway %s failed for payment %d: %v", e.Op, e.PaymentID, e.Err)
	}
	return fmt.Sprintf("payment gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }
