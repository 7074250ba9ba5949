package store

import (
	"errors"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// Constraint names from migrations/001_init.sql
const (
	ConstraintBookingNumber       = "bookings_booking_number_key"
	ConstraintOneCompletedPayment = "payments_one_completed_per_booking"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
)

// IsUniqueViolation reports whether err is a unique violation on constraint.
// An empty constraint matches any unique violation.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == codeUniqueViolation && (constraint == "" || pqErr.Constraint == constraint)
}

// IsSerializationFailure reports whether the transaction lost a
// serializable conflict and can be retried
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == codeSerializationFailure
}
