package store

import (
	"context"
	"database/sql"
	"fmt"

	"booking-service/internal/models"
)

const paymentColumns = `id, booking_id, amount, phone, status, merchant_request_id, checkout_request_id,
	receipt, result_desc, paid_at, created_at, updated_at`

// CreatePayment creates a new payment record
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (booking_id, amount, phone, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, payment, query,
		payment.BookingID, payment.Amount, payment.Phone, payment.Status)
}

// AttachCorrelation records the gateway's request ids on a pending payment
func (s *Store) AttachCorrelation(ctx context.Context, paymentID int64, merchantRequestID, checkoutRequestID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET merchant_request_id = $1, checkout_request_id = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		merchantRequestID, checkoutRequestID, paymentID, models.PaymentStatusPending)
	if err != nil {
		return fmt.Errorf("failed to attach correlation ids: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("payment %d is no longer pending", paymentID)
	}
	return nil
}

// MarkPaymentRejected fails a pending payment the gateway refused outright.
// It returns false when the payment had already left Pending.
func (s *Store) MarkPaymentRejected(ctx context.Context, paymentID int64, resultDesc string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, result_desc = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		models.PaymentStatusFailed, resultDesc, paymentID, models.PaymentStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark payment rejected: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ApplyPaymentOutcome moves the Pending payment identified by
// checkoutRequestID into a terminal state in a single statement. It returns
// ErrNotFound when no pending payment carries that id, either because the id
// is unknown or because the payment is already terminal.
func (s *Store) ApplyPaymentOutcome(ctx context.Context, checkoutRequestID string, outcome models.PaymentOutcome) (*models.Payment, error) {
	var receipt *string
	if outcome.Receipt != "" {
		receipt = &outcome.Receipt
	}

	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, `
		UPDATE payments
		SET status = $1, receipt = $2, result_desc = $3, paid_at = $4, updated_at = NOW()
		WHERE checkout_request_id = $5 AND status = $6
		RETURNING `+paymentColumns,
		outcome.Status, receipt, outcome.ResultDesc, outcome.PaidAt,
		checkoutRequestID, models.PaymentStatusPending)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply payment outcome: %w", err)
	}
	return &payment, nil
}

// GetPaymentByID retrieves a payment by ID
func (s *Store) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment %d: %w", id, err)
	}
	return &payment, nil
}

// GetPaymentByCheckoutID retrieves a payment by the gateway checkout id
func (s *Store) GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payments WHERE checkout_request_id = $1", checkoutRequestID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment by checkout id: %w", err)
	}
	return &payment, nil
}

// GetLatestPaymentForBooking retrieves the most recent payment attempt
func (s *Store) GetLatestPaymentForBooking(ctx context.Context, bookingID int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payments WHERE booking_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1",
		bookingID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest payment: %w", err)
	}
	return &payment, nil
}

// HasCompletedPayment checks whether a booking is already paid
func (s *Store) HasCompletedPayment(ctx context.Context, bookingID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM payments WHERE booking_id = $1 AND status = $2)",
		bookingID, models.PaymentStatusCompleted)
	return exists, err
}
