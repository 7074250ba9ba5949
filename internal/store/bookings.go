package store

import (
	"context"
	"database/sql"
	"fmt"

	"booking-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const bookingColumns = `id, booking_number, user_id, user_role, package_id, event_date, event_time,
	venue, notes, total_amount, status, created_at`

const bookingItemColumns = `id, booking_id, service_id, service_name, category, provider_id,
	provider_name, quantity, unit_price, subtotal`

// NextBookingSequence issues the next sequence under dayPrefix from the
// booking_sequences counter. It runs outside the booking transaction so
// concurrent callers queue on the counter row instead of failing
// serialization; a booking that later rolls back leaves a gap. The first
// number of a day starts after any booking already stored under it.
func (s *Store) NextBookingSequence(ctx context.Context, dayPrefix string) (int, error) {
	var seq int
	err := s.db.GetContext(ctx, &seq, `
		INSERT INTO booking_sequences (day_prefix, seq)
		SELECT $1, COALESCE(MAX(CAST(SUBSTRING(booking_number FROM $3::int) AS INTEGER)), 0) + 1
		FROM bookings
		WHERE booking_number LIKE $2
		ON CONFLICT (day_prefix) DO UPDATE SET seq = booking_sequences.seq + 1
		RETURNING seq`,
		dayPrefix, dayPrefix+"%", len(dayPrefix)+1)
	if err != nil {
		return 0, fmt.Errorf("failed to issue booking sequence: %w", err)
	}
	return seq, nil
}

// InsertBookingTx inserts a booking header. A clash on the booking number
// surfaces as a unique violation on ConstraintBookingNumber.
func (s *Store) InsertBookingTx(ctx context.Context, tx *sqlx.Tx, booking *models.Booking) error {
	query := `
		INSERT INTO bookings (booking_number, user_id, user_role, package_id, event_date, event_time,
		                      venue, notes, total_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`

	return tx.GetContext(ctx, booking, query,
		booking.BookingNumber, booking.UserID, booking.UserRole, booking.PackageID, booking.EventDate,
		booking.EventTime, booking.Venue, booking.Notes, booking.TotalAmount, booking.Status)
}

// InsertBookingItemTx inserts one booking line
func (s *Store) InsertBookingItemTx(ctx context.Context, tx *sqlx.Tx, item *models.BookingItem) error {
	query := `
		INSERT INTO booking_items (booking_id, service_id, service_name, category, provider_id,
		                           provider_name, quantity, unit_price, subtotal)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	return tx.GetContext(ctx, &item.ID, query,
		item.BookingID, item.ServiceID, item.ServiceName, item.Category, item.ProviderID,
		item.ProviderName, item.Quantity, item.UnitPrice, item.Subtotal)
}

// UpdateBookingTotalTx sets the booking total
func (s *Store) UpdateBookingTotalTx(ctx context.Context, tx *sqlx.Tx, bookingID, total int64) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE bookings SET total_amount = $1 WHERE id = $2", total, bookingID)
	if err != nil {
		return fmt.Errorf("failed to update booking total: %w", err)
	}
	return nil
}

// GetBookingByID retrieves a booking by ID
func (s *Store) GetBookingByID(ctx context.Context, id int64) (*models.Booking, error) {
	var booking models.Booking
	err := s.db.GetContext(ctx, &booking,
		"SELECT "+bookingColumns+" FROM bookings WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking %d: %w", id, err)
	}
	return &booking, nil
}

// GetBookingItems retrieves all items for a booking in insertion order
func (s *Store) GetBookingItems(ctx context.Context, bookingID int64) ([]models.BookingItem, error) {
	var items []models.BookingItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT "+bookingItemColumns+" FROM booking_items WHERE booking_id = $1 ORDER BY id", bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to get booking items: %w", err)
	}
	return items, nil
}

// ConfirmBookingIfPending moves a pending booking to confirmed. It reports
// false when the booking was in any other state.
func (s *Store) ConfirmBookingIfPending(ctx context.Context, bookingID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE bookings SET status = $1 WHERE id = $2 AND status = $3",
		models.BookingStatusConfirmed, bookingID, models.BookingStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to confirm booking: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
