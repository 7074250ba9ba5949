package service

import (
	"context"
	"fmt"

	"booking-service/internal/models"
	"booking-service/internal/store"
	"booking-service/internal/util"

	"go.uber.org/zap"
)

// BookingSaga reacts to payment events on behalf of bookings
type BookingSaga struct {
	store  *store.Store
	logger *zap.Logger
}

// NewBookingSaga creates a new booking saga
func NewBookingSaga(store *store.Store) *BookingSaga {
	return &BookingSaga{
		store:  store,
		logger: util.GetLogger(),
	}
}

// HandlePaymentCompleted confirms the paid booking. Redelivered events are
// skipped via processed_events.
func (bs *BookingSaga) HandlePaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error {
	ctx, span := util.StartSpan(ctx, "BookingSaga.HandlePaymentCompleted")
	defer span.End()

	processed, err := bs.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		bs.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	confirmed, err := bs.store.ConfirmBookingIfPending(ctx, event.BookingID)
	if err != nil {
		return err
	}
	if confirmed {
		util.BookingsConfirmedTotal.Inc()
		bs.logger.Info("Booking confirmed",
			zap.Int64("booking_id", event.BookingID),
			zap.Int64("payment_id", event.PaymentID))
	} else {
		bs.logger.Info("Booking not pending, left unchanged",
			zap.Int64("booking_id", event.BookingID))
	}

	if err := bs.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		bs.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

// HandlePaymentFailed only records the event. The booking stays pending so
// the client can try another payment.
func (bs *BookingSaga) HandlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	processed, err := bs.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		return nil
	}

	bs.logger.Info("Payment attempt failed",
		zap.Int64("booking_id", event.BookingID),
		zap.Int64("payment_id", event.PaymentID),
		zap.String("status", event.Status),
		zap.String("reason", event.Reason))

	if err := bs.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		bs.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}
