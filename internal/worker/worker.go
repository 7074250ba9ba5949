package worker

import (
	"context"

	"booking-service/internal/broker"
	"booking-service/internal/service"
	"booking-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageSource is the part of broker.Consumer the worker drives
type messageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// BookingWorker confirms bookings once their payment completes
type BookingWorker struct {
	consumer     messageSource
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewBookingWorker creates a new booking worker
func NewBookingWorker(consumer *broker.Consumer, saga *service.BookingSaga) *BookingWorker {
	return newBookingWorker(consumer, saga)
}

func newBookingWorker(consumer messageSource, saga *service.BookingSaga) *BookingWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnPaymentCompleted(saga.HandlePaymentCompleted)
	eventHandler.OnPaymentFailed(saga.HandlePaymentFailed)

	return &BookingWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Handle processes one message
func (w *BookingWorker) Handle(ctx context.Context, msg kafka.Message) error {
	return w.eventHandler.HandleMessage(ctx, msg)
}

// Start consumes until ctx is cancelled
func (w *BookingWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting booking worker")
	return w.consumer.StartConsuming(ctx, w.Handle)
}

// Stop stops the worker
func (w *BookingWorker) Stop() error {
	w.logger.Info("Stopping booking worker")
	return w.consumer.Close()
}
