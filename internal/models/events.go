package models

import "time"

// Event types
const (
	EventTypeBookingCreated   = "BOOKING_CREATED"
	EventTypePaymentCompleted = "PAYMENT_COMPLETED"
	EventTypePaymentFailed    = "PAYMENT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// BookingCreatedEvent published once a booking transaction commits
type BookingCreatedEvent struct {
	BaseEvent
	BookingID     int64             `json:"booking_id"`
	BookingNumber string            `json:"booking_number"`
	UserID        int64             `json:"user_id"`
	PackageID     *int64            `json:"package_id,omitempty"`
	TotalAmount   int64             `json:"total_amount"`
	Items         []BookingItemData `json:"items,omitempty"`
}

// BookingItemData represents item data in events
type BookingItemData struct {
	ServiceID int64 `json:"service_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}

// PaymentCompletedEvent published when the gateway confirms a payment
type PaymentCompletedEvent struct {
	BaseEvent
	BookingID int64  `json:"booking_id"`
	PaymentID int64  `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Receipt   string `json:"receipt"`
}

// PaymentFailedEvent published when a payment ends Failed or Cancelled
type PaymentFailedEvent struct {
	BaseEvent
	BookingID int64  `json:"booking_id"`
	PaymentID int64  `json:"payment_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}
