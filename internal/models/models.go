package models

import "time"

// Service is the catalog projection read when pricing a booking line
type Service struct {
	ID           int64  `db:"id" json:"id"`
	ProviderID   int64  `db:"provider_id" json:"provider_id"`
	ProviderName string `db:"provider_name" json:"provider_name"`
	Name         string `db:"name" json:"name"`
	Category     string `db:"category" json:"category"`
	Price        int64  `db:"price" json:"price"`
	Status       string `db:"status" json:"status"`
}

// Package is a pre-priced bundle of services
type Package struct {
	ID         int64  `db:"id" json:"id"`
	ProviderID int64  `db:"provider_id" json:"provider_id"`
	Name       string `db:"name" json:"name"`
	Price      int64  `db:"price" json:"price"`
	Includes   string `db:"includes" json:"includes"`
	Status     string `db:"status" json:"status"`
}

// Booking is the header row of a client booking
type Booking struct {
	ID            int64     `db:"id" json:"id"`
	BookingNumber string    `db:"booking_number" json:"booking_number"`
	UserID        int64     `db:"user_id" json:"user_id"`
	UserRole      string    `db:"user_role" json:"user_role"`
	PackageID     *int64    `db:"package_id" json:"package_id,omitempty"`
	EventDate     time.Time `db:"event_date" json:"event_date"`
	EventTime     *string   `db:"event_time" json:"event_time,omitempty"`
	Venue         *string   `db:"venue" json:"venue,omitempty"`
	Notes         *string   `db:"notes" json:"notes,omitempty"`
	TotalAmount   int64     `db:"total_amount" json:"total_amount"`
	Status        string    `db:"status" json:"status"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// BookingItem is one priced line of a booking. Name, category and provider
// are copied from the catalog at booking time and never change afterwards.
type BookingItem struct {
	ID           int64  `db:"id" json:"id"`
	BookingID    int64  `db:"booking_id" json:"booking_id"`
	ServiceID    int64  `db:"service_id" json:"service_id"`
	ServiceName  string `db:"service_name" json:"service_name"`
	Category     string `db:"category" json:"category"`
	ProviderID   int64  `db:"provider_id" json:"provider_id"`
	ProviderName string `db:"provider_name" json:"provider_name"`
	Quantity     int    `db:"quantity" json:"quantity"`
	UnitPrice    int64  `db:"unit_price" json:"unit_price"`
	Subtotal     int64  `db:"subtotal" json:"subtotal"`
}

// Payment is a single push-payment attempt against a booking
type Payment struct {
	ID                int64      `db:"id" json:"id"`
	BookingID         int64      `db:"booking_id" json:"booking_id"`
	Amount            int64      `db:"amount" json:"amount"`
	Phone             string     `db:"phone" json:"phone"`
	Status            string     `db:"status" json:"status"`
	MerchantRequestID *string    `db:"merchant_request_id" json:"merchant_request_id,omitempty"`
	CheckoutRequestID *string    `db:"checkout_request_id" json:"checkout_request_id,omitempty"`
	Receipt           *string    `db:"receipt" json:"receipt,omitempty"`
	ResultDesc        *string    `db:"result_desc" json:"result_desc,omitempty"`
	PaidAt            *time.Time `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether no further transition is allowed
func (p *Payment) IsTerminal() bool {
	return p.Status != PaymentStatusPending
}

// Catalog statuses that allow booking
const (
	ServiceStatusAvailable = "available"
	PackageStatusActive    = "active"
)

// Booking statuses
const (
	BookingStatusPending   = "pending"
	BookingStatusConfirmed = "confirmed"
	BookingStatusCompleted = "completed"
	BookingStatusCancelled = "cancelled"
)

// Payment statuses
const (
	PaymentStatusPending   = "Pending"
	PaymentStatusCompleted = "Completed"
	PaymentStatusFailed    = "Failed"
	PaymentStatusCancelled = "Cancelled"
)

// Roles
const (
	RoleClient   = "client"
	RoleProvider = "provider"
	RoleAdmin    = "admin"
)

// PaymentOutcome is a terminal result reported by the gateway
type PaymentOutcome struct {
	Status     string
	Receipt    string
	ResultDesc string
	PaidAt     *time.Time
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
