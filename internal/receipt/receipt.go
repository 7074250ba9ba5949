// Package receipt turns a booking, its lines and its latest payment into a
// receipt document. Rendering formats plug in through Renderer.
package receipt

import (
	"context"
	"errors"
	"io"
	"time"

	"booking-service/internal/auth"
	"booking-service/internal/models"
	"booking-service/internal/service"
	"booking-service/internal/store"
)

// Payment section states shown when no payment has settled the booking
const (
	StatusAwaitingPayment = "pending"
	NotePaymentPending    = "Payment pending"
	NoteAwaitingGateway   = "Awaiting confirmation from M-Pesa"
	NoteNotCompleted      = "Last payment attempt did not complete"
)

// Receipt is the structured receipt payload
type Receipt struct {
	BookingNumber string         `json:"booking_number"`
	BookingStatus string         `json:"booking_status"`
	EventDate     string         `json:"event_date"`
	EventTime     string         `json:"event_time,omitempty"`
	Venue         string         `json:"venue,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	Package       *PackageLine   `json:"package,omitempty"`
	Items         []Line         `json:"items"`
	Total         int64          `json:"total_amount"`
	AmountPaid    int64          `json:"amount_paid"`
	BalanceDue    int64          `json:"balance_due"`
	Payment       PaymentSection `json:"payment"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Line is one booked service
type Line struct {
	ServiceName string `json:"service_name"`
	Category    string `json:"category"`
	Provider    string `json:"provider"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Subtotal    int64  `json:"subtotal"`
}

// PackageLine describes a booked package
type PackageLine struct {
	Name     string `json:"name"`
	Includes string `json:"includes"`
	Price    int64  `json:"price"`
}

// PaymentSection is always present, even before any payment
type PaymentSection struct {
	Status  string     `json:"status"`
	Amount  int64      `json:"amount,omitempty"`
	Phone   string     `json:"phone,omitempty"`
	Receipt string     `json:"receipt,omitempty"`
	PaidAt  *time.Time `json:"paid_at,omitempty"`
	Note    string     `json:"note,omitempty"`
}

// Build composes a receipt. payment is the latest attempt and may be nil;
// pkg is set for package bookings.
func Build(booking *models.Booking, items []models.BookingItem, pkg *models.Package, payment *models.Payment) *Receipt {
	r := &Receipt{
		BookingNumber: booking.BookingNumber,
		BookingStatus: booking.Status,
		EventDate:     booking.EventDate.Format("2006-01-02"),
		EventTime:     deref(booking.EventTime),
		Venue:         deref(booking.Venue),
		Notes:         deref(booking.Notes),
		Items:         make([]Line, 0, len(items)),
		Total:         booking.TotalAmount,
		CreatedAt:     booking.CreatedAt,
	}

	for _, it := range items {
		r.Items = append(r.Items, Line{
			ServiceName: it.ServiceName,
			Category:    it.Category,
			Provider:    it.ProviderName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Subtotal:    it.Subtotal,
		})
	}
	if pkg != nil {
		r.Package = &PackageLine{Name: pkg.Name, Includes: pkg.Includes, Price: pkg.Price}
	}

	r.Payment = paymentSection(payment)
	if payment != nil && payment.Status == models.PaymentStatusCompleted {
		r.AmountPaid = payment.Amount
	}
	r.BalanceDue = r.Total - r.AmountPaid
	if r.BalanceDue < 0 {
		r.BalanceDue = 0
	}
	return r
}

func paymentSection(p *models.Payment) PaymentSection {
	if p == nil {
		return PaymentSection{Status: StatusAwaitingPayment, Note: NotePaymentPending}
	}

	sec := PaymentSection{
		Status: p.Status,
		Amount: p.Amount,
		Phone:  MaskPhone(p.Phone),
		PaidAt: p.PaidAt,
	}
	switch p.Status {
	case models.PaymentStatusCompleted:
		sec.Receipt = deref(p.Receipt)
	case models.PaymentStatusPending:
		sec.Note = NoteAwaitingGateway
	default:
		sec.Note = NoteNotCompleted
	}
	return sec
}

// MaskPhone hides the middle digits of a payer number
func MaskPhone(phone string) string {
	if len(phone) < 8 {
		return phone
	}
	return phone[:4] + "****" + phone[len(phone)-4:]
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Source loads what a receipt needs. *store.Store implements it.
type Source interface {
	GetBookingByID(ctx context.Context, id int64) (*models.Booking, error)
	GetBookingItems(ctx context.Context, bookingID int64) ([]models.BookingItem, error)
	GetPackageByID(ctx context.Context, id int64) (*models.Package, error)
	GetLatestPaymentForBooking(ctx context.Context, bookingID int64) (*models.Payment, error)
}

// Renderer produces a document from a receipt
type Renderer interface {
	ContentType() string
	Render(w io.Writer, r *Receipt) error
}

// Assembler loads receipt data and hands it to a renderer
type Assembler struct {
	source   Source
	renderer Renderer
}

// NewAssembler creates an assembler. A nil renderer means JSON.
func NewAssembler(source Source, renderer Renderer) *Assembler {
	if renderer == nil {
		renderer = JSONRenderer{}
	}
	return &Assembler{source: source, renderer: renderer}
}

// Assemble builds the receipt for bookingID. Only the owner and admins may
// see it.
func (a *Assembler) Assemble(ctx context.Context, actor auth.Identity, bookingID int64) (*Receipt, error) {
	booking, err := a.source.GetBookingByID(ctx, bookingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &service.NotFoundError{Resource: "booking", ID: bookingID}
	}
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleAdmin && booking.UserID != actor.UserID {
		return nil, service.ErrForbidden
	}

	items, err := a.source.GetBookingItems(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	var pkg *models.Package
	if booking.PackageID != nil {
		pkg, err = a.source.GetPackageByID(ctx, *booking.PackageID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	payment, err := a.source.GetLatestPaymentForBooking(ctx, bookingID)
	if errors.Is(err, store.ErrNotFound) {
		payment = nil
	} else if err != nil {
		return nil, err
	}

	return Build(booking, items, pkg, payment), nil
}

// Render assembles the receipt and writes it with the configured renderer.
// It returns the content type written.
func (a *Assembler) Render(ctx context.Context, actor auth.Identity, bookingID int64, w io.Writer) (string, error) {
	r, err := a.Assemble(ctx, actor, bookingID)
	if err != nil {
		return "", err
	}
	if err := a.renderer.Render(w, r); err != nil {
		return "", err
	}
	return a.renderer.ContentType(), nil
}
