package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"booking-service/internal/auth"
	"booking-service/internal/bookingnumber"
	"booking-service/internal/models"
	"booking-service/internal/redisclient"
	"booking-service/internal/store"
	"booking-service/internal/util"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	eventDateLayout = "2006-01-02"
	eventTimeLayout = "15:04"

	idempotencyScopeBooking = "booking"
	idempotencyScopePackage = "package"

	maxQuantity = 10000
)

// EventPublisher publishes domain events after state has been committed
type EventPublisher interface {
	PublishBookingCreated(ctx context.Context, event *models.BookingCreatedEvent) error
	PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}

// IdempotencyStore remembers which booking a client-supplied key produced
type IdempotencyStore interface {
	ReserveIdempotencyKey(ctx context.Context, scope, key string, ttl time.Duration) (int64, bool, error)
	CompleteIdempotencyKey(ctx context.Context, scope, key string, id int64, ttl time.Duration) error
	ReleaseIdempotencyKey(ctx context.Context, scope, key string) error
}

// BookingConfig tunes booking creation
type BookingConfig struct {
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

// BookingService handles booking business logic
type BookingService struct {
	store       *store.Store
	numbers     *bookingnumber.Generator
	publisher   EventPublisher
	idempotency IdempotencyStore
	cfg         BookingConfig
	logger      *zap.Logger
}

// NewBookingService creates a new booking service. idempotency may be nil,
// in which case Idempotency-Key headers are ignored.
func NewBookingService(
	store *store.Store,
	numbers *bookingnumber.Generator,
	publisher EventPublisher,
	idempotency IdempotencyStore,
	cfg BookingConfig,
) *BookingService {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &BookingService{
		store:       store,
		numbers:     numbers,
		publisher:   publisher,
		idempotency: idempotency,
		cfg:         cfg,
		logger:      util.GetLogger(),
	}
}

// EventDetails is the event metadata shared by every booking kind
type EventDetails struct {
	EventDate string `json:"event_date"`
	EventTime string `json:"event_time,omitempty"`
	Venue     string `json:"venue,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// ServiceLine is one requested service. A nil quantity means 1.
type ServiceLine struct {
	ServiceID int64 `json:"service_id"`
	Quantity  *int  `json:"quantity,omitempty"`
}

// CreateBookingRequest represents a request to book several services
type CreateBookingRequest struct {
	Services []ServiceLine `json:"services"`
	EventDetails
	IdempotencyKey string `json:"-"`
}

// BookSingleRequest is the one-service shorthand of CreateBookingRequest
type BookSingleRequest struct {
	ServiceID int64 `json:"service_id"`
	Quantity  *int  `json:"quantity,omitempty"`
	EventDetails
	IdempotencyKey string `json:"-"`
}

// BookPackageRequest represents a request to book a package
type BookPackageRequest struct {
	PackageID int64 `json:"package_id"`
	EventDetails
	IdempotencyKey string `json:"-"`
}

// BookingItemView is a booked line as returned to the client
type BookingItemView struct {
	ServiceID    int64  `json:"service_id"`
	ServiceName  string `json:"service_name"`
	Category     string `json:"category"`
	ProviderID   int64  `json:"provider_id"`
	ProviderName string `json:"provider"`
	Quantity     int    `json:"quantity"`
	UnitPrice    int64  `json:"unit_price"`
	Subtotal     int64  `json:"subtotal"`
}

// CreateBookingResponse represents the response after creating a booking
type CreateBookingResponse struct {
	BookingID     int64             `json:"booking_id"`
	BookingNumber string            `json:"booking_number"`
	TotalAmount   int64             `json:"total_amount"`
	Status        string            `json:"status"`
	Items         []BookingItemView `json:"items"`
}

// BookPackageResponse represents the response after booking a package
type BookPackageResponse struct {
	BookingID     int64  `json:"booking_id"`
	BookingNumber string `json:"booking_number"`
	TotalAmount   int64  `json:"total_amount"`
	Status        string `json:"status"`
	PackageName   string `json:"package_name"`
	Includes      string `json:"includes"`
}

// BookingDetails is a booking with its lines
type BookingDetails struct {
	Booking *models.Booking      `json:"booking"`
	Items   []models.BookingItem `json:"items"`
}

type eventMeta struct {
	date  time.Time
	time  *string
	venue *string
	notes *string
}

type bookingLine struct {
	serviceID int64
	quantity  int
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func (d EventDetails) parse() (eventMeta, error) {
	var meta eventMeta

	raw := strings.TrimSpace(d.EventDate)
	if raw == "" {
		return meta, invalid("event_date", "is required")
	}
	date, err := time.Parse(eventDateLayout, raw)
	if err != nil {
		return meta, invalid("event_date", "must be in YYYY-MM-DD format")
	}
	meta.date = date

	if t := optional(d.EventTime); t != nil {
		parsed, err := time.Parse(eventTimeLayout, *t)
		if err != nil {
			return meta, invalid("event_time", "must be in HH:MM format")
		}
		normalized := parsed.Format(eventTimeLayout)
		meta.time = &normalized
	}
	meta.venue = optional(d.Venue)
	meta.notes = optional(d.Notes)
	return meta, nil
}

func validateLines(services []ServiceLine) ([]bookingLine, error) {
	if len(services) == 0 {
		return nil, invalid("services", "at least one service is required")
	}
	lines := make([]bookingLine, 0, len(services))
	for i, s := range services {
		if s.ServiceID <= 0 {
			return nil, invalid(fmt.Sprintf("services[%d].service_id", i), "must be a positive id")
		}
		qty := 1
		if s.Quantity != nil {
			qty = *s.Quantity
		}
		if qty < 1 || qty > maxQuantity {
			return nil, invalid(fmt.Sprintf("services[%d].quantity", i), "must be between 1 and %d", maxQuantity)
		}
		lines = append(lines, bookingLine{serviceID: s.ServiceID, quantity: qty})
	}
	return lines, nil
}

// CreateMultiServiceBooking books every requested service in one
// transaction. Prices come from the catalog; the booking total is the sum
// of the line subtotals.
func (s *BookingService) CreateMultiServiceBooking(ctx context.Context, actor auth.Identity, req *CreateBookingRequest) (*CreateBookingResponse, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.CreateMultiServiceBooking",
		attribute.Int64("user_id", actor.UserID),
		attribute.Int("services", len(req.Services)))
	defer span.End()

	lines, err := validateLines(req.Services)
	if err != nil {
		util.BookingsFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}
	meta, err := req.EventDetails.parse()
	if err != nil {
		util.BookingsFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	existingID, claimed, err := s.reserve(ctx, idempotencyScopeBooking, actor, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existingID != 0 {
		return s.replayBooking(ctx, existingID)
	}

	start := time.Now()
	var (
		booking *models.Booking
		items   []models.BookingItem
	)
	err = s.inBookingTx(ctx, func(tx *sqlx.Tx, number string) error {
		booking = newBooking(actor, number, meta)
		if err := s.store.InsertBookingTx(ctx, tx, booking); err != nil {
			return fmt.Errorf("failed to insert booking: %w", err)
		}

		items = make([]models.BookingItem, 0, len(lines))
		var total int64
		for _, line := range lines {
			item, err := s.bookService(ctx, tx, booking.ID, line)
			if err != nil {
				return err
			}
			total += item.Subtotal
			items = append(items, *item)
		}

		if err := s.store.UpdateBookingTotalTx(ctx, tx, booking.ID, total); err != nil {
			return err
		}
		booking.TotalAmount = total
		return nil
	})
	util.BookingCreateLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.release(ctx, idempotencyScopeBooking, actor, req.IdempotencyKey, claimed)
		s.countFailure(err)
		util.RecordError(span, err)
		return nil, err
	}

	util.BookingsCreatedTotal.WithLabelValues("services").Inc()
	s.logger.Info("Booking created",
		zap.Int64("booking_id", booking.ID),
		zap.String("booking_number", booking.BookingNumber),
		zap.Int64("total_amount", booking.TotalAmount),
		zap.Int("items", len(items)))

	s.complete(ctx, idempotencyScopeBooking, actor, req.IdempotencyKey, claimed, booking.ID)
	s.publishCreated(ctx, booking, items)

	return bookingResponse(booking, items), nil
}

// BookSingleService books one service through the multi-service path
func (s *BookingService) BookSingleService(ctx context.Context, actor auth.Identity, req *BookSingleRequest) (*CreateBookingResponse, error) {
	return s.CreateMultiServiceBooking(ctx, actor, &CreateBookingRequest{
		Services:       []ServiceLine{{ServiceID: req.ServiceID, Quantity: req.Quantity}},
		EventDetails:   req.EventDetails,
		IdempotencyKey: req.IdempotencyKey,
	})
}

// BookPackage books a pre-priced package. The package price becomes the
// booking total and no lines are written.
func (s *BookingService) BookPackage(ctx context.Context, actor auth.Identity, req *BookPackageRequest) (*BookPackageResponse, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.BookPackage",
		attribute.Int64("user_id", actor.UserID),
		attribute.Int64("package_id", req.PackageID))
	defer span.End()

	if req.PackageID <= 0 {
		util.BookingsFailedTotal.WithLabelValues("validation").Inc()
		return nil, invalid("package_id", "is required")
	}
	meta, err := req.EventDetails.parse()
	if err != nil {
		util.BookingsFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	existingID, claimed, err := s.reserve(ctx, idempotencyScopePackage, actor, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existingID != 0 {
		return s.replayPackage(ctx, existingID)
	}

	start := time.Now()
	var (
		booking *models.Booking
		pkg     *models.Package
	)
	err = s.inBookingTx(ctx, func(tx *sqlx.Tx, number string) error {
		found, err := s.store.GetPackageForBookingTx(ctx, tx, req.PackageID)
		if errors.Is(err, store.ErrNotFound) {
			return &NotFoundError{Resource: "package", ID: req.PackageID}
		}
		if err != nil {
			return err
		}
		if found.Status != models.PackageStatusActive {
			return &NotFoundError{Resource: "package", ID: req.PackageID}
		}
		pkg = found

		booking = newBooking(actor, number, meta)
		booking.PackageID = &pkg.ID
		booking.TotalAmount = pkg.Price
		if err := s.store.InsertBookingTx(ctx, tx, booking); err != nil {
			return fmt.Errorf("failed to insert booking: %w", err)
		}
		return nil
	})
	util.BookingCreateLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.release(ctx, idempotencyScopePackage, actor, req.IdempotencyKey, claimed)
		s.countFailure(err)
		util.RecordError(span, err)
		return nil, err
	}

	util.BookingsCreatedTotal.WithLabelValues("package").Inc()
	s.logger.Info("Package booking created",
		zap.Int64("booking_id", booking.ID),
		zap.String("booking_number", booking.BookingNumber),
		zap.Int64("package_id", pkg.ID),
		zap.Int64("total_amount", booking.TotalAmount))

	s.complete(ctx, idempotencyScopePackage, actor, req.IdempotencyKey, claimed, booking.ID)
	s.publishCreated(ctx, booking, nil)

	return packageResponse(booking, pkg), nil
}

// GetBooking returns a booking and its lines. Only the owner and admins
// may read it.
func (s *BookingService) GetBooking(ctx context.Context, actor auth.Identity, bookingID int64) (*BookingDetails, error) {
	booking, err := s.store.GetBookingByID(ctx, bookingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Resource: "booking", ID: bookingID}
	}
	if err != nil {
		return nil, err
	}
	if !canAccess(actor, booking) {
		return nil, ErrForbidden
	}

	items, err := s.store.GetBookingItems(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return &BookingDetails{Booking: booking, Items: items}, nil
}

// inBookingTx runs build in a fresh transaction with the next booking
// number for today. A collision on the number, or a serialization failure,
// reruns the whole transaction with a freshly issued number.
func (s *BookingService) inBookingTx(ctx context.Context, build func(tx *sqlx.Tx, number string) error) error {
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		day := s.numbers.Today()
		seq, err := s.store.NextBookingSequence(ctx, s.numbers.DayPrefix(day))
		if err != nil {
			return err
		}

		err = s.store.InTx(ctx, func(tx *sqlx.Tx) error {
			return build(tx, s.numbers.Format(day, seq))
		})
		if err == nil {
			return nil
		}
		if !store.IsUniqueViolation(err, store.ConstraintBookingNumber) && !store.IsSerializationFailure(err) {
			return err
		}

		util.BookingNumberConflictsTotal.Inc()
		s.logger.Debug("Booking number conflict, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	s.logger.Warn("Booking number attempts exhausted", zap.Int("attempts", s.cfg.MaxAttempts))
	return ErrBookingNumberExhausted
}

// bookService prices one line from the catalog and inserts it
func (s *BookingService) bookService(ctx context.Context, tx *sqlx.Tx, bookingID int64, line bookingLine) (*models.BookingItem, error) {
	svc, err := s.store.GetServiceForBookingTx(ctx, tx, line.serviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Resource: "service", ID: line.serviceID}
	}
	if err != nil {
		return nil, err
	}
	if svc.Status != models.ServiceStatusAvailable {
		return nil, &NotFoundError{Resource: "service", ID: line.serviceID}
	}

	item := &models.BookingItem{
		BookingID:    bookingID,
		ServiceID:    svc.ID,
		ServiceName:  svc.Name,
		Category:     svc.Category,
		ProviderID:   svc.ProviderID,
		ProviderName: svc.ProviderName,
		Quantity:     line.quantity,
		UnitPrice:    svc.Price,
		Subtotal:     svc.Price * int64(line.quantity),
	}
	if err := s.store.InsertBookingItemTx(ctx, tx, item); err != nil {
		return nil, fmt.Errorf("failed to insert booking item: %w", err)
	}
	return item, nil
}

func newBooking(actor auth.Identity, number string, meta eventMeta) *models.Booking {
	return &models.Booking{
		BookingNumber: number,
		UserID:        actor.UserID,
		UserRole:      actor.Role,
		EventDate:     meta.date,
		EventTime:     meta.time,
		Venue:         meta.venue,
		Notes:         meta.notes,
		Status:        models.BookingStatusPending,
	}
}

func canAccess(actor auth.Identity, booking *models.Booking) bool {
	return actor.Role == models.RoleAdmin || booking.UserID == actor.UserID
}

func (s *BookingService) countFailure(err error) {
	var notFound *NotFoundError
	switch {
	case errors.As(err, &notFound):
		util.BookingsFailedTotal.WithLabelValues("not_found").Inc()
	case errors.Is(err, ErrBookingNumberExhausted):
		util.BookingsFailedTotal.WithLabelValues("number_exhausted").Inc()
	default:
		util.BookingsFailedTotal.WithLabelValues("db_error").Inc()
	}
}

func (s *BookingService) publishCreated(ctx context.Context, booking *models.Booking, items []models.BookingItem) {
	data := make([]models.BookingItemData, 0, len(items))
	for _, it := range items {
		data = append(data, models.BookingItemData{
			ServiceID: it.ServiceID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	event := &models.BookingCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeBookingCreated,
			Timestamp: time.Now(),
		},
		BookingID:     booking.ID,
		BookingNumber: booking.BookingNumber,
		UserID:        booking.UserID,
		PackageID:     booking.PackageID,
		TotalAmount:   booking.TotalAmount,
		Items:         data,
	}

	if err := s.publisher.PublishBookingCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish BookingCreated event",
			zap.Int64("booking_id", booking.ID),
			zap.Error(err))
	}
}

// reserve claims an idempotency key. It returns the id of an earlier
// booking made with the same key, or claimed=true when this request owns
// the key now. Redis trouble disables idempotency for the request.
func (s *BookingService) reserve(ctx context.Context, scope string, actor auth.Identity, key string) (existingID int64, claimed bool, err error) {
	if s.idempotency == nil || key == "" {
		return 0, false, nil
	}

	existingID, claimed, err = s.idempotency.ReserveIdempotencyKey(ctx, scopeFor(scope, actor), key, s.cfg.IdempotencyTTL)
	if errors.Is(err, redisclient.ErrKeyInFlight) {
		return 0, false, &ConflictError{Message: "a request with this Idempotency-Key is still being processed"}
	}
	if err != nil {
		s.logger.Warn("Idempotency reservation failed, continuing without it",
			zap.String("key", key),
			zap.Error(err))
		return 0, false, nil
	}
	if existingID != 0 {
		s.logger.Info("Duplicate booking request detected",
			zap.String("idempotency_key", key),
			zap.Int64("booking_id", existingID))
	}
	return existingID, claimed, nil
}

func (s *BookingService) complete(ctx context.Context, scope string, actor auth.Identity, key string, claimed bool, bookingID int64) {
	if !claimed {
		return
	}
	if err := s.idempotency.CompleteIdempotencyKey(ctx, scopeFor(scope, actor), key, bookingID, s.cfg.IdempotencyTTL); err != nil {
		s.logger.Warn("Failed to store idempotency result", zap.String("key", key), zap.Error(err))
	}
}

func (s *BookingService) release(ctx context.Context, scope string, actor auth.Identity, key string, claimed bool) {
	if !claimed {
		return
	}
	if err := s.idempotency.ReleaseIdempotencyKey(context.WithoutCancel(ctx), scopeFor(scope, actor), key); err != nil {
		s.logger.Warn("Failed to release idempotency key", zap.String("key", key), zap.Error(err))
	}
}

// keys are per user so one client cannot replay another's booking
func scopeFor(scope string, actor auth.Identity) string {
	return fmt.Sprintf("%s:%d", scope, actor.UserID)
}

func (s *BookingService) replayBooking(ctx context.Context, bookingID int64) (*CreateBookingResponse, error) {
	booking, err := s.store.GetBookingByID(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load replayed booking: %w", err)
	}
	items, err := s.store.GetBookingItems(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return bookingResponse(booking, items), nil
}

func (s *BookingService) replayPackage(ctx context.Context, bookingID int64) (*BookPackageResponse, error) {
	booking, err := s.store.GetBookingByID(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load replayed booking: %w", err)
	}
	if booking.PackageID == nil {
		return nil, &ConflictError{Message: "Idempotency-Key was used for a different kind of booking"}
	}
	pkg, err := s.store.GetPackageByID(ctx, *booking.PackageID)
	if err != nil {
		return nil, err
	}
	return packageResponse(booking, pkg), nil
}

func bookingResponse(booking *models.Booking, items []models.BookingItem) *CreateBookingResponse {
	views := make([]BookingItemView, 0, len(items))
	for _, it := range items {
		views = append(views, BookingItemView{
			ServiceID:    it.ServiceID,
			ServiceName:  it.ServiceName,
			Category:     it.Category,
			ProviderID:   it.ProviderID,
			ProviderName: it.ProviderName,
			Quantity:     it.Quantity,
			UnitPrice:    it.UnitPrice,
			Subtotal:     it.Subtotal,
		})
	}
	return &CreateBookingResponse{
		BookingID:     booking.ID,
		BookingNumber: booking.BookingNumber,
		TotalAmount:   booking.TotalAmount,
		Status:        booking.Status,
		Items:         views,
	}
}

func packageResponse(booking *models.Booking, pkg *models.Package) *BookPackageResponse {
	return &BookPackageResponse{
		BookingID:     booking.ID,
		BookingNumber: booking.BookingNumber,
		TotalAmount:   booking.TotalAmount,
		Status:        booking.Status,
		PackageName:   pkg.Name,
		Includes:      pkg.Includes,
	}
}
