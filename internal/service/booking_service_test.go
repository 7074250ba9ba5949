package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"booking-service/internal/auth"
	"booking-service/internal/bookingnumber"
	"booking-service/internal/models"
	"booking-service/internal/redisclient"
	"booking-service/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	client  = auth.Identity{UserID: 11, Role: models.RoleClient}
	bookDay = time.Date(2025, 12, 1, 8, 0, 0, 0, time.UTC)

	bookingRowColumns = []string{
		"id", "booking_number", "user_id", "user_role", "package_id", "event_date", "event_time",
		"venue", "notes", "total_amount", "status", "created_at",
	}
	serviceRowColumns = []string{"id", "provider_id", "provider_name", "name", "category", "price", "status"}
	packageRowColumns = []string{"id", "provider_id", "name", "price", "includes", "status"}
)

type fakePublisher struct {
	mu        sync.Mutex
	created   []*models.BookingCreatedEvent
	completed []*models.PaymentCompletedEvent
	failed    []*models.PaymentFailedEvent
	err       error
}

func (p *fakePublisher) PublishBookingCreated(_ context.Context, e *models.BookingCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, e)
	return p.err
}

func (p *fakePublisher) PublishPaymentCompleted(_ context.Context, e *models.PaymentCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, e)
	return p.err
}

func (p *fakePublisher) PublishPaymentFailed(_ context.Context, e *models.PaymentFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, e)
	return p.err
}

type fakeIdempotency struct {
	existing  int64
	inFlight  bool
	completed map[string]int64
	released  []string
}

func (f *fakeIdempotency) ReserveIdempotencyKey(_ context.Context, scope, key string, _ time.Duration) (int64, bool, error) {
	if f.inFlight {
		return 0, false, redisclient.ErrKeyInFlight
	}
	if f.existing != 0 {
		return f.existing, false, nil
	}
	return 0, true, nil
}

func (f *fakeIdempotency) CompleteIdempotencyKey(_ context.Context, scope, key string, id int64, _ time.Duration) error {
	if f.completed == nil {
		f.completed = map[string]int64{}
	}
	f.completed[scope+"/"+key] = id
	return nil
}

func (f *fakeIdempotency) ReleaseIdempotencyKey(_ context.Context, scope, key string) error {
	f.released = append(f.released, scope+"/"+key)
	return nil
}

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.New(sqlx.NewDb(db, "postgres"), "serializable"), mock
}

func newTestBookingService(t *testing.T, idem IdempotencyStore, attempts int) (*BookingService, sqlmock.Sqlmock, *fakePublisher) {
	st, mock := newMockStore(t)
	gen := bookingnumber.NewGenerator("EVT", time.UTC).WithClock(func() time.Time { return bookDay })
	pub := &fakePublisher{}

	svc := NewBookingService(st, gen, pub, idem, BookingConfig{MaxAttempts: attempts})
	svc.logger = zaptest.NewLogger(t)
	return svc, mock, pub
}

func qty(n int) *int { return &n }

func expectSequence(mock sqlmock.Sqlmock, issued int) {
	mock.ExpectQuery("INSERT INTO booking_sequences").
		WithArgs("EVT-20251201-", "EVT-20251201-%", 14).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(issued))
}

func expectBookingInsert(mock sqlmock.Sqlmock, number string, packageID interface{}, total int64, id int64) *sqlmock.ExpectedQuery {
	return mock.ExpectQuery("INSERT INTO bookings").
		WithArgs(number, client.UserID, client.Role, packageID, sqlmock.AnyArg(), nil, nil, nil, total, models.BookingStatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(id, bookDay))
}

func expectService(mock sqlmock.Sqlmock, id int64, name string, price int64, status string) {
	mock.ExpectQuery("FROM services s").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(serviceRowColumns).AddRow(id, 20, "Acme Events", name, "audio", price, status))
}

func expectItemInsert(mock sqlmock.Sqlmock, bookingID, serviceID int64, name string, quantity int, price int64) {
	mock.ExpectQuery("INSERT INTO booking_items").
		WithArgs(bookingID, serviceID, name, "audio", 20, "Acme Events", quantity, price, price*int64(quantity)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(serviceID * 10))
}

func TestCreateMultiServiceBookingTotals(t *testing.T) {
	svc, mock, pub := newTestBookingService(t, nil, 3)

	expectSequence(mock, 1)
	mock.ExpectBegin()
	expectBookingInsert(mock, "EVT-20251201-0001", nil, 0, 100)
	expectService(mock, 5, "PA System", 1000, models.ServiceStatusAvailable)
	expectItemInsert(mock, 100, 5, "PA System", 2, 1000)
	expectService(mock, 7, "Stage Lighting", 3000, models.ServiceStatusAvailable)
	expectItemInsert(mock, 100, 7, "Stage Lighting", 1, 3000)
	mock.ExpectExec("UPDATE bookings SET total_amount").
		WithArgs(int64(5000), int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	resp, err := svc.CreateMultiServiceBooking(context.Background(), client, &CreateBookingRequest{
		Services:     []ServiceLine{{ServiceID: 5, Quantity: qty(2)}, {ServiceID: 7, Quantity: qty(1)}},
		EventDetails: EventDetails{EventDate: "2025-12-01"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, int64(100), resp.BookingID)
	assert.Equal(t, int64(5000), resp.TotalAmount)
	assert.Equal(t, models.BookingStatusPending, resp.Status)
	assert.Regexp(t, regexp.MustCompile(`^EVT-20251201-\d{4}$`), resp.BookingNumber)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, int64(2000), resp.Items[0].Subtotal)
	assert.Equal(t, int64(3000), resp.Items[1].Subtotal)
	assert.Equal(t, "Acme Events", resp.Items[0].ProviderName)

	var sum int64
	for _, it := range resp.Items {
		sum += it.Subtotal
	}
	assert.Equal(t, resp.TotalAmount, sum)

	require.Len(t, pub.created, 1)
	assert.Equal(t, int64(5000), pub.created[0].TotalAmount)
	assert.Len(t, pub.created[0].Items, 2)
}

func TestCreateMultiServiceBookingUnknownServiceRollsBack(t *testing.T) {
	svc, mock, pub := newTestBookingService(t, nil, 3)

	expectSequence(mock, 4)
	mock.ExpectBegin()
	expectBookingInsert(mock, "EVT-20251201-0004", nil, 0, 100)
	expectService(mock, 5, "PA System", 1000, models.ServiceStatusAvailable)
	expectItemInsert(mock, 100, 5, "PA System", 1, 1000)
	mock.ExpectQuery("FROM services s").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(serviceRowColumns))
	mock.ExpectRollback()

	_, err := svc.CreateMultiServiceBooking(context.Background(), client, &CreateBookingRequest{
		Services:     []ServiceLine{{ServiceID: 5}, {ServiceID: 7}},
		EventDetails: EventDetails{EventDate: "2025-12-01"},
	})

	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "service", notFound.Resource)
	assert.Equal(t, int64(7), notFound.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, pub.created)
}

func TestCreateMultiServiceBookingUnavailableService(t *testing.T) {
	svc, mock, _ := newTestBookingService(t, nil, 3)

	expectSequence(mock, 1)
	mock.ExpectBegin()
	expectBookingInsert(mock, "EVT-20251201-0001", nil, 0, 100)
	expectService(mock, 5, "PA System", 1000, "suspended")
	mock.ExpectRollback()

	_, err := svc.CreateMultiServiceBooking(context.Background(), client, &CreateBookingRequest{
		Services:     []ServiceLine{{ServiceID: 5}},
		EventDetails: EventDetails{EventDate: "2025-12-01"},
	})

	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, int64(5), notFound.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMultiServiceBookingRetriesNumberCollision(t *testing.T) {
	svc, mock, _ := newTestBookingService(t, nil, 3)

	expectSequence(mock, 1)
	mock.ExpectBegin()
	expectBookingInsert(mock, "EVT-20251201-0001", nil, 0, 0).
		WillReturnError(&pq.Error{Code: "23505", Constraint: store.ConstraintBookingNumber})
	mock.ExpectRollback()

	expectSequence(mock, 2)
	mock.ExpectBegin()
	expectBookingInsert(mock, "EVT-20251201-0002", nil, 0, 101)
	expectService(mock, 5, "PA System", 1000, models.ServiceStatusAvailable)
	expectItemInsert(mock, 101, 5, "PA System", 1, 1000)
	mock.ExpectExec("UPDATE bookings SET total_amount").
		WithArgs(int64(1000), int64(101)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	resp, err := svc.CreateMultiServiceBooking(context.Background(), client, &CreateBookingRequest{
		Services:     []ServiceLine{{ServiceID: 5}},
		EventDetails: EventDetails{EventDate: "2025-12-01"},
	})
	require.NoError(t, err)
	assert.Equal(t, "EVT-20251201-0002", resp.BookingNumber)
	assert.Len(t, resp.Items, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMultiServiceBookingExhaustsAttempts(t *testing.T) {
	svc, mock, _ := newTestBookingService(t, nil, 2)

	for i := 1; i <= 2; i++ {
		expectSequence(mock, i)
		mock.ExpectBegin()
		expectBookingInsert(mock, fmt.Sprintf("EVT-20251201-%04d", i), nil, 0, 0).
			WillReturnError(&pq.Error{Code: "40001"})
		mock.ExpectRollback()
	}

	_, err := svc.CreateMultiServiceBooking(context.Background(), client, &CreateBookingRequest{
		Services:     []ServiceLine{{ServiceID: 5}},
		EventDetails: EventDetails{EventDate: "2025-12-01"},
	})
	assert.ErrorIs(t, err, ErrBookingNumberExhausted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMultiServiceBookingValidation(t *testing.T) {
	cases := map[string]struct {
		req   CreateBookingRequest
		field string
	}{
		"no services": {
			req:   CreateBookingRequest{EventDetails: EventDetails{EventDate: "2025-12-01"}},
			field: "services",
		},
		"missing date": {
			req:   CreateBookingRequest{Services: []ServiceLine{{ServiceID: 5}}},
			field: "event_date",
		},
		"bad date": {
			req:   CreateBookingRequest{Services: []ServiceLine{{ServiceID: 5}}, EventDetails: EventDetails{EventDate: "01/12/2025"}},
			field: "event_date",
		},
		"zero quantity": {
			req:   CreateBookingRequest{Services: []ServiceLine{{ServiceID: 5}, {ServiceID: 7, Quantity: qty(0)}}, EventDetails: EventDetails{EventDate: "2025-12-01"}},
			field: "services[1].quantity",
		},
		"huge quantity": {
			req:   CreateBookingRequest{Services: []ServiceLine{{ServiceID: 5, Quantity: qty(100_000)}}, EventDetails: EventDetails{EventDate: "2025-12-01"}},
			field: "services[0].quantity",
		},
		"bad time": {
			req:   CreateBookingRequest{Services: []ServiceLine{{ServiceID: 5}}, EventDetails: EventDetails{EventDate: "2025-12-01", EventTime: "7pm"}},
			field: "event_time",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc, mock, _ := newTestBookingService(t, nil, 3)

			_, err := svc.CreateMultiServiceBooking(context.Background(), client, &tc.req)

			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tc.field, vErr.Field)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestBookSingleServiceDefaultsQuantity(t *testing.T) {
	svc, mock, _ := newTestBookingService(t, nil, 3)

	expectSequence(mock, 1)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO bookings").
		WithArgs("EVT-20251201-0001", client.UserID, client.Role, nil, sqlmock.AnyArg(), "18:30", "Sarit Centre", nil, int64(0), models.BookingStatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(100, bookDay))
	expectService(mock, 5, "PA System", 1000, models.ServiceStatusAvailable)
	expectItemInsert(mock, 100, 5, "PA System", 1, 1000)
	mock.ExpectExec("UPDATE bookings SET total_amount").
		WithArgs(int64(1000), int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	resp, err := svc.BookSingleService(context.Background(), client, &BookSingleRequest{
		ServiceID:    5,
		EventDetails: EventDetails{EventDate: "2025-12-01", EventTime: "18:30", Venue: " Sarit Centre "},
	})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, 1, resp.Items[0].Quantity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookPackage(t *testing.T) {
	svc, mock, pub := newTestBookingService(t, nil, 3)

	expectSequence(mock, 1)
	mock.ExpectBegin()
	mock.ExpectQuery("FROM packages").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(packageRowColumns).
			AddRow(3, 20, "Wedding Gold", 25000, "Tent, PA, lighting", models.PackageStatusActive))
	expectBookingInsert(mock, "EVT-20251201-0001", int64(3), 25000, 100)
	mock.ExpectCommit()

	resp, err := svc.BookPackage(context.Background(), client, &BookPackageRequest{
		PackageID:    3,
		EventDetails: EventDetails{EventDate: "2025-12-01"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(25000), resp.TotalAmount)
	assert.Equal(t, "Wedding Gold", resp.PackageName)
	assert.Equal(t, "Tent, PA, lighting", resp.Includes)
	assert.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, pub.created, 1)
	require.NotNil(t, pub.created[0].PackageID)
	assert.Equal(t, int64(3), *pub.created[0].PackageID)
}

func TestBookPackageInactive(t *testing.T) {
	svc, mock, _ := newTestBookingService(t, nil, 3)

	expectSequence(mock, 1)
	mock.ExpectBegin()
	mock.ExpectQuery("FROM packages").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(packageRowColumns).
			AddRow(3, 20, "Wedding Gold", 25000, "", "inactive"))
	mock.ExpectRollback()

	_, err := svc.BookPackage(context.Background(), client, &BookPackageRequest{
		PackageID:    3,
		EventDetails: EventDetails{EventDate: "2025-12-01"},
	})

	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "package", notFound.Resource)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyKeyCompletedAfterCommit(t *testing.T) {
	idem := &fakeIdempotency{}
	svc, mock, _ := newTestBookingService(t, idem, 3)

	expectSequence(mock, 1)
	mock.ExpectBegin()
	expectBookingInsert(mock, "EVT-20251201-0001", nil, 0, 100)
	expectService(mock, 5, "PA System", 1000, models.ServiceStatusAvailable)
	expectItemInsert(mock, 100, 5, "PA System", 1, 1000)
	mock.ExpectExec("UPDATE bookings SET total_amount").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := svc.CreateMultiServiceBooking(context.Background(), client, &CreateBookingRequest{
		Services:       []ServiceLine{{ServiceID: 5}},
		EventDetails:   EventDetails{EventDate: "2025-12-01"},
		IdempotencyKey: "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"booking:11/abc": 100}, idem.completed)
}

func TestIdempotencyKeyReleasedOnFailure(t *testing.T) {
	idem := &fakeIdempotency{}
	svc, mock, _ := newTestBookingService(t, idem, 3)

	expectSequence(mock, 1)
	mock.ExpectBegin()
	expectBookingInsert(mock, "EVT-20251201-0001", nil, 0, 100)
	mock.ExpectQuery("FROM services s").WillReturnRows(sqlmock.NewRows(serviceRowColumns))
	mock.ExpectRollback()

	_, err := svc.CreateMultiServiceBooking(context.Background(), client, &CreateBookingRequest{
		Services:       []ServiceLine{{ServiceID: 5}},
		EventDetails:   EventDetails{EventDate: "2025-12-01"},
		IdempotencyKey: "abc",
	})
	require.Error(t, err)
	assert.Equal(t, []string{"booking:11/abc"}, idem.released)
	assert.Empty(t, idem.completed)
}

func TestIdempotencyKeyReplay(t *testing.T) {
	svc, mock, pub := newTestBookingService(t, &fakeIdempotency{existing: 100}, 3)

	mock.ExpectQuery("FROM bookings WHERE id = \\$1").
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows(bookingRowColumns).
			AddRow(100, "EVT-20251201-0001", 11, "client", nil, bookDay, nil, nil, nil, 1000, "pending", bookDay))
	mock.ExpectQuery("FROM booking_items").
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "booking_id", "service_id", "service_name", "category", "provider_id",
			"provider_name", "quantity", "unit_price", "subtotal",
		}).AddRow(50, 100, 5, "PA System", "audio", 20, "Acme Events", 1, 1000, 1000))

	resp, err := svc.CreateMultiServiceBooking(context.Background(), client, &CreateBookingRequest{
		Services:       []ServiceLine{{ServiceID: 5}},
		EventDetails:   EventDetails{EventDate: "2025-12-01"},
		IdempotencyKey: "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "EVT-20251201-0001", resp.BookingNumber)
	assert.Len(t, resp.Items, 1)
	assert.Empty(t, pub.created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyKeyInFlight(t *testing.T) {
	svc, mock, _ := newTestBookingService(t, &fakeIdempotency{inFlight: true}, 3)

	_, err := svc.CreateMultiServiceBooking(context.Background(), client, &CreateBookingRequest{
		Services:       []ServiceLine{{ServiceID: 5}},
		EventDetails:   EventDetails{EventDate: "2025-12-01"},
		IdempotencyKey: "abc",
	})

	var conflict *ConflictError
	assert.True(t, errors.As(err, &conflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBookingForbidden(t *testing.T) {
	svc, mock, _ := newTestBookingService(t, nil, 3)

	mock.ExpectQuery("FROM bookings WHERE id = \\$1").
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows(bookingRowColumns).
			AddRow(100, "EVT-20251201-0001", 99, "client", nil, bookDay, nil, nil, nil, 1000, "pending", bookDay))

	_, err := svc.GetBooking(context.Background(), client, 100)
	assert.ErrorIs(t, err, ErrForbidden)
}
