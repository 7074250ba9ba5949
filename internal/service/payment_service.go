package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"booking-service/internal/auth"
	"booking-service/internal/models"
	"booking-service/internal/mpesa"
	"booking-service/internal/store"
	"booking-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Reasons a callback was acknowledged without changing anything
const (
	AnomalyMalformed    = "malformed"
	AnomalyInvalidToken = "invalid_token"
	AnomalyUnknownID    = "unknown_checkout_id"
	AnomalyAlreadyFinal = "already_terminal"
)

const duplicateCompletion = "duplicate completion: booking already has a completed payment"

// PaymentGateway is the push-payment API used by PaymentService
type PaymentGateway interface {
	AccessToken(ctx context.Context) (string, error)
	STKPush(ctx context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
	QuerySTK(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error)
}

// PaymentConfig tunes payment handling
type PaymentConfig struct {
	// CallbackToken, when set, must match the token query parameter of
	// every callback
	CallbackToken string
	Location      *time.Location
}

// PaymentService initiates push payments and reconciles their outcome
type PaymentService struct {
	store     *store.Store
	gateway   PaymentGateway
	publisher EventPublisher
	cfg       PaymentConfig
	now       func() time.Time
	logger    *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(store *store.Store, gateway PaymentGateway, publisher EventPublisher, cfg PaymentConfig) *PaymentService {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &PaymentService{
		store:     store,
		gateway:   gateway,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// InitiatePaymentRequest asks for an STK push against a booking
type InitiatePaymentRequest struct {
	BookingID        int64   `json:"booking_id"`
	Phone            string  `json:"phone"`
	Amount           float64 `json:"amount"`
	AccountReference string  `json:"account_reference,omitempty"`
	Description      string  `json:"description,omitempty"`
}

// InitiatePaymentResponse is returned once the gateway accepted the push
type InitiatePaymentResponse struct {
	PaymentID         int64  `json:"payment_id"`
	MerchantRequestID string `json:"merchant_request_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	CustomerMessage   string `json:"customer_message"`
}

// PaymentStatusView is the client-facing snapshot of a payment
type PaymentStatusView struct {
	PaymentID  int64     `json:"payment_id"`
	BookingID  int64     `json:"booking_id"`
	Status     string    `json:"status"`
	Amount     int64     `json:"amount"`
	Phone      string    `json:"phone"`
	Receipt    *string   `json:"receipt,omitempty"`
	ResultDesc *string   `json:"result_desc,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CallbackResult describes what a callback did. Anomaly is empty when the
// payment moved to a terminal state.
type CallbackResult struct {
	CheckoutRequestID string
	PaymentID         int64
	Status            string
	Anomaly           string
}

// maxSTKAmount is the gateway's per-transaction ceiling in KES
const maxSTKAmount = 250000

func validateAmount(amount float64) (int64, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, invalid("amount", "must be a positive amount")
	}
	if amount > maxSTKAmount {
		return 0, invalid("amount", "must not exceed %d per payment", maxSTKAmount)
	}
	if amount != math.Trunc(amount) {
		return 0, invalid("amount", "must be a whole number of shillings")
	}
	return int64(amount), nil
}

// InitiatePayment records a Pending payment and sends the STK push. The
// access token is fetched first so a credentials problem writes nothing.
// Once the row exists, only an explicit gateway rejection marks it Failed;
// timeouts leave it Pending for the callback or a status query to settle.
func (s *PaymentService) InitiatePayment(ctx context.Context, actor auth.Identity, req *InitiatePaymentRequest) (*InitiatePaymentResponse, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.InitiatePayment",
		attribute.Int64("booking_id", req.BookingID))
	defer span.End()

	if req.BookingID <= 0 {
		return nil, invalid("booking_id", "is required")
	}
	phone, err := mpesa.NormalizePhone(req.Phone)
	if err != nil {
		return nil, invalid("phone", "must be a valid Safaricom number such as 0712345678")
	}
	amount, err := validateAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	booking, err := s.store.GetBookingByID(ctx, req.BookingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Resource: "booking", ID: req.BookingID}
	}
	if err != nil {
		return nil, err
	}
	if !canAccess(actor, booking) {
		return nil, ErrForbidden
	}
	if booking.Status == models.BookingStatusCancelled {
		return nil, &ConflictError{Message: "booking is cancelled"}
	}
	if amount > booking.TotalAmount {
		return nil, invalid("amount", "exceeds the booking total of %d", booking.TotalAmount)
	}
	paid, err := s.store.HasCompletedPayment(ctx, booking.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing payments: %w", err)
	}
	if paid {
		return nil, &ConflictError{Message: "booking is already paid"}
	}

	if _, err := s.gateway.AccessToken(ctx); err != nil {
		util.PaymentInitiationsTotal.WithLabelValues("token_error").Inc()
		util.RecordError(span, err)
		return nil, &GatewayError{Op: "access_token", Err: err}
	}

	payment := &models.Payment{
		BookingID: booking.ID,
		Amount:    amount,
		Phone:     phone,
		Status:    models.PaymentStatusPending,
	}
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	ref := strings.TrimSpace(req.AccountReference)
	if ref == "" {
		ref = booking.BookingNumber
	}
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		desc = "Booking " + booking.BookingNumber
	}

	resp, err := s.gateway.STKPush(ctx, mpesa.STKPushRequest{
		Phone:            phone,
		Amount:           amount,
		AccountReference: ref,
		Description:      desc,
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, s.pushFailed(ctx, payment, err)
	}

	// the row must stay writable even if the client went away mid-request.
	// A callback that beats this write is acked as unknown_checkout_id and
	// the payment is recovered through QueryGatewayStatus.
	if err := s.store.AttachCorrelation(context.WithoutCancel(ctx), payment.ID, resp.MerchantRequestID, resp.CheckoutRequestID); err != nil {
		s.logger.Error("Failed to record gateway correlation ids",
			zap.Int64("payment_id", payment.ID),
			zap.String("checkout_request_id", resp.CheckoutRequestID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to record gateway correlation: %w", err)
	}

	util.PaymentInitiationsTotal.WithLabelValues("accepted").Inc()
	s.logger.Info("Payment initiated",
		zap.Int64("payment_id", payment.ID),
		zap.Int64("booking_id", booking.ID),
		zap.Int64("amount", amount),
		zap.String("checkout_request_id", resp.CheckoutRequestID))

	return &InitiatePaymentResponse{
		PaymentID:         payment.ID,
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

// pushFailed decides what a failed push means for the payment row
func (s *PaymentService) pushFailed(ctx context.Context, payment *models.Payment, err error) error {
	gwErr := &GatewayError{Op: "stk_push", PaymentID: payment.ID, Err: err}

	var tokErr *mpesa.TokenError
	var apiErr *mpesa.APIError
	if errors.As(err, &tokErr) || !errors.As(err, &apiErr) || !apiErr.Definitive() {
		util.PaymentInitiationsTotal.WithLabelValues("unknown").Inc()
		s.logger.Warn("STK push outcome unknown, payment left pending",
			zap.Int64("payment_id", payment.ID),
			zap.Bool("timeout", mpesa.IsTimeout(err)),
			zap.Error(err))
		return gwErr
	}

	desc := apiErr.Message
	if desc == "" {
		desc = "rejected by gateway"
	}
	if _, merr := s.store.MarkPaymentRejected(context.WithoutCancel(ctx), payment.ID, desc); merr != nil {
		s.logger.Error("Failed to mark rejected payment",
			zap.Int64("payment_id", payment.ID),
			zap.Error(merr))
	} else {
		util.PaymentTransitionsTotal.WithLabelValues(models.PaymentStatusFailed, "push").Inc()
	}

	util.PaymentInitiationsTotal.WithLabelValues("rejected").Inc()
	s.logger.Info("STK push rejected",
		zap.Int64("payment_id", payment.ID),
		zap.String("code", apiErr.Code),
		zap.String("message", apiErr.Message))
	return gwErr
}

// HandleCallback applies a gateway callback. It never asks the gateway to
// retry: unknown ids, repeats for terminal payments and malformed bodies
// are reported as anomalies. The returned error is set only for storage
// failures.
func (s *PaymentService) HandleCallback(ctx context.Context, body []byte, token string) (*CallbackResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleCallback")
	defer span.End()

	if s.cfg.CallbackToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CallbackToken)) != 1 {
		return s.anomaly(&CallbackResult{Anomaly: AnomalyInvalidToken}), nil
	}

	cb, err := mpesa.ParseCallback(body)
	if err != nil {
		s.logger.Warn("Malformed payment callback", zap.Error(err))
		return s.anomaly(&CallbackResult{Anomaly: AnomalyMalformed}), nil
	}
	span.SetAttributes(attribute.String("checkout_request_id", cb.CheckoutRequestID))

	result := &CallbackResult{CheckoutRequestID: cb.CheckoutRequestID}
	payment, anomaly, err := s.applyOutcome(ctx, cb.CheckoutRequestID, cb.Outcome(s.cfg.Location, s.now()), "callback")
	if err != nil {
		util.PaymentCallbacksTotal.WithLabelValues("error").Inc()
		util.RecordError(span, err)
		return result, err
	}
	if payment != nil {
		result.PaymentID = payment.ID
		result.Status = payment.Status
	}
	if anomaly != "" {
		result.Anomaly = anomaly
		return s.anomaly(result), nil
	}

	if paid, ok := cb.Amount(); ok && paid != payment.Amount {
		s.logger.Warn("Callback amount differs from payment amount",
			zap.Int64("payment_id", payment.ID),
			zap.Int64("expected", payment.Amount),
			zap.Int64("reported", paid))
	}

	util.PaymentCallbacksTotal.WithLabelValues("applied").Inc()
	return result, nil
}

func (s *PaymentService) anomaly(r *CallbackResult) *CallbackResult {
	util.PaymentCallbacksTotal.WithLabelValues(r.Anomaly).Inc()
	s.logger.Warn("Payment callback anomaly",
		zap.String("anomaly", r.Anomaly),
		zap.String("checkout_request_id", r.CheckoutRequestID),
		zap.Int64("payment_id", r.PaymentID),
		zap.String("status", r.Status))
	return r
}

// applyOutcome moves the pending payment with checkoutID into outcome.
// When nothing was pending under that id it returns the anomaly kind and,
// for terminal payments, the current row.
func (s *PaymentService) applyOutcome(ctx context.Context, checkoutID string, outcome models.PaymentOutcome, source string) (*models.Payment, string, error) {
	payment, err := s.store.ApplyPaymentOutcome(ctx, checkoutID, outcome)
	if store.IsUniqueViolation(err, store.ConstraintOneCompletedPayment) {
		// another attempt for this booking already completed; keep the
		// receipt so the money can be returned
		s.logger.Error("Second completed payment for booking",
			zap.String("checkout_request_id", checkoutID),
			zap.String("receipt", outcome.Receipt))
		desc := duplicateCompletion
		if outcome.Receipt != "" {
			desc += ", refund receipt " + outcome.Receipt
		}
		outcome = models.PaymentOutcome{
			Status:     models.PaymentStatusFailed,
			Receipt:    outcome.Receipt,
			ResultDesc: desc,
		}
		payment, err = s.store.ApplyPaymentOutcome(ctx, checkoutID, outcome)
	}

	if errors.Is(err, store.ErrNotFound) {
		existing, lerr := s.store.GetPaymentByCheckoutID(ctx, checkoutID)
		if errors.Is(lerr, store.ErrNotFound) {
			return nil, AnomalyUnknownID, nil
		}
		if lerr != nil {
			return nil, "", lerr
		}
		return existing, AnomalyAlreadyFinal, nil
	}
	if err != nil {
		return nil, "", err
	}

	util.PaymentTransitionsTotal.WithLabelValues(payment.Status, source).Inc()
	s.logger.Info("Payment settled",
		zap.Int64("payment_id", payment.ID),
		zap.Int64("booking_id", payment.BookingID),
		zap.String("status", payment.Status),
		zap.String("source", source))

	s.publishOutcome(ctx, payment)
	return payment, "", nil
}

func (s *PaymentService) publishOutcome(ctx context.Context, payment *models.Payment) {
	base := models.BaseEvent{EventID: uuid.New().String(), Timestamp: time.Now()}

	var err error
	if payment.Status == models.PaymentStatusCompleted {
		base.EventType = models.EventTypePaymentCompleted
		event := &models.PaymentCompletedEvent{
			BaseEvent: base,
			BookingID: payment.BookingID,
			PaymentID: payment.ID,
			Amount:    payment.Amount,
		}
		if payment.Receipt != nil {
			event.Receipt = *payment.Receipt
		}
		err = s.publisher.PublishPaymentCompleted(ctx, event)
	} else {
		base.EventType = models.EventTypePaymentFailed
		event := &models.PaymentFailedEvent{
			BaseEvent: base,
			BookingID: payment.BookingID,
			PaymentID: payment.ID,
			Status:    payment.Status,
		}
		if payment.ResultDesc != nil {
			event.Reason = *payment.ResultDesc
		}
		err = s.publisher.PublishPaymentFailed(ctx, event)
	}

	if err != nil {
		s.logger.Error("Failed to publish payment event",
			zap.Int64("payment_id", payment.ID),
			zap.String("event_type", base.EventType),
			zap.Error(err))
	}
}

// GetPaymentStatus returns the current payment snapshot. It only reads.
func (s *PaymentService) GetPaymentStatus(ctx context.Context, actor auth.Identity, paymentID int64) (*PaymentStatusView, error) {
	payment, err := s.authorizedPayment(ctx, actor, paymentID)
	if err != nil {
		return nil, err
	}
	return paymentView(payment), nil
}

// QueryGatewayStatus asks the gateway about a Pending payment and applies a
// definitive answer the same way a callback would
func (s *PaymentService) QueryGatewayStatus(ctx context.Context, actor auth.Identity, paymentID int64) (*PaymentStatusView, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.QueryGatewayStatus",
		attribute.Int64("payment_id", paymentID))
	defer span.End()

	payment, err := s.authorizedPayment(ctx, actor, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.IsTerminal() || payment.CheckoutRequestID == nil {
		return paymentView(payment), nil
	}

	resp, err := s.gateway.QuerySTK(ctx, *payment.CheckoutRequestID)
	if err != nil {
		var apiErr *mpesa.APIError
		if errors.As(err, &apiErr) && apiErr.Code == mpesa.CodeStillProcessing {
			return paymentView(payment), nil
		}
		util.RecordError(span, err)
		return nil, &GatewayError{Op: "stk_query", PaymentID: payment.ID, Err: err}
	}

	code, final := resp.Final()
	if !final {
		s.logger.Warn("Gateway query gave no final result",
			zap.Int64("payment_id", payment.ID),
			zap.String("response_code", resp.ResponseCode),
			zap.String("response_description", resp.ResponseDescription))
		return paymentView(payment), nil
	}

	outcome := models.PaymentOutcome{
		Status:     mpesa.StatusForResult(code),
		ResultDesc: resp.ResultDesc,
	}
	if outcome.Status == models.PaymentStatusCompleted {
		paid := s.now()
		outcome.PaidAt = &paid
	}

	updated, _, err := s.applyOutcome(ctx, *payment.CheckoutRequestID, outcome, "query")
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return paymentView(payment), nil
	}
	return paymentView(updated), nil
}

func (s *PaymentService) authorizedPayment(ctx context.Context, actor auth.Identity, paymentID int64) (*models.Payment, error) {
	payment, err := s.store.GetPaymentByID(ctx, paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Resource: "payment", ID: paymentID}
	}
	if err != nil {
		return nil, err
	}

	if actor.Role != models.RoleAdmin {
		booking, err := s.store.GetBookingByID(ctx, payment.BookingID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if booking == nil || booking.UserID != actor.UserID {
			return nil, ErrForbidden
		}
	}
	return payment, nil
}

func paymentView(p *models.Payment) *PaymentStatusView {
	return &PaymentStatusView{
		PaymentID:  p.ID,
		BookingID:  p.BookingID,
		Status:     p.Status,
		Amount:     p.Amount,
		Phone:      p.Phone,
		Receipt:    p.Receipt,
		ResultDesc: p.ResultDesc,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}
