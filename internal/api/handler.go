package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"booking-service/internal/auth"
	"booking-service/internal/receipt"
	"booking-service/internal/service"
	"booking-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// maxCallbackBody caps how much of a gateway callback is read
const maxCallbackBody = 1 << 20

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	bookings *service.BookingService
	payments *service.PaymentService
	receipts *receipt.Assembler
	verifier *auth.Verifier
	db       Pinger
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	bookings *service.BookingService,
	payments *service.PaymentService,
	receipts *receipt.Assembler,
	verifier *auth.Verifier,
	db Pinger,
) *Handler {
	return &Handler{
		bookings: bookings,
		payments: payments,
		receipts: receipts,
		verifier: verifier,
		db:       db,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(util.ServiceName))
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")

	// the gateway cannot present a bearer token
	v1.POST("/payments/callback", h.paymentCallback)

	authed := v1.Group("", authMiddleware(h.verifier))
	{
		authed.POST("/bookings", h.createBooking)
		authed.POST("/bookings/single", h.bookSingleService)
		authed.POST("/bookings/package", h.bookPackage)
		authed.GET("/bookings/:id", h.getBooking)
		authed.GET("/bookings/:id/receipt", h.getReceipt)

		authed.POST("/payments", h.initiatePayment)
		authed.GET("/payments/:id", h.getPayment)
		authed.POST("/payments/:id/query", h.queryPayment)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only while the database answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) createBooking(c *gin.Context) {
	var req service.CreateBookingRequest
	if !bindJSON(c, &req) {
		return
	}
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	actor, ok := identity(c)
	if !ok {
		return
	}

	resp, err := h.bookings.CreateMultiServiceBooking(c.Request.Context(), actor, &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) bookSingleService(c *gin.Context) {
	var req service.BookSingleRequest
	if !bindJSON(c, &req) {
		return
	}
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	actor, ok := identity(c)
	if !ok {
		return
	}

	resp, err := h.bookings.BookSingleService(c.Request.Context(), actor, &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) bookPackage(c *gin.Context) {
	var req service.BookPackageRequest
	if !bindJSON(c, &req) {
		return
	}
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	actor, ok := identity(c)
	if !ok {
		return
	}

	resp, err := h.bookings.BookPackage(c.Request.Context(), actor, &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getBooking handles get booking by ID
func (h *Handler) getBooking(c *gin.Context) {
	bookingID, ok := pathID(c, "Invalid booking ID")
	if !ok {
		return
	}
	actor, ok := identity(c)
	if !ok {
		return
	}

	details, err := h.bookings.GetBooking(c.Request.Context(), actor, bookingID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, details)
}

// getReceipt renders into a buffer first so a render failure can still
// produce a clean error response
func (h *Handler) getReceipt(c *gin.Context) {
	bookingID, ok := pathID(c, "Invalid booking ID")
	if !ok {
		return
	}
	actor, ok := identity(c)
	if !ok {
		return
	}

	var buf bytes.Buffer
	contentType, err := h.receipts.Render(c.Request.Context(), actor, bookingID, &buf)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Data(http.StatusOK, contentType, buf.Bytes())
}

func (h *Handler) initiatePayment(c *gin.Context) {
	var req service.InitiatePaymentRequest
	if !bindJSON(c, &req) {
		return
	}
	actor, ok := identity(c)
	if !ok {
		return
	}

	resp, err := h.payments.InitiatePayment(c.Request.Context(), actor, &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

func (h *Handler) getPayment(c *gin.Context) {
	paymentID, ok := pathID(c, "Invalid payment ID")
	if !ok {
		return
	}
	actor, ok := identity(c)
	if !ok {
		return
	}

	view, err := h.payments.GetPaymentStatus(c.Request.Context(), actor, paymentID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

func (h *Handler) queryPayment(c *gin.Context) {
	paymentID, ok := pathID(c, "Invalid payment ID")
	if !ok {
		return
	}
	actor, ok := identity(c)
	if !ok {
		return
	}

	view, err := h.payments.QueryGatewayStatus(c.Request.Context(), actor, paymentID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// paymentCallback always acknowledges. The gateway retries on anything
// else and a retry cannot fix what went wrong here.
func (h *Handler) paymentCallback(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		h.logger.Warn("Failed to read payment callback", zap.Error(err))
	}

	// anomalies are logged by the payment service
	if _, err := h.payments.HandleCallback(c.Request.Context(), body, c.Query("token")); err != nil {
		h.logger.Error("Payment callback not applied", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

func pathID(c *gin.Context, message string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": message})
		return 0, false
	}
	return id, true
}

func identity(c *gin.Context) (auth.Identity, bool) {
	actor, err := auth.FromContext(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return auth.Identity{}, false
	}
	return actor, true
}
