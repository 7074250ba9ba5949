package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"booking-service/config"
	"booking-service/internal/api"
	"booking-service/internal/auth"
	"booking-service/internal/bookingnumber"
	"booking-service/internal/broker"
	"booking-service/internal/mpesa"
	"booking-service/internal/receipt"
	"booking-service/internal/redisclient"
	"booking-service/internal/service"
	"booking-service/internal/store"
	"booking-service/internal/util"
	"booking-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting booking service")

	loc, err := time.LoadLocation(cfg.Business.TimeZone)
	if err != nil {
		logger.Fatal("Invalid booking time zone", zap.String("tz", cfg.Business.TimeZone), zap.Error(err))
	}

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL, cfg.Database.Isolation)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected", zap.String("isolation", cfg.Database.Isolation))

	// Redis backs idempotency keys and the gateway token cache; both
	// degrade to local behaviour without it
	var (
		idempotency service.IdempotencyStore
		tokenCache  mpesa.TokenCache
	)
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("Redis unavailable, continuing without idempotency keys", zap.Error(err))
		} else {
			defer redisClient.Close()
			idempotency = redisClient
			tokenCache = redisClient
			logger.Info("Redis connected")
		}
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicBooking)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicBooking))

	eventPublisher := broker.NewEventPublisher(producer)

	gateway := mpesa.NewClient(mpesa.Config{
		BaseURL:        cfg.Mpesa.BaseURL,
		ConsumerKey:    cfg.Mpesa.ConsumerKey,
		ConsumerSecret: cfg.Mpesa.ConsumerSecret,
		ShortCode:      cfg.Mpesa.ShortCode,
		Passkey:        cfg.Mpesa.Passkey,
		CallbackURL:    cfg.Mpesa.CallbackURL,
		Timeout:        cfg.Mpesa.Timeout,
		Location:       loc,
	}, tokenCache)

	numbers := bookingnumber.NewGenerator(cfg.Business.BookingNumberPrefix, loc)
	bookingService := service.NewBookingService(db, numbers, eventPublisher, idempotency, service.BookingConfig{
		MaxAttempts:    cfg.Business.BookingNumberMaxAttempts,
		IdempotencyTTL: cfg.Business.IdempotencyTTL,
	})
	paymentService := service.NewPaymentService(db, gateway, eventPublisher, service.PaymentConfig{
		CallbackToken: cfg.Mpesa.CallbackToken,
		Location:      loc,
	})
	receipts := receipt.NewAssembler(db, nil)
	saga := service.NewBookingSaga(db)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	bookingConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicBooking, cfg.Kafka.ConsumerGroup)
	bookingWorker := worker.NewBookingWorker(bookingConsumer, saga)
	go func() {
		if err := bookingWorker.Start(workerCtx); err != nil {
			logger.Error("Booking worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(bookingService, paymentService, receipts, auth.NewVerifier(cfg.Auth.JWTSecret), db)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := bookingWorker.Stop(); err != nil {
		logger.Warn("Error stopping booking worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
