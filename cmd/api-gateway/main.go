package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/academy-enrollment-api/api/swagger"
	"github.com/noah-isme/academy-enrollment-api/internal/handler"
	"github.com/noah-isme/academy-enrollment-api/internal/middleware"
	"github.com/noah-isme/academy-enrollment-api/internal/repository"
	"github.com/noah-isme/academy-enrollment-api/internal/service"
	"github.com/noah-isme/academy-enrollment-api/pkg/cache"
	"github.com/noah-isme/academy-enrollment-api/pkg/certificate"
	"github.com/noah-isme/academy-enrollment-api/pkg/config"
	"github.com/noah-isme/academy-enrollment-api/pkg/database"
	"github.com/noah-isme/academy-enrollment-api/pkg/gateway"
	"github.com/noah-isme/academy-enrollment-api/pkg/jobs"
	"github.com/noah-isme/academy-enrollment-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/academy-enrollment-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/academy-enrollment-api/pkg/middleware/requestid"
	"github.com/noah-isme/academy-enrollment-api/pkg/storage"
)

// @title Academy Enrollment API
// @version 1.0.0
// @description Enrollment, waiting list, transfer and billing workflows for a tutoring academy.
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, running without cache and sweep leases", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	validate := validator.New()
	metrics := service.NewMetricsService()
	tx := database.NewTxRunner(db)

	classRepo := repository.NewClassRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	invoiceRepo := repository.NewInvoiceRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	couponRepo := repository.NewCouponRepository(db)
	creditRepo := repository.NewCreditRepository(db)
	sequenceRepo := repository.NewSequenceRepository(db)
	waitingListRepo := repository.NewWaitingListRepository(db)
	transferRepo := repository.NewTransferRepository(db)
	registrationRepo := repository.NewAnnualRegistrationRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Cache.AvailabilityTTL, logr, cfg.Cache.Enabled && redisClient != nil)

	notifications := service.NewNotificationService(notificationRepo, nil, logr)
	notificationQueue := jobs.NewQueue("notifications", jobs.Mux{
		service.JobTypeNotificationDeliver: notifications.Deliver,
	}.Handle, jobs.QueueConfig{
		Workers:    cfg.Notifications.Workers,
		MaxRetries: cfg.Notifications.MaxRetries,
		RetryDelay: cfg.Notifications.RetryDelay,
		Logger:     logr,
	})
	notifications.SetQueue(notificationQueue)
	notificationQueue.Start(rootCtx)
	defer notificationQueue.Stop()

	paymentGateway, err := gateway.New(cfg.Gateway)
	if err != nil {
		logr.Fatal("failed to init payment gateway", zap.Error(err))
	}

	coordinator := service.NewPaymentCoordinator(tx, invoiceRepo, paymentRepo, logr)
	credits := service.NewCreditService(tx, creditRepo, validate, logr)
	billing := service.NewBillingService(tx, invoiceRepo, paymentRepo, couponRepo, sequenceRepo, credits, paymentGateway, coordinator, metrics, validate, logr, service.BillingConfig{
		TaxRate: cfg.Billing.TaxRate,
	})
	waitingList := service.NewWaitingListService(tx, waitingListRepo, classRepo, enrollmentRepo, notifications, cacheSvc, metrics, validate, logr, service.WaitingListConfig{
		NotifyTTL: cfg.WaitingList.NotifyTTL,
		HoldTTL:   cfg.Enrollment.HoldTTL,
	})
	enrollments := service.NewEnrollmentService(tx, enrollmentRepo, classRepo, sequenceRepo, billing, credits, waitingList, notifications, cacheSvc, metrics, validate, logr, service.EnrollmentConfig{
		HoldTTL:             cfg.Enrollment.HoldTTL,
		InvoiceDueIn:        cfg.Enrollment.InvoiceDueIn,
		CertificatesEnabled: cfg.Certificates.Enabled,
		MinAttendance:       cfg.Certificates.MinAttendance,
		CertificateURLBase:  cfg.APIPrefix + "/certificates/download",
	})
	if cfg.Certificates.Enabled {
		artifacts, err := storage.NewLocalStorage(cfg.Certificates.StorageDir)
		if err != nil {
			logr.Fatal("failed to init certificate storage", zap.Error(err))
		}
		enrollments.WithCertificates(
			certificate.NewPDFRenderer("Academy"),
			artifacts,
			storage.NewSignedURLSigner(cfg.Certificates.SignedURLSecret, cfg.Certificates.SignedURLTTL),
		)
	}
	transfers := service.NewTransferService(tx, transferRepo, enrollmentRepo, classRepo, billing, credits, waitingList, notifications, cacheSvc, metrics, validate, logr, service.TransferConfig{
		InvoiceDueIn: cfg.Enrollment.InvoiceDueIn,
		HoldTTL:      cfg.Enrollment.HoldTTL,
	})
	registrations := service.NewAnnualRegistrationService(tx, registrationRepo, billing, credits, notifications, validate, logr, service.AnnualRegistrationConfig{
		Fee:          cfg.Registration.Fee,
		InvoiceDueIn: cfg.Registration.InvoiceDueIn,
	})
	classes := service.NewClassService(tx, classRepo, enrollmentRepo, waitingListRepo, cacheSvc, logr, cfg.Enrollment.HoldTTL)

	billing.OnInvoiceChanged(enrollments.SyncInvoiceTx)
	billing.OnInvoiceChanged(registrations.RefreshPaidFlagTx)
	coordinator.Register("enrollment-activation", enrollments.HandlePaymentCompleted)
	coordinator.Register("transfer-completion", transfers.HandlePaymentCompleted)
	coordinator.Register("annual-registration", registrations.HandlePaymentCompleted)

	sweeps := service.NewSweepService(waitingList, registrations, invoiceRepo, coordinator, classes, notifications, cache.NewLocker(redisClient, "lock:sweep:"), metrics, logr, service.SweepConfig{
		ReminderWindow:   cfg.Billing.ReminderWindow,
		ReminderCooldown: cfg.Billing.ReminderCooldown,
		LockTTL:          cfg.Sweeps.LockTTL,
	})
	if cfg.Sweeps.Enabled {
		sweeps.Start(rootCtx, cfg.Sweeps.Interval)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	handler.RegisterRoutes(r, cfg.APIPrefix, handler.Handlers{
		Enrollments:   handler.NewEnrollmentHandler(enrollments),
		Billing:       handler.NewBillingHandler(billing),
		Credits:       handler.NewCreditHandler(credits),
		WaitingList:   handler.NewWaitingListHandler(waitingList),
		Transfers:     handler.NewTransferHandler(transfers),
		Registrations: handler.NewAnnualRegistrationHandler(registrations),
		Classes:       handler.NewClassHandler(classes),
		Sweeps:        handler.NewSweepHandler(sweeps),
		Metrics:       handler.NewMetricsHandler(metrics, db),
	}, service.NewTokenVerifier(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-rootCtx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
