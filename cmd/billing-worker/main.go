package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-signup/internal/audit"
	"ms-signup/internal/billing"
	handlers "ms-signup/internal/billing/handler"
	"ms-signup/internal/config"
	"ms-signup/internal/kafka"
	"ms-signup/internal/logger"
	"ms-signup/internal/models"
	resdb "ms-signup/internal/reservation/db"
)

func main() {
	_ = godotenv.Load() // Loads .env file if present

	cfg := config.Load()
	appLog := logger.NewLogger()
	defer appLog.Close()

	// --- PostgreSQL ---
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("❌ Failed to open Postgres: %v", err)
	}
	defer sqldb.Close()
	if err := sqldb.Ping(); err != nil {
		log.Fatalf("❌ Failed to connect to Postgres: %v", err)
	}
	bunDB := bun.NewDB(sqldb, pgdialect.New())

	// --- Kafka ---
	var auditPub audit.Publisher
	var billingPub billing.BillingPublisher
	var kafkaProducer *kafka.Producer
	if cfg.Kafka.Enabled {
		kafkaProducer = kafka.NewProducer(cfg.Kafka.Brokers)
		defer kafkaProducer.Close()
		auditPub = kafkaProducer
		billingPub = kafkaProducer
	}

	// --- Billing service ---
	reservationDB := &resdb.DB{Bun: bunDB}
	ledger := &billing.DB{Bun: bunDB}
	trail := audit.NewTrail(bunDB, auditPub, cfg.Kafka.Topics.AuditEvents, appLog)

	stripeSvc, err := billing.NewStripeService(appLog)
	if err != nil {
		log.Fatalf("❌ Stripe is required for the billing worker: %v", err)
	}
	captureService := billing.NewService(ledger, stripeSvc, reservationDB, trail, billingPub,
		cfg.Kafka.Topics.BillingEvents, cfg.Billing, appLog)

	// --- Confirmation stream consumer ---
	// Confirmed reservations arrive on the audit mirror; the capture itself is
	// idempotent, so redelivery or overlap with the inline capture is harmless.
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.AuditEvents, cfg.Kafka.GroupID+"-billing")
		defer consumer.Close()
		go consumer.Start(consumerCtx, func(key, value []byte) error {
			return handleAuditEvent(consumerCtx, captureService, reservationDB, appLog, value)
		})
		log.Printf("📨 Consuming confirmation events from %s", cfg.Kafka.Topics.AuditEvents)
	}

	// --- Router ---
	handler := handlers.NewBillingHandler(captureService, ledger, reservationDB, appLog)

	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.GET("/health", handler.Health)
	router.POST("/webhook/stripe", handler.HandleStripeWebhook)
	v1 := router.Group("/api/v1/billing")
	{
		v1.POST("/captures/:reservationId", handler.CaptureFee)
		v1.GET("/captures/:reservationId", handler.GetCapture)
	}

	port := os.Getenv("BILLING_PORT")
	if port == "" {
		port = ":8081"
	}
	server := &http.Server{Addr: port, Handler: router}

	go func() {
		log.Printf("🚀 Billing Worker running on %s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("📦 Shutdown signal received. Cleaning up...")

	stopConsumer()
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Fatalf("❌ Server forced to shutdown: %v", err)
	}

	log.Println("✅ Billing worker exited gracefully")
}

// handleAuditEvent drives the success-fee capture off the mirrored status
// transitions. Only pending/needs_user_action -> confirmed is billable.
func handleAuditEvent(ctx context.Context, captureService *billing.Service, users *resdb.DB,
	appLog *logger.Logger, value []byte) error {
	var event models.AuditEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("failed to decode audit event: %w", err)
	}
	if event.EventType != models.AuditStatusTransition {
		return nil
	}

	var data struct {
		ReservationID string `json:"reservation_id"`
		To            string `json:"to"`
	}
	if err := json.Unmarshal(event.EventData, &data); err != nil {
		return fmt.Errorf("failed to decode transition data: %w", err)
	}
	if data.To != string(models.ReservationConfirmed) || data.ReservationID == "" {
		return nil
	}

	email := ""
	if user, err := users.GetUserByID(ctx, event.UserID); err == nil {
		email = user.Email
	}

	result, err := captureService.CaptureSuccessFee(ctx, data.ReservationID, email)
	if err != nil {
		appLog.LogBilling("CONSUMER", data.ReservationID, fmt.Sprintf("capture failed, will retry on next event: %v", err))
		return err
	}
	if result.Captured {
		appLog.LogBilling("CONSUMER", data.ReservationID, "success fee captured from confirmation event")
	}
	return nil
}
