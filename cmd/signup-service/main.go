package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-signup/internal/api"
	"ms-signup/internal/audit"
	"ms-signup/internal/auth"
	"ms-signup/internal/automation"
	"ms-signup/internal/billing"
	"ms-signup/internal/config"
	"ms-signup/internal/database/migrations"
	"ms-signup/internal/gate"
	"ms-signup/internal/kafka"
	"ms-signup/internal/logger"
	"ms-signup/internal/models"
	"ms-signup/internal/notify"
	plandb "ms-signup/internal/plan/db"
	"ms-signup/internal/queue"
	queuedb "ms-signup/internal/queue/db"
	queueredis "ms-signup/internal/queue/redis"
	"ms-signup/internal/reservation"
	resdb "ms-signup/internal/reservation/db"
	"ms-signup/internal/scheduler"
	"ms-signup/internal/sse"
	"ms-signup/internal/verify"
)

// planEventFanout sends plan lifecycle events to both the SSE emitter and
// Kafka through the scheduler's single publisher hook.
type planEventFanout struct {
	targets []scheduler.PlanPublisher
}

func (f *planEventFanout) PublishPlanEvent(ctx context.Context, topic string, plan models.RegistrationPlan, eventType string) error {
	var firstErr error
	for _, t := range f.targets {
		if err := t.PublishPlanEvent(ctx, topic, plan, eventType); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func connectPostgres(cfg config.DatabaseConfig) *bun.DB {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("❌ Failed to open Postgres: %v", err)
	}
	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	if err := sqldb.Ping(); err != nil {
		log.Fatalf("❌ Failed to connect to Postgres: %v", err)
	}
	log.Println("🔗 Postgres connection successful")

	return bun.NewDB(sqldb, pgdialect.New())
}

func main() {
	_ = godotenv.Load() // Loads .env file if present

	ctx := context.Background()
	cfg := config.Load()

	appLog := logger.NewLogger()
	defer appLog.Close()

	// --- PostgreSQL + migrations ---
	bunDB := connectPostgres(cfg.Database)
	defer bunDB.Close()

	migrateOpts := migrations.DefaultOptions()
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		migrateOpts.MigrationsDir = dir
	}
	runner := migrations.NewRunner(bunDB, migrateOpts)
	if err := runner.RunMigrations(); err != nil {
		log.Fatalf("❌ Migrations failed: %v", err)
	}

	// --- Redis ---
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	log.Println("🔗 Connecting to Redis...")
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	sessionLock := queueredis.NewRedis(redisClient)

	// --- Kafka ---
	emitter := sse.NewPlanEventEmitter()
	planFanout := &planEventFanout{targets: []scheduler.PlanPublisher{emitter}}

	var kafkaProducer *kafka.Producer
	var auditPub audit.Publisher
	var notifyPub notify.Publisher
	var queuePub queue.QueuePublisher
	var billingPub billing.BillingPublisher
	if cfg.Kafka.Enabled {
		topics := []string{
			cfg.Kafka.Topics.PlanEvents,
			cfg.Kafka.Topics.QueueEvents,
			cfg.Kafka.Topics.BillingEvents,
			cfg.Kafka.Topics.Notifications,
			cfg.Kafka.Topics.AuditEvents,
		}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics); err != nil {
			appLog.Warn("KAFKA", fmt.Sprintf("Topic bootstrap failed, continuing: %v", err))
		}
		kafkaProducer = kafka.NewProducer(cfg.Kafka.Brokers)
		defer kafkaProducer.Close()
		auditPub = kafkaProducer
		notifyPub = kafkaProducer
		queuePub = kafkaProducer
		billingPub = kafkaProducer
		planFanout.targets = append(planFanout.targets, kafkaProducer)
	}

	// --- Storage layers ---
	reservationDB := &resdb.DB{Bun: bunDB}
	planDB := &plandb.DB{Bun: bunDB}
	entryDB := &queuedb.DB{Bun: bunDB}
	ledger := &billing.DB{Bun: bunDB}

	// --- Core services ---
	trail := audit.NewTrail(bunDB, auditPub, cfg.Kafka.Topics.AuditEvents, appLog)
	states := reservation.NewService(reservationDB, trail, appLog)

	automationClient := automation.NewClient(cfg.Automation, sessionLock, appLog)
	verifier := verify.NewVerifier(cfg.Recaptcha, cfg.Production, appLog)

	passes := notify.NewPassGenerator(os.Getenv("PASS_SECRET"))
	notifier := notify.NewNotifier(notifyPub, cfg.Kafka.Topics.Notifications, passes, appLog)

	var feeCapture gate.CaptureService
	var billingSvc *billing.Service
	stripeSvc, err := billing.NewStripeService(appLog)
	if err != nil {
		appLog.Warn("BILLING", fmt.Sprintf("Stripe unavailable, success fees will not be captured: %v", err))
	} else {
		billingSvc = billing.NewService(ledger, stripeSvc, reservationDB, trail, billingPub,
			cfg.Kafka.Topics.BillingEvents, cfg.Billing, appLog)
		feeCapture = billingSvc
	}

	executionGate := gate.New(reservationDB, planDB, states, verifier, automationClient,
		feeCapture, nil, notifier, trail, cfg.PublicMode, appLog)

	queueManager := queue.NewManager(executionGate, entryDB, sessionLock, states, trail,
		queuePub, cfg.Kafka.Topics.QueueEvents, cfg.Queue, appLog)
	// The gate closes the queue on capacity exhaustion, the queue dispatches
	// into the gate; the cycle is closed here after both exist.
	executionGate.Queue = queueManager

	sched := scheduler.New(planDB, reservationDB, queueManager, automationClient, automationClient,
		trail, planFanout, cfg.Kafka.Topics.PlanEvents, scheduler.NewClock(), cfg.Scheduler, appLog)

	// Re-arm plans that were live when the process last stopped.
	if armed, err := planDB.GetArmedPlans(ctx); err != nil {
		appLog.Error("SCHEDULER", fmt.Sprintf("Failed to load armed plans for resume: %v", err))
	} else if len(armed) > 0 {
		sched.Resume(ctx, armed)
		log.Printf("⏰ Resumed %d armed plan(s)", len(armed))
	}

	// --- Router ---
	handler := api.NewHandler(sched, executionGate, states, planDB, reservationDB, feeCapture, appLog)
	sseHandler := api.NewSSEHandler(appLog, emitter)

	r := chi.NewRouter()
	r.Get("/health", handler.Health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware())

		r.Post("/plans/{planId}/arm", handler.ArmPlan)
		r.Get("/plans/{planId}", handler.GetPlan)
		r.Delete("/plans/{planId}", handler.CancelPlan)
		r.Get("/plans/{planId}/events", sseHandler.HandlePlanEvents)

		r.Post("/reservations/{reservationId}/execute", handler.ExecuteReservation)
		r.Post("/reservations/{reservationId}/transition", handler.TransitionReservation)
		r.Post("/reservations/{reservationId}/capture-fee", handler.CaptureFee)
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("🚀 Signup Service running on %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ HTTP server error: %v", err)
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("📦 Shutdown signal received. Cleaning up...")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Fatalf("❌ Server forced to shutdown: %v", err)
	}
	queueManager.Shutdown()

	log.Println("✅ Signup service exited gracefully")
}
