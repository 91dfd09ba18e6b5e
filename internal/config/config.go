package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Scheduler  SchedulerConfig
	Queue      QueueConfig
	Billing    BillingConfig
	Recaptcha  RecaptchaConfig
	Automation AutomationConfig
	PublicMode bool
	Production bool
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	Host         string
	Port         string
	Username     string
	Password     string
	Database     string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

type RedisConfig struct {
	Addr string
}

type KafkaConfig struct {
	Brokers  []string
	GroupID  string
	Topics   TopicConfig
	MockMode bool
	Enabled  bool
}

type TopicConfig struct {
	PlanEvents    string
	QueueEvents   string
	BillingEvents string
	Notifications string
	AuditEvents   string
}

// SchedulerConfig controls the arm/prewarm/fire timeline.
type SchedulerConfig struct {
	PrewarmLead   time.Duration // how far before execute_at the warm-up runs
	TightLoopFrom time.Duration // how far before execute_at the tight loop starts
	PollInterval  time.Duration // tight loop cadence when open time is not exact
	MaxPollWindow time.Duration // give up polling and fire after this
	FireTolerance time.Duration // fire must land in [T, T+FireTolerance)
}

type QueueConfig struct {
	RoundWindow time.Duration // admission round length from first arrival
	HardTimeout time.Duration // unadmitted entries fail after this
}

type BillingConfig struct {
	SuccessFeeCents int64
	Currency        string
}

type RecaptchaConfig struct {
	Secret        string
	MinScore      float64
	SentinelToken string
}

type AutomationConfig struct {
	BaseURL string
	Timeout time.Duration
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8080"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			Username:     getEnv("DB_USERNAME", "signup_user"),
			Password:     getEnv("DB_PASSWORD", "signup_pass"),
			Database:     getEnv("DB_NAME", "signup_race"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
		},
		Redis: RedisConfig{
			Addr: getEnv("REDIS_ADDR", "localhost:6379"),
		},
		Kafka: KafkaConfig{
			Brokers:  []string{getEnv("KAFKA_BROKERS", "localhost:9092")},
			GroupID:  getEnv("KAFKA_GROUP_ID", "signup-race-group"),
			Enabled:  getEnvBool("KAFKA_ENABLED", true),
			MockMode: getEnvBool("KAFKA_MOCK_MODE", false),
			Topics: TopicConfig{
				PlanEvents:    getEnv("KAFKA_TOPIC_PLANS", "plan-events"),
				QueueEvents:   getEnv("KAFKA_TOPIC_QUEUE", "queue-events"),
				BillingEvents: getEnv("KAFKA_TOPIC_BILLING", "billing-events"),
				Notifications: getEnv("KAFKA_TOPIC_NOTIFICATIONS", "notification-requests"),
				AuditEvents:   getEnv("KAFKA_TOPIC_AUDIT", "audit-events"),
			},
		},
		Scheduler: SchedulerConfig{
			PrewarmLead:   time.Duration(getEnvInt("PREWARM_LEAD_MINUTES", 5)) * time.Minute,
			TightLoopFrom: 5 * time.Second,
			PollInterval:  time.Duration(getEnvInt("POLL_INTERVAL_MS", 300)) * time.Millisecond,
			MaxPollWindow: time.Duration(getEnvInt("MAX_POLL_WINDOW_SECONDS", 60)) * time.Second,
			FireTolerance: 250 * time.Millisecond,
		},
		Queue: QueueConfig{
			RoundWindow: time.Duration(getEnvInt("QUEUE_ROUND_WINDOW_SECONDS", 3)) * time.Second,
			HardTimeout: time.Duration(getEnvInt("QUEUE_HARD_TIMEOUT_SECONDS", 120)) * time.Second,
		},
		Billing: BillingConfig{
			SuccessFeeCents: int64(getEnvInt("SUCCESS_FEE_CENTS", 2000)),
			Currency:        getEnv("SUCCESS_FEE_CURRENCY", "usd"),
		},
		Recaptcha: RecaptchaConfig{
			Secret:        getEnv("RECAPTCHA_SECRET", ""),
			MinScore:      0.5,
			SentinelToken: getEnv("RECAPTCHA_TEST_TOKEN", "test-token"),
		},
		Automation: AutomationConfig{
			BaseURL: getEnv("AUTOMATION_SERVICE_URL", "http://localhost:9090"),
			Timeout: time.Duration(getEnvInt("AUTOMATION_TIMEOUT_SECONDS", 45)) * time.Second,
		},
		PublicMode: getEnvBool("PUBLIC_MODE", false),
		Production: getEnvBool("PRODUCTION", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
