package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	RedisURL    string
	PostgresDSN string
	PodID       string
	Port        string
	LogLevel    string
	LogFile     string

	KafkaBroker  string
	KafkaTopic   string
	KafkaGroupID string

	// Classification cascade
	AIEndpoint             string
	AIAPIKey               string
	AIModel                string
	AITimeoutMS            int64
	AIMaxAttempts          int
	AIConfidenceThreshold  float64
	KeywordConfidenceFloor float64
	CacheTTLHours          int

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerOpenTimeoutSec   int

	// Scheduler
	CheckIntervalMS   int64
	JobRatePerSecond  int
	JobWorkers        int
	JobRetryDelaySec  int
	LeaderElectionTTL int

	// Escalation
	MaxEscalations        int
	EscalationIntervalMin int
	DedupWindowMin        int

	// Notification channel
	TelegramBotToken   string
	TelegramRatePerSec int
}

func Load() *Config {
	// .env is optional, real deployments set the environment directly.
	_ = godotenv.Load()

	config := &Config{
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		PostgresDSN: getEnv("POSTGRES_DSN", "postgres://localhost:5432/sla_tracker"),
		PodID:       getEnv("POD_ID", generatePodID()),
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     getEnv("LOG_FILE", ""),

		KafkaBroker:  getEnv("KAFKA_BROKER", ""),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "chat_messages"),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "sla-tracker"),

		AIEndpoint:             getEnv("AI_ENDPOINT", "https://api.openai.com/v1"),
		AIAPIKey:               getEnv("AI_API_KEY", ""),
		AIModel:                getEnv("AI_MODEL", "gpt-4o-mini"),
		AITimeoutMS:            getEnvInt64("AI_TIMEOUT_MS", 10000),
		AIMaxAttempts:          getEnvInt("AI_MAX_ATTEMPTS", 3),
		AIConfidenceThreshold:  getEnvFloat("AI_CONFIDENCE_THRESHOLD", 0.7),
		KeywordConfidenceFloor: getEnvFloat("KEYWORD_CONFIDENCE_FLOOR", 0.5),
		CacheTTLHours:          getEnvInt("CLASSIFICATION_CACHE_TTL_HOURS", 24),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerOpenTimeoutSec:   getEnvInt("BREAKER_OPEN_TIMEOUT_SECONDS", 60),

		CheckIntervalMS:   getEnvInt64("CHECK_INTERVAL_MS", 1000),
		JobRatePerSecond:  getEnvInt("JOB_RATE_PER_SECOND", 10),
		JobWorkers:        getEnvInt("JOB_WORKERS", 5),
		JobRetryDelaySec:  getEnvInt("JOB_RETRY_DELAY_SECONDS", 30),
		LeaderElectionTTL: getEnvInt("LEADER_ELECTION_TTL", 10),

		MaxEscalations:        getEnvInt("MAX_ESCALATIONS", 3),
		EscalationIntervalMin: getEnvInt("ESCALATION_INTERVAL_MINUTES", 30),
		DedupWindowMin:        getEnvInt("DEDUP_WINDOW_MINUTES", 5),

		TelegramBotToken:   getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramRatePerSec: getEnvInt("TELEGRAM_RATE_PER_SECOND", 20),
	}

	return config
}

func (c *Config) AITimeout() time.Duration {
	return time.Duration(c.AITimeoutMS) * time.Millisecond
}

func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMS) * time.Millisecond
}

func (c *Config) JobRetryDelay() time.Duration {
	return time.Duration(c.JobRetryDelaySec) * time.Second
}

func (c *Config) BreakerOpenTimeout() time.Duration {
	return time.Duration(c.BreakerOpenTimeoutSec) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

func (c *Config) EscalationInterval() time.Duration {
	return time.Duration(c.EscalationIntervalMin) * time.Minute
}

func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMin) * time.Minute
}

func (c *Config) LeaderElectionTTLDuration() time.Duration {
	return time.Duration(c.LeaderElectionTTL) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
