package config

import (
	"os"
	"strconv"
	"time"
)

// Server captures process-level configuration. FromEnv keeps main lean; every
// knob has a development default so the engine runs with memory stores and
// fake collaborators when nothing is configured.
type Server struct {
	Addr          string
	JWTSigningKey string

	PostgresURL  string
	RedisURL     string
	KafkaBrokers string
	KafkaTopic   string

	Disbursement Disbursement
}

// Disbursement bounds the retry behavior of the payout path.
type Disbursement struct {
	// MaxAttempts is the number of payout generations tried before an order
	// is escalated to manual reconciliation.
	MaxAttempts int
	// BackoffBase is the delay before the first retry; each subsequent retry
	// doubles it.
	BackoffBase time.Duration
	// ExecutingTimeout is how long an order may sit in executing before the
	// retrier reconciles it against the gateway's own status.
	ExecutingTimeout time.Duration
	// PollInterval is the retrier's scan cadence.
	PollInterval time.Duration
}

// FromEnv builds a Server config from environment variables.
func FromEnv() Server {
	addr := os.Getenv("ALMONER_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Development default - must be overridden in production
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	topic := os.Getenv("KAFKA_NOTIFY_TOPIC")
	if topic == "" {
		topic = "almoner.notifications"
	}

	return Server{
		Addr:          addr,
		JWTSigningKey: jwtSigningKey,
		PostgresURL:   os.Getenv("POSTGRES_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		KafkaBrokers:  os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:    topic,
		Disbursement: Disbursement{
			MaxAttempts:      envInt("DISBURSE_MAX_ATTEMPTS", 5),
			BackoffBase:      envDuration("DISBURSE_BACKOFF_BASE", 2*time.Second),
			ExecutingTimeout: envDuration("DISBURSE_EXECUTING_TIMEOUT", 2*time.Minute),
			PollInterval:     envDuration("DISBURSE_POLL_INTERVAL", 5*time.Second),
		},
	}
}

func envInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(key); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}
