package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EngineConfig holds all configuration for the call orchestration engine.
type EngineConfig struct {
	Port       string
	InstanceID string

	// Telephony provider
	WebhookSecret    string
	TwilioAccountSID string
	TwilioAuthToken  string

	// AI conversation backend
	AIBackendURL   string
	AIBackendToken string
	ConnectTimeout time.Duration

	// Session liveness watchdog
	SilenceThreshold  time.Duration
	ForceCloseAfter   time.Duration
	HeartbeatInterval time.Duration

	// Call lifecycle
	RingTimeout    time.Duration
	EvictionGrace  time.Duration
	EventRetention time.Duration

	// Ingress rate limiting
	RateLimitPerMin int
	RateLimitBurst  int

	// Audio bridge
	FrameQueueSize int

	// Collaborators
	TenantConfigURL string
	DatabaseDSN     string
	APISecretKey    string

	// Pub/Sub outcome topics
	PubSubProjectID string
	PubSubTopic     string
	PubSubPubID     string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
}

// LoadFromEnv loads engine configuration from environment variables with
// sensible defaults for local development.
func LoadFromEnv() *EngineConfig {
	return &EngineConfig{
		Port:       getEnvOrDefault("ENGINE_PORT", "8082"),
		InstanceID: dynamicInstanceID(),

		WebhookSecret:    getEnvOrDefault("TELEPHONY_WEBHOOK_SECRET", ""),
		TwilioAccountSID: getEnvOrDefault("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnvOrDefault("TWILIO_AUTH_TOKEN", ""),

		AIBackendURL:   getEnvOrDefault("AI_BACKEND_URL", "wss://localhost:9090/session"),
		AIBackendToken: getEnvOrDefault("AI_BACKEND_TOKEN", ""),
		ConnectTimeout: getEnvAsDurationOrDefault("AI_CONNECT_TIMEOUT", 5*time.Second),

		SilenceThreshold:  getEnvAsDurationOrDefault("SESSION_SILENCE_THRESHOLD", 20*time.Second),
		ForceCloseAfter:   getEnvAsDurationOrDefault("SESSION_FORCE_CLOSE_AFTER", 40*time.Second),
		HeartbeatInterval: getEnvAsDurationOrDefault("SESSION_HEARTBEAT_INTERVAL", 5*time.Second),

		RingTimeout:    getEnvAsDurationOrDefault("CALL_RING_TIMEOUT", 25*time.Second),
		EvictionGrace:  getEnvAsDurationOrDefault("CALL_EVICTION_GRACE", 2*time.Minute),
		EventRetention: getEnvAsDurationOrDefault("EVENT_DEDUP_RETENTION", 24*time.Hour),

		RateLimitPerMin: getEnvAsIntOrDefault("INGRESS_RATE_LIMIT_PER_MIN", 60),
		RateLimitBurst:  getEnvAsIntOrDefault("INGRESS_RATE_LIMIT_BURST", 20),

		FrameQueueSize: getEnvAsIntOrDefault("BRIDGE_FRAME_QUEUE_SIZE", 64),

		TenantConfigURL: getEnvOrDefault("TENANT_CONFIG_URL", "http://localhost:8004"),
		DatabaseDSN:     getEnvOrDefault("DATABASE_DSN", ""),
		APISecretKey:    getEnvOrDefault("API_SECRET_KEY", ""),

		PubSubProjectID: getEnvOrDefault("PUBSUB_PROJECT_ID", ""),
		PubSubTopic:     getEnvOrDefault("PUBSUB_TOPIC_NAME", ""),
		PubSubPubID:     getEnvOrDefault("PUBSUB_PUB_ID", ""),

		RedisHost:     getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsIntOrDefault("REDIS_DB", 0),
	}
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsDurationOrDefault gets environment variable as duration or returns default
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// dynamicInstanceID generates a unique identifier for this service instance.
// It first tries the system hostname (pod name in K8s), then a timestamp.
func dynamicInstanceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("call-engine-%d", time.Now().UnixNano())
}
