package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	AllowedOrigins []string
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	LogLevel       string
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	// Webhook gateway
	PublicBaseURL       string
	ProviderAuthToken   string
	SkipSignature       bool
	WebhookMaxBodyBytes int64
	WebhookRateLimit    int // requests per minute per client
	WebhookRateBurst    int

	// CRM
	CRMBaseURL      string
	CRMAPIToken     string
	CRMTimeout      time.Duration
	ContactCacheTTL time.Duration

	// Routing
	DefaultQueue     string
	Queues           []string
	TopicSkills      map[string][]string
	RoutingRulesFile string
	RoutingTimezone  *time.Location

	// Scheduler
	ReservationTimeout time.Duration
	MaxQueueWait       time.Duration

	// Activity logging
	ActivityMaxAttempts   int
	ActivityRetryBase     time.Duration
	ActivityRetryMax      time.Duration
	ActivityRetryInterval time.Duration

	// Backends
	LedgerBackend      string
	LedgerTTL          time.Duration
	RedisURL           string
	BroadcastTransport string
	StoreBackend       string
	DatabaseURL        string

	// Operator status
	StatusInterval        time.Duration
	BacklogAlertThreshold int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:               getEnv("PORT", "8080"),
		AllowedOrigins:     splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		PublicBaseURL:      strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		ProviderAuthToken:  os.Getenv("PROVIDER_AUTH_TOKEN"),
		SkipSignature:      getEnv("SKIP_SIGNATURE", "false") == "true",
		CRMBaseURL:         strings.TrimRight(os.Getenv("CRM_BASE_URL"), "/"),
		CRMAPIToken:        os.Getenv("CRM_API_TOKEN"),
		DefaultQueue:       getEnv("DEFAULT_QUEUE", "general"),
		Queues:             splitList(getEnv("QUEUES", "general")),
		RoutingRulesFile:   os.Getenv("ROUTING_RULES_FILE"),
		LedgerBackend:      getEnv("LEDGER_BACKEND", "memory"),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		BroadcastTransport: getEnv("BROADCAST_TRANSPORT", "local"),
		StoreBackend:       getEnv("STORE_BACKEND", "memory"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
	}

	// Parse WebSocket timeouts
	wsReadTimeout, err := strconv.Atoi(getEnv("WS_READ_TIMEOUT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_READ_TIMEOUT: %w", err)
	}
	config.WSReadTimeout = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := strconv.Atoi(getEnv("WS_WRITE_TIMEOUT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	config.WSWriteTimeout = time.Duration(wsWriteTimeout) * time.Second

	// Calculate WebSocket constants
	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 512

	maxBody, err := strconv.ParseInt(getEnv("WEBHOOK_MAX_BODY_BYTES", "65536"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_MAX_BODY_BYTES: %w", err)
	}
	config.WebhookMaxBodyBytes = maxBody

	if config.WebhookRateLimit, err = strconv.Atoi(getEnv("WEBHOOK_RATE_LIMIT", "600")); err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_RATE_LIMIT: %w", err)
	}
	if config.WebhookRateBurst, err = strconv.Atoi(getEnv("WEBHOOK_RATE_BURST", "60")); err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_RATE_BURST: %w", err)
	}

	crmTimeout, err := strconv.Atoi(getEnv("CRM_TIMEOUT_MS", "2000"))
	if err != nil {
		return nil, fmt.Errorf("invalid CRM_TIMEOUT_MS: %w", err)
	}
	config.CRMTimeout = time.Duration(crmTimeout) * time.Millisecond

	cacheTTL, err := strconv.Atoi(getEnv("CONTACT_CACHE_TTL", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid CONTACT_CACHE_TTL: %w", err)
	}
	config.ContactCacheTTL = time.Duration(cacheTTL) * time.Minute

	topicSkills, err := parseTopicSkills(os.Getenv("TOPIC_SKILLS"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOPIC_SKILLS: %w", err)
	}
	config.TopicSkills = topicSkills

	loc, err := time.LoadLocation(getEnv("ROUTING_TIMEZONE", "UTC"))
	if err != nil {
		return nil, fmt.Errorf("invalid ROUTING_TIMEZONE: %w", err)
	}
	config.RoutingTimezone = loc

	if config.ReservationTimeout, err = seconds("RESERVATION_TIMEOUT", "30"); err != nil {
		return nil, err
	}
	if config.MaxQueueWait, err = seconds("MAX_QUEUE_WAIT", "600"); err != nil {
		return nil, err
	}

	if config.ActivityMaxAttempts, err = strconv.Atoi(getEnv("ACTIVITY_MAX_ATTEMPTS", "8")); err != nil {
		return nil, fmt.Errorf("invalid ACTIVITY_MAX_ATTEMPTS: %w", err)
	}
	if config.ActivityRetryBase, err = seconds("ACTIVITY_RETRY_BASE", "2"); err != nil {
		return nil, err
	}
	if config.ActivityRetryMax, err = seconds("ACTIVITY_RETRY_MAX", "300"); err != nil {
		return nil, err
	}
	if config.ActivityRetryInterval, err = seconds("ACTIVITY_RETRY_INTERVAL", "5"); err != nil {
		return nil, err
	}

	ledgerTTL, err := strconv.Atoi(getEnv("LEDGER_TTL", "72"))
	if err != nil {
		return nil, fmt.Errorf("invalid LEDGER_TTL: %w", err)
	}
	config.LedgerTTL = time.Duration(ledgerTTL) * time.Hour

	if config.StatusInterval, err = seconds("STATUS_INTERVAL", "5"); err != nil {
		return nil, err
	}
	if config.BacklogAlertThreshold, err = strconv.Atoi(getEnv("BACKLOG_ALERT_THRESHOLD", "10")); err != nil {
		return nil, fmt.Errorf("invalid BACKLOG_ALERT_THRESHOLD: %w", err)
	}

	if config.ProviderAuthToken == "" && !config.SkipSignature {
		return nil, fmt.Errorf("PROVIDER_AUTH_TOKEN is required unless SKIP_SIGNATURE=true")
	}

	return config, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func seconds(key, defaultValue string) (time.Duration, error) {
	n, err := strconv.Atoi(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(n) * time.Second, nil
}

// splitList splits a comma separated value and trims spaces
func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseTopicSkills parses "billing=billing;spanish=spanish,support"
func parseTopicSkills(value string) (map[string][]string, error) {
	out := make(map[string][]string)
	if strings.TrimSpace(value) == "" {
		return out, nil
	}
	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		topic, skills, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(topic) == "" {
			return nil, fmt.Errorf("malformed entry %q", entry)
		}
		out[strings.ToLower(strings.TrimSpace(topic))] = splitList(skills)
	}
	return out, nil
}
