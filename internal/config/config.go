package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds manager connection, webhook, monitoring, and tracker-classification
// settings. Load from environment; call LoadEnvFile(".env") first to seed the
// process environment from a file.
type Config struct {
	// Manager connection
	ManagerURL      string
	ManagerAPIKey   string
	ManagerPoolSize int
	ManagerTimeout  time.Duration

	// Webhook server
	WebhookEnabled         bool
	WebhookHost            string
	WebhookPort            int
	WebhookSecret          string
	ImportCheckDelay       time.Duration
	WebhookRateLimitPerMin int

	// Monitoring / policy
	MonitoringInterval   time.Duration
	ForceImportThreshold int
	RemovePublicFailures bool
	ProtectPrivateRatio  bool

	// Tracker classification: case-insensitive substring match against the
	// queue item's indexer name.
	PrivateTrackers []string
	PublicTrackers  []string

	// Logging
	LogLevel  string
	LogFormat string // "json" | "console"

	// Mode
	DryRun bool
}

// Load reads config from the environment.
func Load() *Config {
	c := &Config{
		ManagerURL:      strings.TrimSuffix(os.Getenv("RECONCILER_MANAGER_URL"), "/"),
		ManagerAPIKey:   os.Getenv("RECONCILER_MANAGER_API_KEY"),
		ManagerPoolSize: getEnvInt("RECONCILER_MANAGER_POOL_SIZE", 20),
		ManagerTimeout:  getEnvDuration("RECONCILER_MANAGER_TIMEOUT", 30*time.Second),

		WebhookEnabled:         getEnvBool("RECONCILER_WEBHOOK_ENABLED", true),
		WebhookHost:            getEnv("RECONCILER_WEBHOOK_HOST", "0.0.0.0"),
		WebhookPort:            getEnvInt("RECONCILER_WEBHOOK_PORT", 9898),
		WebhookSecret:          os.Getenv("RECONCILER_WEBHOOK_SECRET"),
		ImportCheckDelay:       getEnvDuration("RECONCILER_IMPORT_CHECK_DELAY", 600*time.Second),
		WebhookRateLimitPerMin: getEnvInt("RECONCILER_WEBHOOK_RATE_LIMIT_PER_MIN", 30),

		MonitoringInterval:   getEnvDuration("RECONCILER_MONITORING_INTERVAL", 60*time.Second),
		ForceImportThreshold: getEnvInt("RECONCILER_FORCE_IMPORT_THRESHOLD", 10),
		RemovePublicFailures: getEnvBool("RECONCILER_REMOVE_PUBLIC_FAILURES", true),
		ProtectPrivateRatio:  getEnvBool("RECONCILER_PROTECT_PRIVATE_RATIO", true),

		PrivateTrackers: getEnvList("RECONCILER_TRACKERS_PRIVATE", nil),
		PublicTrackers:  getEnvList("RECONCILER_TRACKERS_PUBLIC", nil),

		LogLevel:  getEnv("RECONCILER_LOG_LEVEL", "info"),
		LogFormat: getEnv("RECONCILER_LOG_FORMAT", "console"),

		DryRun: getEnvBool("RECONCILER_DRY_RUN", false),
	}
	if c.ManagerPoolSize <= 0 {
		c.ManagerPoolSize = 20
	}
	if c.ManagerTimeout <= 0 {
		c.ManagerTimeout = 30 * time.Second
	}
	if c.WebhookRateLimitPerMin <= 0 {
		c.WebhookRateLimitPerMin = 30
	}
	if c.MonitoringInterval <= 0 {
		c.MonitoringInterval = 60 * time.Second
	}
	if c.ForceImportThreshold == 0 {
		c.ForceImportThreshold = 10
	}
	return c
}

// Validate returns a descriptive error when a required field is missing.
// Required: manager URL and API key.
func (c *Config) Validate() error {
	if c.ManagerURL == "" {
		return fmt.Errorf("config: RECONCILER_MANAGER_URL is required")
	}
	if c.ManagerAPIKey == "" {
		return fmt.Errorf("config: RECONCILER_MANAGER_API_KEY is required")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
