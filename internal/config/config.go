// Package config loads and validates process configuration from the
// environment, following the env-var-with-defaults convention used
// throughout this codebase.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every setting the cache proxy needs at startup.
type Config struct {
	// Required
	UpstreamFrontendURL string
	UpstreamDBURL       string
	CompanionURL        string
	CompanionSecret     string
	VideosDir           string

	// Optional with defaults
	ListenPort             int
	SingleUser             string // empty = all users
	QualityPreference      string // "best" | "worst" | "<N>p"
	RateLimitBytesPerSec   int64  // 0 = unlimited
	CheckIntervalMinutes   int
	MaxConcurrentDownloads int
	MaxRetryAttempts       int
	RetryBaseDelayMinutes  int
	CleanupEnabled         bool
	CleanupAgeDays         int
	CleanupIntervalHours   int
	ThrottleSpeedThreshold int64 // bytes/s; 0 disables
	ThrottleWindowSeconds  int
	ThrottleMaxRetries     int
}

// ValidationError collects every failing field so operators see the whole
// report in one pass instead of fixing env vars one at a time.
type ValidationError struct {
	Fields []FieldError
}

// FieldError names one failing configuration field.
type FieldError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid configuration:")
	for _, f := range e.Fields {
		fmt.Fprintf(&b, "\n  - %s: %s", f.Field, f.Message)
	}
	return b.String()
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Load reads Config from the environment and validates it. Call
// LoadEnvFile(".env") beforehand to seed the environment from a file.
func Load() (*Config, error) {
	c := &Config{
		UpstreamFrontendURL:    getEnv("CACHEPROXY_UPSTREAM_URL", ""),
		UpstreamDBURL:          getEnv("CACHEPROXY_UPSTREAM_DB_URL", ""),
		CompanionURL:           getEnv("CACHEPROXY_COMPANION_URL", ""),
		CompanionSecret:        getEnv("CACHEPROXY_COMPANION_SECRET", ""),
		VideosDir:              getEnv("CACHEPROXY_VIDEOS_DIR", ""),
		ListenPort:             getEnvInt("CACHEPROXY_PORT", 3001),
		SingleUser:             getEnv("CACHEPROXY_SINGLE_USER", ""),
		QualityPreference:      getEnv("CACHEPROXY_QUALITY", "best"),
		RateLimitBytesPerSec:   getEnvInt64("CACHEPROXY_RATE_LIMIT_BPS", 0),
		CheckIntervalMinutes:   getEnvInt("CACHEPROXY_CHECK_INTERVAL_MINUTES", 5),
		MaxConcurrentDownloads: getEnvInt("CACHEPROXY_MAX_CONCURRENT", 2),
		MaxRetryAttempts:       getEnvInt("CACHEPROXY_MAX_RETRIES", 3),
		RetryBaseDelayMinutes:  getEnvInt("CACHEPROXY_RETRY_BASE_DELAY_MINUTES", 1),
		CleanupEnabled:         getEnvBool("CACHEPROXY_CLEANUP_ENABLED", false),
		CleanupAgeDays:         getEnvInt("CACHEPROXY_CLEANUP_AGE_DAYS", 30),
		CleanupIntervalHours:   getEnvInt("CACHEPROXY_CLEANUP_INTERVAL_HOURS", 6),
		ThrottleSpeedThreshold: getEnvInt64("CACHEPROXY_THROTTLE_SPEED_THRESHOLD", 0),
		ThrottleWindowSeconds:  getEnvInt("CACHEPROXY_THROTTLE_WINDOW_SECONDS", 10),
		ThrottleMaxRetries:     getEnvInt("CACHEPROXY_THROTTLE_MAX_RETRIES", 3),
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	verr := &ValidationError{}

	if strings.TrimSpace(c.UpstreamFrontendURL) == "" {
		verr.add("CACHEPROXY_UPSTREAM_URL", "required")
	}
	if strings.TrimSpace(c.UpstreamDBURL) == "" {
		verr.add("CACHEPROXY_UPSTREAM_DB_URL", "required")
	}
	if strings.TrimSpace(c.CompanionURL) == "" {
		verr.add("CACHEPROXY_COMPANION_URL", "required")
	}
	if strings.TrimSpace(c.CompanionSecret) == "" {
		verr.add("CACHEPROXY_COMPANION_SECRET", "required")
	}
	if strings.TrimSpace(c.VideosDir) == "" {
		verr.add("CACHEPROXY_VIDEOS_DIR", "required")
	}

	if c.ListenPort < 1 || c.ListenPort > 65535 {
		verr.add("CACHEPROXY_PORT", "must be between 1 and 65535, got %d", c.ListenPort)
	}
	requirePositiveInt(verr, "CACHEPROXY_CHECK_INTERVAL_MINUTES", c.CheckIntervalMinutes)
	requirePositiveInt(verr, "CACHEPROXY_MAX_CONCURRENT", c.MaxConcurrentDownloads)
	requirePositiveInt(verr, "CACHEPROXY_MAX_RETRIES", c.MaxRetryAttempts)
	requirePositiveInt(verr, "CACHEPROXY_RETRY_BASE_DELAY_MINUTES", c.RetryBaseDelayMinutes)
	requirePositiveInt(verr, "CACHEPROXY_CLEANUP_AGE_DAYS", c.CleanupAgeDays)
	requirePositiveInt(verr, "CACHEPROXY_CLEANUP_INTERVAL_HOURS", c.CleanupIntervalHours)
	requirePositiveInt(verr, "CACHEPROXY_THROTTLE_WINDOW_SECONDS", c.ThrottleWindowSeconds)
	requirePositiveInt(verr, "CACHEPROXY_THROTTLE_MAX_RETRIES", c.ThrottleMaxRetries)

	if c.RateLimitBytesPerSec < 0 {
		verr.add("CACHEPROXY_RATE_LIMIT_BPS", "must be >= 0, got %d", c.RateLimitBytesPerSec)
	}
	if c.ThrottleSpeedThreshold < 0 {
		verr.add("CACHEPROXY_THROTTLE_SPEED_THRESHOLD", "must be >= 0, got %d", c.ThrottleSpeedThreshold)
	}

	switch {
	case c.QualityPreference == "best" || c.QualityPreference == "worst":
	case strings.HasSuffix(c.QualityPreference, "p"):
		if _, err := strconv.Atoi(strings.TrimSuffix(c.QualityPreference, "p")); err != nil {
			verr.add("CACHEPROXY_QUALITY", "must be best, worst, or <N>p, got %q", c.QualityPreference)
		}
	default:
		verr.add("CACHEPROXY_QUALITY", "must be best, worst, or <N>p, got %q", c.QualityPreference)
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func requirePositiveInt(verr *ValidationError, field string, v int) {
	if v <= 0 {
		verr.add(field, "must be a positive integer, got %d", v)
	}
}

// CheckInterval is CheckIntervalMinutes as a time.Duration.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMinutes) * time.Minute
}

// RetryBaseDelay is RetryBaseDelayMinutes as a time.Duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMinutes) * time.Minute
}

// CleanupInterval is CleanupIntervalHours as a time.Duration.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalHours) * time.Hour
}

// ThrottleWindow is ThrottleWindowSeconds as a time.Duration.
func (c *Config) ThrottleWindow() time.Duration {
	return time.Duration(c.ThrottleWindowSeconds) * time.Second
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
