// Package config builds runtime configuration from environment variables so
// main stays lean.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures everything the server needs at startup.
type Config struct {
	Addr        string
	Environment string

	PostgresDSN string
	Redis       RedisConfig

	Guard    GuardConfig
	Verifier VerifierConfig

	KafkaBrokers       []string
	SecurityEventTopic string
}

// RedisConfig controls the optional Redis-backed guard stores.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// GuardConfig holds the public-API guard tunables. The in-progress timeout
// and sweep interval are deployment-dependent heuristics, so they are
// configurable rather than hard-coded.
type GuardConfig struct {
	SubmitLimit  int
	SubmitWindow time.Duration
	UploadLimit  int
	UploadWindow time.Duration
	LookupLimit  int
	LookupWindow time.Duration

	InProgressTimeout time.Duration
	SuccessTTL        time.Duration
	FailureTTL        time.Duration

	// SweepEveryN triggers the opportunistic expired-record sweep on average
	// once per N guarded requests.
	SweepEveryN int
}

// VerifierConfig points at the anti-abuse token verification endpoint.
// Bypassed outside production.
type VerifierConfig struct {
	URL    string
	Secret string
}

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	return Config{
		Addr:        getenv("ENROLL_ADDR", ":8080"),
		Environment: getenv("ENROLL_ENV", "development"),
		PostgresDSN: os.Getenv("ENROLL_POSTGRES_DSN"),
		Redis: RedisConfig{
			URL:          os.Getenv("ENROLL_REDIS_URL"),
			PoolSize:     getint("ENROLL_REDIS_POOL_SIZE", 10),
			MinIdleConns: getint("ENROLL_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getduration("ENROLL_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getduration("ENROLL_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getduration("ENROLL_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Guard: GuardConfig{
			SubmitLimit:       getint("ENROLL_SUBMIT_LIMIT", 10),
			SubmitWindow:      getduration("ENROLL_SUBMIT_WINDOW", 10*time.Minute),
			UploadLimit:       getint("ENROLL_UPLOAD_LIMIT", 20),
			UploadWindow:      getduration("ENROLL_UPLOAD_WINDOW", 10*time.Minute),
			LookupLimit:       getint("ENROLL_LOOKUP_LIMIT", 120),
			LookupWindow:      getduration("ENROLL_LOOKUP_WINDOW", 10*time.Minute),
			InProgressTimeout: getduration("ENROLL_IDEMPOTENCY_IN_PROGRESS_TIMEOUT", 45*time.Second),
			SuccessTTL:        getduration("ENROLL_IDEMPOTENCY_SUCCESS_TTL", 24*time.Hour),
			FailureTTL:        getduration("ENROLL_IDEMPOTENCY_FAILURE_TTL", 10*time.Minute),
			SweepEveryN:       getint("ENROLL_GUARD_SWEEP_EVERY_N", 50),
		},
		Verifier: VerifierConfig{
			URL:    getenv("ENROLL_VERIFIER_URL", "https://challenges.cloudflare.com/turnstile/v0/siteverify"),
			Secret: os.Getenv("ENROLL_VERIFIER_SECRET"),
		},
		KafkaBrokers:       getlist("ENROLL_KAFKA_BROKERS"),
		SecurityEventTopic: getenv("ENROLL_SECURITY_EVENT_TOPIC", "enroll.security-events"),
	}
}

// IsProduction reports whether the anti-abuse verifier must be enforced.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getlist(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
