// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the settings of the API server and the admin CLI.
type Config struct {
	PGDSN      string // PostgreSQL DSN; empty runs on in-memory stores
	ListenAddr string // HTTP listen address (default ":8080")
	GRPCAddr   string // gRPC health listen address (default ":9090")
	AuthSecret string // HS256 secret for bearer tokens

	RateLimitRPS   int // sustained requests per second per client (default 50)
	RateLimitBurst int // burst capacity (default 100)
	MaxBodyBytes   int64

	TeamCacheTTL   time.Duration
	AuditRetries   int
	AlwaysWritable []string // payload keys accepted regardless of edit rules

	// Warnings collects non-fatal problems found while loading.
	Warnings []string
}

// Load reads optional dotenv files and then the process environment.
// Variables already set in the environment win over file values.
func Load(files ...string) (*Config, error) {
	if err := LoadDotenv(files...); err != nil {
		return nil, err
	}
	return LoadFromEnv()
}

// LoadDotenv reads dotenv files into the process environment without
// overriding variables that are already set. Missing files are skipped;
// with no arguments it reads ".env".
func LoadDotenv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		PGDSN:          os.Getenv("STEAD_PG_DSN"),
		ListenAddr:     envOr("STEAD_LISTEN_ADDR", ":8080"),
		GRPCAddr:       envOr("STEAD_GRPC_ADDR", ":9090"),
		AuthSecret:     strings.TrimSpace(os.Getenv("STEAD_AUTH_SECRET")),
		RateLimitRPS:   50,
		RateLimitBurst: 100,
		MaxBodyBytes:   1 << 20,
		TeamCacheTTL:   5 * time.Minute,
		AuditRetries:   3,
		AlwaysWritable: []string{"custom_fields"},
	}

	cfg.RateLimitRPS = cfg.intEnv("STEAD_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = cfg.intEnv("STEAD_RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.AuditRetries = cfg.intEnv("STEAD_AUDIT_RETRIES", cfg.AuditRetries)
	cfg.MaxBodyBytes = int64(cfg.intEnv("STEAD_MAX_BODY_BYTES", int(cfg.MaxBodyBytes)))

	if v := os.Getenv("STEAD_TEAM_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("STEAD_TEAM_CACHE_TTL=%q ignored: %v", v, err))
		} else {
			cfg.TeamCacheTTL = d
		}
	}
	if v, ok := os.LookupEnv("STEAD_ALWAYS_WRITABLE"); ok {
		cfg.AlwaysWritable = splitList(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.AuthSecret == "" {
		return errors.New("STEAD_AUTH_SECRET is required")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return errors.New("rate limit values must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("STEAD_MAX_BODY_BYTES must be positive")
	}
	if c.TeamCacheTTL <= 0 {
		return errors.New("STEAD_TEAM_CACHE_TTL must be positive")
	}
	if c.AuditRetries < 0 {
		return errors.New("STEAD_AUDIT_RETRIES must not be negative")
	}
	return nil
}

func (c *Config) intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s=%q ignored: not an integer", key, v))
		return def
	}
	return n
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func splitList(v string) []string {
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
