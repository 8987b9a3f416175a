// Package config loads process settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const prefix = "MEMBERFUND_"

type Config struct {
	HTTPAddr       string
	GRPCAddr       string
	PGDSN          string
	AuthSecret     string
	AuthIssuer     string
	TokenTTL       time.Duration
	PersistTimeout time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	RedisAddr     string
	RedisPassword string
	RateBurst     int
	RatePerSec    float64

	CORSOrigins     []string
	DevDiagnostics  bool
	LogDevelopment  bool
	ShutdownTimeout time.Duration

	// BootstrapAdmin seeds one SUPER_ADMIN account when both are set.
	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

// Load reads .env (if present) and then the environment. Values already set in
// the environment win over the file.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load env file: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from lookup. Tests pass a map-backed func.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	r := reader{lookup: lookup}
	cfg := Config{
		HTTPAddr:        r.str("HTTP_ADDR", ":8080"),
		GRPCAddr:        r.str("GRPC_ADDR", ""),
		PGDSN:           r.str("PG_DSN", ""),
		AuthSecret:      r.str("AUTH_SECRET", ""),
		AuthIssuer:      r.str("AUTH_ISSUER", "memberfund"),
		TokenTTL:        r.duration("TOKEN_TTL", 15*time.Minute),
		PersistTimeout:  r.duration("PERSIST_TIMEOUT", 5*time.Second),
		KafkaBrokers:    r.list("KAFKA_BROKERS"),
		KafkaTopic:      r.str("KAFKA_TOPIC", "memberfund.notifications"),
		RedisAddr:       r.str("REDIS_ADDR", ""),
		RedisPassword:   r.str("REDIS_PASSWORD", ""),
		RateBurst:       r.integer("RATE_BURST", 20),
		RatePerSec:      r.float("RATE_PER_SEC", 10),
		CORSOrigins:     r.list("CORS_ORIGINS"),
		DevDiagnostics:  r.boolean("DEV_DIAGNOSTICS", false),
		LogDevelopment:  r.boolean("LOG_DEVELOPMENT", false),
		ShutdownTimeout: r.duration("SHUTDOWN_TIMEOUT", 10*time.Second),

		BootstrapAdminEmail:    r.str("BOOTSTRAP_ADMIN_EMAIL", ""),
		BootstrapAdminPassword: r.str("BOOTSTRAP_ADMIN_PASSWORD", ""),
	}
	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if len(c.AuthSecret) < 16 {
		errs = append(errs, fmt.Errorf("config: %sAUTH_SECRET must be at least 16 characters", prefix))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("config: %sTOKEN_TTL must be positive", prefix))
	}
	if c.PersistTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: %sPERSIST_TIMEOUT must be positive", prefix))
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		errs = append(errs, fmt.Errorf("config: rate limit burst and rate must be positive"))
	}
	if (c.BootstrapAdminEmail == "") != (c.BootstrapAdminPassword == "") {
		errs = append(errs, fmt.Errorf("config: bootstrap admin email and password must be set together"))
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaTopic) == "" {
		errs = append(errs, fmt.Errorf("config: %sKAFKA_TOPIC is required with brokers", prefix))
	}
	return errors.Join(errs...)
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) raw(key string) (string, bool) {
	v, ok := r.lookup(prefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) str(key, fallback string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return fallback
}

func (r *reader) list(key string) []string {
	v, ok := r.raw(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s%s: %w", prefix, key, err))
		return fallback
	}
	return d
}

func (r *reader) integer(key string, fallback int) int {
	v, ok := r.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s%s: %w", prefix, key, err))
		return fallback
	}
	return n
}

func (r *reader) float(key string, fallback float64) float64 {
	v, ok := r.raw(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s%s: %w", prefix, key, err))
		return fallback
	}
	return f
}

func (r *reader) boolean(key string, fallback bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s%s: %w", prefix, key, err))
		return fallback
	}
	return b
}
