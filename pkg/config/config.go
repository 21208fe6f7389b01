// Package config loads service configuration from an optional YAML file
// (REGNEXUS_CONFIG) overlaid by environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// History backends.
const (
	HistoryMemory   = "memory"
	HistoryFile     = "file"
	HistorySQLite   = "sqlite"
	HistoryPostgres = "postgres"
	HistoryRedis    = "redis"
)

// Config holds server configuration.
type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	Environment string `yaml:"environment"`

	CatalogPath       string `yaml:"catalog_path"`
	AllowEmptyCatalog bool   `yaml:"allow_empty_catalog"`
	MinCatalogVersion string `yaml:"min_catalog_version"`

	CriticalThreshold float64 `yaml:"critical_threshold"`
	TrendWindow       int     `yaml:"trend_window"`
	HealthWindow      int     `yaml:"health_window"`

	History   HistoryConfig   `yaml:"history"`
	Retention RetentionConfig `yaml:"retention"`

	AuditWindow     time.Duration `yaml:"audit_window"`
	TimestampPolicy string        `yaml:"timestamp_policy"`
	EmergencyTypes  []string      `yaml:"emergency_types"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	JWTSecret string          `yaml:"jwt_secret"`
	JWTIssuer string          `yaml:"jwt_issuer"`
	// CORSOrigins empty allows every origin.
	CORSOrigins []string `yaml:"cors_origins"`

	// OPAURL enables the OPA pre-filter; PolicyExpr the local CEL one.
	// OPAURL wins when both are set.
	OPAURL     string `yaml:"opa_url"`
	PolicyExpr string `yaml:"policy_expr"`
	WebhookURL string `yaml:"webhook_url"`

	Archive ArchiveConfig `yaml:"archive"`
	OTEL    OTELConfig    `yaml:"otel"`
}

type HistoryConfig struct {
	Backend       string `yaml:"backend"`
	Dir           string `yaml:"dir"`
	DSN           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type RetentionConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	MaxAge     time.Duration `yaml:"max_age"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ArchiveConfig struct {
	Backend  string `yaml:"backend"`
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

type OTELConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:              "8080",
		LogLevel:          "INFO",
		Environment:       "development",
		CatalogPath:       "catalog.yaml",
		MinCatalogVersion: "1.0.0",
		CriticalThreshold: 0.5,
		TrendWindow:       10,
		HealthWindow:      10,
		History:           HistoryConfig{Backend: HistoryMemory, Dir: "data/history", RedisAddr: "localhost:6379"},
		Retention:         RetentionConfig{MaxEntries: 10000},
		AuditWindow:       90 * 24 * time.Hour,
		TimestampPolicy:   "include",
		EmergencyTypes:    []string{"public_health", "pandemic", "epidemic", "public_health_emergency"},
		RateLimit:         RateLimitConfig{RPS: 50, Burst: 100},
		Archive:           ArchiveConfig{Backend: "none", Dir: "data/archive"},
		OTEL:              OTELConfig{Endpoint: "localhost:4317"},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// REGNEXUS_CONFIG, then environment overrides. The result is validated.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("REGNEXUS_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	e := &envReader{}

	e.str("PORT", &c.Port)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("ENVIRONMENT", &c.Environment)

	e.str("REGNEXUS_CATALOG", &c.CatalogPath)
	e.boolean("REGNEXUS_ALLOW_EMPTY_CATALOG", &c.AllowEmptyCatalog)
	e.str("REGNEXUS_MIN_CATALOG_VERSION", &c.MinCatalogVersion)

	e.float("REGNEXUS_CRITICAL_THRESHOLD", &c.CriticalThreshold)
	e.integer("REGNEXUS_TREND_WINDOW", &c.TrendWindow)
	e.integer("REGNEXUS_HEALTH_WINDOW", &c.HealthWindow)

	e.str("REGNEXUS_HISTORY_BACKEND", &c.History.Backend)
	e.str("REGNEXUS_HISTORY_DIR", &c.History.Dir)
	e.str("DATABASE_URL", &c.History.DSN)
	e.str("REDIS_ADDR", &c.History.RedisAddr)
	e.str("REDIS_PASSWORD", &c.History.RedisPassword)
	e.integer("REDIS_DB", &c.History.RedisDB)

	e.integer("REGNEXUS_RETENTION_MAX_ENTRIES", &c.Retention.MaxEntries)
	e.duration("REGNEXUS_RETENTION_MAX_AGE", &c.Retention.MaxAge)

	e.duration("REGNEXUS_AUDIT_WINDOW", &c.AuditWindow)
	e.str("REGNEXUS_TIMESTAMP_POLICY", &c.TimestampPolicy)
	e.list("REGNEXUS_EMERGENCY_TYPES", &c.EmergencyTypes)

	e.float("REGNEXUS_RATE_LIMIT_RPS", &c.RateLimit.RPS)
	e.integer("REGNEXUS_RATE_LIMIT_BURST", &c.RateLimit.Burst)
	e.str("REGNEXUS_JWT_SECRET", &c.JWTSecret)
	e.str("REGNEXUS_JWT_ISSUER", &c.JWTIssuer)
	e.list("CORS_ORIGINS", &c.CORSOrigins)

	e.str("OPA_URL", &c.OPAURL)
	e.str("REGNEXUS_POLICY_EXPR", &c.PolicyExpr)
	e.str("REGNEXUS_WEBHOOK_URL", &c.WebhookURL)

	e.str("ARCHIVE_BACKEND", &c.Archive.Backend)
	e.str("ARCHIVE_DIR", &c.Archive.Dir)
	e.str("ARCHIVE_BUCKET", &c.Archive.Bucket)
	e.str("AWS_REGION", &c.Archive.Region)
	e.str("ARCHIVE_REGION", &c.Archive.Region)
	e.str("ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	e.str("ARCHIVE_PREFIX", &c.Archive.Prefix)

	e.boolean("OTEL_ENABLED", &c.OTEL.Enabled)
	e.str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTEL.Endpoint)
	e.boolean("OTEL_INSECURE", &c.OTEL.Insecure)

	return errors.Join(e.errs...)
}

// Validate rejects out-of-range values and unknown backend names.
func (c *Config) Validate() error {
	var errs []error
	if c.CriticalThreshold <= 0 {
		errs = append(errs, fmt.Errorf("critical_threshold must be positive, got %v", c.CriticalThreshold))
	}
	if c.TrendWindow < 2 {
		errs = append(errs, fmt.Errorf("trend_window must be at least 2, got %d", c.TrendWindow))
	}
	if c.HealthWindow < 1 {
		errs = append(errs, fmt.Errorf("health_window must be at least 1, got %d", c.HealthWindow))
	}
	switch c.History.Backend {
	case HistoryMemory, HistoryFile, HistorySQLite:
	case HistoryPostgres:
		if c.History.DSN == "" {
			errs = append(errs, errors.New("history backend postgres needs DATABASE_URL"))
		}
	case HistoryRedis:
		if c.History.RedisAddr == "" {
			errs = append(errs, errors.New("history backend redis needs REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown history backend %q", c.History.Backend))
	}
	if c.Retention.MaxEntries < 0 || c.Retention.MaxAge < 0 {
		errs = append(errs, errors.New("retention limits must not be negative"))
	}
	if c.AuditWindow <= 0 {
		errs = append(errs, fmt.Errorf("audit_window must be positive, got %s", c.AuditWindow))
	}
	switch strings.ToLower(c.TimestampPolicy) {
	case "include", "exclude":
	default:
		errs = append(errs, fmt.Errorf("timestamp_policy must be include or exclude, got %q", c.TimestampPolicy))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	switch c.Archive.Backend {
	case "", "none", "file", "s3", "gcs":
	default:
		errs = append(errs, fmt.Errorf("unknown archive backend %q", c.Archive.Backend))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog level; unknown values give INFO.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// envReader applies set variables and collects parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (e *envReader) list(key string, dst *[]string) {
	if v, ok := e.lookup(key); ok {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
}
