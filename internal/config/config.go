package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store and sink names.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	SinkSQLite    = "sqlite"
)

// Auth modes.
const (
	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	BaseURL           string        `mapstructure:"BASE_URL"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	Store             string        `mapstructure:"STORE"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	AuditSink         string        `mapstructure:"AUDIT_SINK"`
	AuditSQLitePath   string        `mapstructure:"AUDIT_SQLITE_PATH"`
	AuditHeaderPrefix string        `mapstructure:"AUDIT_HEADER_PREFIX"`
	BundleMaxEntries  int           `mapstructure:"BUNDLE_MAX_ENTRIES"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit         string        `mapstructure:"BODY_LIMIT"`
	BundleBodyLimit   string        `mapstructure:"BUNDLE_BODY_LIMIT"`
	AuthMode          string        `mapstructure:"AUTH_MODE"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL       string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	ResourceTypes     []string      `mapstructure:"RESOURCE_TYPES"`
	TracingEnabled    bool          `mapstructure:"TRACING_ENABLED"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "BASE_URL", "DATABASE_URL", "STORE", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUDIT_SINK", "AUDIT_SQLITE_PATH", "AUDIT_HEADER_PREFIX", "BUNDLE_MAX_ENTRIES",
	"REQUEST_TIMEOUT", "BODY_LIMIT", "BUNDLE_BODY_LIMIT", "AUTH_MODE", "AUTH_ISSUER",
	"AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "RESOURCE_TYPES", "TRACING_ENABLED",
	"CORS_ORIGINS",
}

// DefaultResourceTypes are served when RESOURCE_TYPES is not set.
var DefaultResourceTypes = []string{
	"Patient", "Practitioner", "Organization", "Encounter", "Observation",
	"Condition", "Procedure", "MedicationRequest", "AllergyIntolerance", "DiagnosticReport",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", "") // auto-detect: postgres when DATABASE_URL is set
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AUDIT_SINK", "") // auto-detect: follows STORE
	v.SetDefault("AUDIT_SQLITE_PATH", "data/audit.db")
	v.SetDefault("AUDIT_HEADER_PREFIX", "X-Audit-")
	v.SetDefault("BUNDLE_MAX_ENTRIES", 500)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("BUNDLE_BODY_LIMIT", "10M")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.ResourceTypes) > 0 {
		cfg.ResourceTypes = splitList(strings.Join(cfg.ResourceTypes, ","))
	} else {
		cfg.ResourceTypes = append([]string(nil), DefaultResourceTypes...)
	}
	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))

	if cfg.IsDev() && cfg.ResolvedAuthMode() == AuthModeDevelopment {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, all requests get admin access.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development selects "development" and
// any other environment selects "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// ResolvedStore returns the effective resource store: STORE when set,
// postgres when DATABASE_URL is set, memory otherwise.
func (c *Config) ResolvedStore() string {
	if c.Store != "" {
		return c.Store
	}
	if c.DatabaseURL != "" {
		return StorePostgres
	}
	return StoreMemory
}

// ResolvedAuditSink returns the effective audit sink. It defaults to the
// resource store.
func (c *Config) ResolvedAuditSink() string {
	if c.AuditSink != "" {
		return c.AuditSink
	}
	return c.ResolvedStore()
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"development\" is not allowed when ENV=production")
		}
	case AuthModeJWT:
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf(
				"AUTH_MODE \"jwt\" needs AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY (current ENV=%q). "+
					"Refusing to start without authentication configuration", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	store := c.ResolvedStore()
	switch store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE is \"postgres\"")
		}
	default:
		return fmt.Errorf("STORE must be \"memory\" or \"postgres\", got %q", store)
	}

	switch sink := c.ResolvedAuditSink(); sink {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when AUDIT_SINK is \"postgres\"")
		}
	case SinkSQLite:
		if c.AuditSQLitePath == "" {
			return fmt.Errorf("AUDIT_SQLITE_PATH is required when AUDIT_SINK is \"sqlite\"")
		}
	default:
		return fmt.Errorf("AUDIT_SINK must be \"memory\", \"postgres\" or \"sqlite\", got %q", sink)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.BundleMaxEntries < 1 {
		return fmt.Errorf("BUNDLE_MAX_ENTRIES must be positive, got %d", c.BundleMaxEntries)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if len(c.ResourceTypes) == 0 {
		return fmt.Errorf("RESOURCE_TYPES must name at least one resource type")
	}
	if c.AuditHeaderPrefix != "" && !strings.HasPrefix(strings.ToUpper(c.AuditHeaderPrefix), "X-") {
		return fmt.Errorf("AUDIT_HEADER_PREFIX must start with \"X-\", got %q", c.AuditHeaderPrefix)
	}

	return nil
}
