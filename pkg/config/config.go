package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the tenancy service.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3000"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database is the platform (master) database. Tenant databases are
	// created on the same server and inherit its credentials.
	Database DatabaseConfig `yaml:"database"`

	// Pool settings applied to every tenant connection pool.
	Pool PoolConfig `yaml:"pool"`

	// Tenancy controls host-based tenant resolution.
	Tenancy TenancyConfig `yaml:"tenancy"`

	// Auth holds session and identity-provider settings.
	Auth AuthConfig `yaml:"auth"`

	// Redis backs the optional tenant lookup cache.
	Redis RedisConfig `yaml:"redis"`

	// Reconciler controls the background provisioning sweep.
	Reconciler ReconcilerConfig `yaml:"reconciler"`

	// AllowedOrigins is a comma-separated CORS allow-list. Subdomains of
	// Tenancy.RootDomain are always allowed.
	AllowedOrigins string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" env-default:""`
}

// DatabaseConfig holds PostgreSQL master connection configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"tenancy"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"tenancy_platform"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"require"`
	// CredentialKey encrypts tenant database URLs at rest. Required.
	CredentialKey string `yaml:"-" env:"TENANT_CREDENTIAL_KEY"` // Secret - not in YAML
}

// PoolConfig holds tenant connection pool settings.
type PoolConfig struct {
	MaxConns       int32         `yaml:"max_conns" env:"TENANT_POOL_MAX_CONNS" env-default:"10"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env:"TENANT_POOL_IDLE_TIMEOUT" env-default:"30s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"TENANT_POOL_CONNECT_TIMEOUT" env-default:"10s"`
	// AllowInsecure permits sslmode=disable URLs. Only for local development.
	AllowInsecure bool `yaml:"allow_insecure" env:"TENANT_POOL_ALLOW_INSECURE" env-default:"false"`
}

// TenancyConfig holds host resolution settings.
type TenancyConfig struct {
	// RootDomain is the public apex domain, e.g. "example.com".
	RootDomain string `yaml:"root_domain" env:"TENANCY_ROOT_DOMAIN" env-default:""`
	// LocalRootLabel is the development root label, e.g. "localhost".
	LocalRootLabel string `yaml:"local_root_label" env:"TENANCY_LOCAL_ROOT_LABEL" env-default:"localhost"`
	// ProvisionTimeout bounds a single tenant provisioning run.
	ProvisionTimeout time.Duration `yaml:"provision_timeout" env:"TENANCY_PROVISION_TIMEOUT" env-default:"2m"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// SessionSecret signs session cookies. Required.
	SessionSecret string `yaml:"-" env:"SESSION_SECRET"`
	// SessionTTL is the lifetime of newly issued sessions.
	SessionTTL time.Duration `yaml:"session_ttl" env:"SESSION_TTL" env-default:"168h"`
	// CookieDomain overrides the derived cookie domain.
	CookieDomain string `yaml:"cookie_domain" env:"COOKIE_DOMAIN" env-default:""`
	// BcryptCost is used when hashing bootstrap credentials.
	BcryptCost int `yaml:"bcrypt_cost" env:"BCRYPT_COST" env-default:"12"`

	// TenantJWKSURL is the JWKS endpoint of the tenant-scoped identity
	// provider. Empty disables the fallback.
	TenantJWKSURL string `yaml:"tenant_jwks_url" env:"TENANT_JWKS_URL" env-default:""`
	// TenantIssuer is the expected "iss" claim of tenant identity tokens.
	TenantIssuer string `yaml:"tenant_issuer" env:"TENANT_ISSUER" env-default:""`

	// Bootstrap superadmin, created when the platform has no users.
	BootstrapEmail    string `yaml:"bootstrap_email" env:"BOOTSTRAP_ADMIN_EMAIL" env-default:""`
	BootstrapPassword string `yaml:"-" env:"BOOTSTRAP_ADMIN_PASSWORD"` // Secret - not in YAML
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string        `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int           `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string        `yaml:"-" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	TTL      time.Duration `yaml:"ttl" env:"REDIS_TENANT_CACHE_TTL" env-default:"30s"`
}

// ReconcilerConfig holds background sweep settings.
type ReconcilerConfig struct {
	Interval    time.Duration `yaml:"interval" env:"RECONCILER_INTERVAL" env-default:"5m"`
	DropOrphans bool          `yaml:"drop_orphans" env:"RECONCILER_DROP_ORPHANS" env-default:"false"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// A .env file in the working directory is loaded first when present.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.SessionSecret == "" {
		return errors.New("SESSION_SECRET is required")
	}
	if c.Database.CredentialKey == "" {
		return errors.New("TENANT_CREDENTIAL_KEY is required")
	}
	if c.Pool.MaxConns <= 0 {
		return errors.New("pool.max_conns must be positive")
	}
	if (c.Auth.TenantJWKSURL == "") != (c.Auth.TenantIssuer == "") {
		return errors.New("tenant_jwks_url and tenant_issuer must be provided together")
	}
	if (c.Auth.BootstrapEmail == "") != (c.Auth.BootstrapPassword == "") {
		return errors.New("bootstrap email and password must be provided together")
	}
	if c.Tenancy.ProvisionTimeout <= 0 {
		return errors.New("tenancy.provision_timeout must be positive")
	}
	// Orphans are confirmed on the second sweep, so a provisioning run must
	// always finish within one interval.
	if c.Reconciler.Interval <= c.Tenancy.ProvisionTimeout {
		return fmt.Errorf("reconciler.interval (%s) must be longer than tenancy.provision_timeout (%s)",
			c.Reconciler.Interval, c.Tenancy.ProvisionTimeout)
	}
	return nil
}

// URL returns the master connection string in URL form. Tenant database
// URLs are derived from it by replacing the path segment.
func (c *DatabaseConfig) URL() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", resolveHost(c.Host), c.Port),
		Path:   "/" + c.Database,
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{c.SSLMode}}.Encode()
	}
	return u.String()
}

// Addr returns the Redis address, or "" when Redis is not configured.
func (c *RedisConfig) Addr() string {
	if c.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", resolveHost(c.Host), c.Port)
}

// Origins returns the parsed CORS allow-list.
func (c *Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
