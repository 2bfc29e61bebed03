package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Returns ReturnsConfig
	Tenancy TenancyConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Auth.Secret = strings.TrimSpace(cfg.Auth.Secret)
	if cfg.Returns.ApprovalThreshold.IsNegative() {
		return nil, fmt.Errorf("PHARMAPOS_RETURN_APPROVAL_THRESHOLD must not be negative")
	}
	return &cfg, nil
}

type AppConfig struct {
	Env           string `envconfig:"PHARMAPOS_APP_ENV" default:"dev"`
	Port          string `envconfig:"PHARMAPOS_PORT" default:"8080"`
	LogLevel      string `envconfig:"PHARMAPOS_LOG_LEVEL" default:"info"`
	LogFormat     string `envconfig:"PHARMAPOS_LOG_FORMAT" default:"json"`
	LogWarnStack  bool   `envconfig:"PHARMAPOS_LOG_WARN_STACK" default:"false"`
	AllowedOrigin string `envconfig:"PHARMAPOS_ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) Address() string {
	return fmt.Sprintf(":%s", a.Port)
}

type DBConfig struct {
	DSN             string        `envconfig:"PHARMAPOS_DB_DSN"`
	AutoMigrate     bool          `envconfig:"PHARMAPOS_DB_AUTO_MIGRATE" default:"true"`
	MaxOpenConns    int           `envconfig:"PHARMAPOS_DB_MAX_OPEN_CONNS" default:"30"`
	MaxIdleConns    int           `envconfig:"PHARMAPOS_DB_MAX_IDLE_CONNS" default:"8"`
	ConnMaxLifetime time.Duration `envconfig:"PHARMAPOS_DB_CONN_MAX_LIFETIME" default:"30m"`
}

type RedisConfig struct {
	Addr     string        `envconfig:"PHARMAPOS_REDIS_ADDR"`
	Password string        `envconfig:"PHARMAPOS_REDIS_PASSWORD"`
	DB       int           `envconfig:"PHARMAPOS_REDIS_DB" default:"0"`
	CacheTTL time.Duration `envconfig:"PHARMAPOS_CACHE_TTL" default:"30s"`
}

type AuthConfig struct {
	Secret         string        `envconfig:"PHARMAPOS_AUTH_SECRET"`
	AccessTokenTTL time.Duration `envconfig:"PHARMAPOS_ACCESS_TOKEN_TTL" default:"8h"`
	LoginRateLimit int           `envconfig:"PHARMAPOS_LOGIN_RATE_LIMIT" default:"5"`

	// BootstrapAdminPassword creates an admin in the default tenant when the
	// user store holds no accounts for it.
	BootstrapAdminPassword string `envconfig:"PHARMAPOS_BOOTSTRAP_ADMIN_PASSWORD"`
}

type ReturnsConfig struct {
	ApprovalThreshold  decimal.Decimal `envconfig:"PHARMAPOS_RETURN_APPROVAL_THRESHOLD" default:"100.00"`
	CreditNoteValidity time.Duration   `envconfig:"PHARMAPOS_CREDIT_NOTE_VALIDITY" default:"8760h"`
}

type TenancyConfig struct {
	DefaultTenantID string `envconfig:"PHARMAPOS_DEFAULT_TENANT_ID" default:"demo-clinic"`
}
