// Package config loads the service configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/grid402/canvas/pkg/logger"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Database DatabaseConfig       `yaml:"database"`
	Payments PaymentsConfig       `yaml:"payments"`
	Canvas   CanvasConfig         `yaml:"canvas"`
	Admin    AdminConfig          `yaml:"admin"`
	HTTP     HTTPConfig           `yaml:"http"`
	Logging  logger.LoggingConfig `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr renders the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig selects the persistence backend. An empty DSN keeps the
// in-memory store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// PaymentsConfig wires the x402 settlement flow.
type PaymentsConfig struct {
	Network        string `yaml:"network"`
	PayTo          string `yaml:"pay_to"`
	FacilitatorURL string `yaml:"facilitator_url"`
	BasePrice      int64  `yaml:"base_price"`
}

// CanvasConfig bounds the grid and claim requests.
type CanvasConfig struct {
	GridSize         int `yaml:"grid_size"`
	MaxClaimsPerCell int `yaml:"max_claims_per_cell"`
	MaxBatchSize     int `yaml:"max_batch_size"`
}

// AdminConfig guards the admin API. The admin surface stays disabled until
// all three credentials fields are set.
type AdminConfig struct {
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	JWTSecret  string `yaml:"jwt_secret"`
	AuditFile  string `yaml:"audit_file"`
	AuditLimit int    `yaml:"audit_limit"`
}

// HTTPConfig controls cross-cutting HTTP behaviour.
type HTTPConfig struct {
	AllowedOrigins     []string `yaml:"allowed_origins"`
	RateLimitPerSecond int      `yaml:"rate_limit_per_second"`
	RateLimitBurst     int      `yaml:"rate_limit_burst"`
}

// envOverrides mirrors the config fields that may be set via environment.
type envOverrides struct {
	Host           string `env:"CANVAS_HTTP_HOST"`
	Port           int    `env:"CANVAS_HTTP_PORT"`
	DatabaseDSN    string `env:"DATABASE_URL"`
	Network        string `env:"CANVAS_NETWORK"`
	PayTo          string `env:"CANVAS_PAY_TO"`
	FacilitatorURL string `env:"CANVAS_FACILITATOR_URL"`
	BasePrice      int64  `env:"CANVAS_BASE_PRICE"`
	GridSize       int    `env:"CANVAS_GRID_SIZE"`
	MaxClaims      int    `env:"CANVAS_MAX_CLAIMS_PER_CELL"`
	MaxBatch       int    `env:"CANVAS_MAX_BATCH_SIZE"`
	AdminUser      string `env:"CANVAS_ADMIN_USER"`
	AdminPassword  string `env:"CANVAS_ADMIN_PASSWORD"`
	JWTSecret      string `env:"CANVAS_JWT_SECRET"`
	AuditFile      string `env:"CANVAS_AUDIT_FILE"`
	LogLevel       string `env:"LOG_LEVEL"`
	LogFormat      string `env:"LOG_FORMAT"`
}

// Default returns the configuration used when no file or environment is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Payments: PaymentsConfig{
			Network:        "base-sepolia",
			FacilitatorURL: "https://x402.org/facilitator",
		},
		Canvas: CanvasConfig{
			GridSize:         1000,
			MaxClaimsPerCell: 10,
			MaxBatchSize:     100,
		},
		HTTP: HTTPConfig{
			AllowedOrigins:     []string{"*"},
			RateLimitPerSecond: 50,
			RateLimitBurst:     100,
		},
		Admin: AdminConfig{
			AuditLimit: 200,
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if it
// exists), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// Optional file; defaults plus environment apply.
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var env envOverrides
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	applyEnv(&cfg, env)

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	return cfg, nil
}

func applyEnv(cfg *Config, env envOverrides) {
	if env.Host != "" {
		cfg.Server.Host = env.Host
	}
	if env.Port != 0 {
		cfg.Server.Port = env.Port
	}
	if env.DatabaseDSN != "" {
		cfg.Database.DSN = env.DatabaseDSN
	}
	if env.Network != "" {
		cfg.Payments.Network = env.Network
	}
	if env.PayTo != "" {
		cfg.Payments.PayTo = env.PayTo
	}
	if env.FacilitatorURL != "" {
		cfg.Payments.FacilitatorURL = env.FacilitatorURL
	}
	if env.BasePrice != 0 {
		cfg.Payments.BasePrice = env.BasePrice
	}
	if env.GridSize != 0 {
		cfg.Canvas.GridSize = env.GridSize
	}
	if env.MaxClaims != 0 {
		cfg.Canvas.MaxClaimsPerCell = env.MaxClaims
	}
	if env.MaxBatch != 0 {
		cfg.Canvas.MaxBatchSize = env.MaxBatch
	}
	if env.AdminUser != "" {
		cfg.Admin.Username = env.AdminUser
	}
	if env.AdminPassword != "" {
		cfg.Admin.Password = env.AdminPassword
	}
	if env.JWTSecret != "" {
		cfg.Admin.JWTSecret = env.JWTSecret
	}
	if env.AuditFile != "" {
		cfg.Admin.AuditFile = env.AuditFile
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		cfg.Logging.Format = env.LogFormat
	}
}
