package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v2"

	"github.com/victorgomez09/posauth/internal/auth/monitor"
	"github.com/victorgomez09/posauth/internal/auth/service"
	"github.com/victorgomez09/posauth/internal/auth/validation"
	"github.com/victorgomez09/posauth/internal/logger"
)

// JWTSecretEnv overrides api.jwt_secret when set, so the secret can stay out of the file.
const JWTSecretEnv = "POSAUTH_JWT_SECRET"

// Config is the daemon configuration, loaded from a single YAML file.
type Config struct {
	Database Database `yaml:"database"`
	Auth     Auth     `yaml:"auth"`
	API      API      `yaml:"api"`
	Logging  Logging  `yaml:"logging"`
}

type Database struct {
	Path string `yaml:"path"` // SQLite file holding users, role configs and sessions.
}

// Auth holds the lockout, session and password settings.
type Auth struct {
	MaxLoginAttempts       int                        `yaml:"max_login_attempts"`
	LockDuration           time.Duration              `yaml:"lock_duration"`      // e.g. "5m"
	InactivityTimeout      time.Duration              `yaml:"inactivity_timeout"` // e.g. "8h"
	SessionCheckInterval   time.Duration              `yaml:"session_check_interval"`
	SessionCleanupInterval time.Duration              `yaml:"session_cleanup_interval"`
	SessionRetention       time.Duration              `yaml:"session_retention"`
	BcryptCost             int                        `yaml:"bcrypt_cost"`
	DemoMode               bool                       `yaml:"demo_mode"`
	DemoUsers              []string                   `yaml:"demo_users"`
	PasswordPolicy         *validation.PasswordPolicy `yaml:"password_policy"`
}

// API configures the loopback HTTP surface used by the presentation layer.
type API struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AllowedIPs      []string      `yaml:"allowed_ips"` // IPs or CIDRs; empty allows everyone.
	JWTSecret       string        `yaml:"jwt_secret"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       RateLimit     `yaml:"rate_limit"`
	CORS            CORS          `yaml:"cors"`
}

// CORS lists the origins the presentation layer is served from.
type CORS struct {
	AllowedOrigins []string      `yaml:"allowed_origins"` // "*" admits any origin.
	MaxAge         time.Duration `yaml:"max_age"`
}

// RateLimit bounds login attempts per client address.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type Logging struct {
	Loggers map[string]logger.Config `yaml:"loggers"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() *Config {
	auth := service.DefaultAuthConfig()
	policy := auth.PasswordPolicy
	return &Config{
		Database: Database{Path: "data/posauth.db"},
		Auth: Auth{
			MaxLoginAttempts:       auth.MaxLoginAttempts,
			LockDuration:           auth.LockDuration,
			InactivityTimeout:      auth.InactivityTimeout,
			SessionCheckInterval:   monitor.DefaultConfig().CheckInterval,
			SessionCleanupInterval: auth.SessionCleanupInterval,
			SessionRetention:       auth.SessionRetention,
			BcryptCost:             auth.HashCost,
			PasswordPolicy:         &policy,
		},
		API: API{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            8085,
			TokenTTL:        12 * time.Hour,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       RateLimit{RequestsPerSecond: 1, Burst: 5},
		},
	}
}

// Load reads the YAML file at path, applies defaults and validates the result.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.applyDefaults()

	if secret := os.Getenv(JWTSecretEnv); secret != "" {
		cfg.API.JWTSecret = secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values left by sections that were present but partial.
func (cfg *Config) applyDefaults() {
	d := Default()
	if cfg.Database.Path == "" {
		cfg.Database.Path = d.Database.Path
	}
	if cfg.Auth.MaxLoginAttempts == 0 {
		cfg.Auth.MaxLoginAttempts = d.Auth.MaxLoginAttempts
	}
	if cfg.Auth.LockDuration == 0 {
		cfg.Auth.LockDuration = d.Auth.LockDuration
	}
	if cfg.Auth.InactivityTimeout == 0 {
		cfg.Auth.InactivityTimeout = d.Auth.InactivityTimeout
	}
	if cfg.Auth.SessionCheckInterval == 0 {
		cfg.Auth.SessionCheckInterval = d.Auth.SessionCheckInterval
	}
	if cfg.Auth.SessionRetention == 0 {
		cfg.Auth.SessionRetention = d.Auth.SessionRetention
	}
	if cfg.Auth.BcryptCost == 0 {
		cfg.Auth.BcryptCost = d.Auth.BcryptCost
	}
	if cfg.Auth.PasswordPolicy == nil {
		cfg.Auth.PasswordPolicy = d.Auth.PasswordPolicy
	}
	if cfg.API.Host == "" {
		cfg.API.Host = d.API.Host
	}
	if cfg.API.TokenTTL == 0 {
		cfg.API.TokenTTL = d.API.TokenTTL
	}
	if cfg.API.ShutdownTimeout == 0 {
		cfg.API.ShutdownTimeout = d.API.ShutdownTimeout
	}
	if cfg.API.RateLimit.RequestsPerSecond == 0 {
		cfg.API.RateLimit = d.API.RateLimit
	}
}

func (cfg *Config) Validate() error {
	var errs []error

	a := cfg.Auth
	if a.MaxLoginAttempts < 1 {
		errs = append(errs, fmt.Errorf("auth.max_login_attempts must be at least 1"))
	}
	if a.LockDuration < 0 || a.InactivityTimeout < 0 || a.SessionCheckInterval < 0 {
		errs = append(errs, fmt.Errorf("auth durations must be positive"))
	}
	if a.SessionCheckInterval > a.InactivityTimeout {
		errs = append(errs, fmt.Errorf("auth.session_check_interval must not exceed auth.inactivity_timeout"))
	}
	if a.BcryptCost < bcrypt.MinCost || a.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("auth.bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if a.DemoMode && len(a.DemoUsers) == 0 {
		errs = append(errs, fmt.Errorf("auth.demo_mode requires auth.demo_users"))
	}
	if p := a.PasswordPolicy; p != nil {
		if p.MinLength < 1 {
			errs = append(errs, fmt.Errorf("auth.password_policy.min_length must be at least 1"))
		}
		if p.MaxLength != 0 && p.MaxLength < p.MinLength {
			errs = append(errs, fmt.Errorf("auth.password_policy.max_length is below min_length"))
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Port < 1 || cfg.API.Port > 65535 {
			errs = append(errs, fmt.Errorf("api.port %d is out of range", cfg.API.Port))
		}
		if len(cfg.API.JWTSecret) < 32 {
			errs = append(errs, fmt.Errorf("api.jwt_secret must be at least 32 bytes (or set %s)", JWTSecretEnv))
		}
		for _, entry := range cfg.API.AllowedIPs {
			if net.ParseIP(entry) == nil {
				if _, _, err := net.ParseCIDR(entry); err != nil {
					errs = append(errs, fmt.Errorf("api.allowed_ips: %q is neither an IP nor a CIDR", entry))
				}
			}
		}
		if cfg.API.RateLimit.RequestsPerSecond < 0 || cfg.API.RateLimit.Burst < 0 {
			errs = append(errs, fmt.Errorf("api.rate_limit values must not be negative"))
		}
	}

	return errors.Join(errs...)
}

// AuthConfig maps the auth section onto the service configuration.
func (cfg *Config) AuthConfig() service.AuthConfig {
	a := cfg.Auth
	return service.AuthConfig{
		MaxLoginAttempts:       a.MaxLoginAttempts,
		LockDuration:           a.LockDuration,
		InactivityTimeout:      a.InactivityTimeout,
		HashCost:               a.BcryptCost,
		DemoMode:               a.DemoMode,
		DemoUsers:              a.DemoUsers,
		PasswordPolicy:         *a.PasswordPolicy,
		SessionCleanupInterval: a.SessionCleanupInterval,
		SessionRetention:       a.SessionRetention,
	}
}

// MonitorConfig maps the auth section onto the session monitor configuration.
func (cfg *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		CheckInterval:     cfg.Auth.SessionCheckInterval,
		InactivityTimeout: cfg.Auth.InactivityTimeout,
	}
}

// Address returns the API listen address.
func (a API) Address() string {
	return net.JoinHostPort(a.Host, fmt.Sprint(a.Port))
}
