package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const minSecretLength = 32

// Known default secrets that must never reach production.
var knownWeakSecrets = []string{
	"changeme",
	"secret",
	"password",
	"test",
	"dev",
	"development",
	"local-dev-secret-not-for-production",
}

var supportedAlgorithms = map[string]bool{"HS256": true, "HS384": true, "HS512": true}

type Config struct {
	Env         string `yaml:"env" env:"APP_ENV" env-default:"development"`
	Port        string `yaml:"port" env:"PORT" env-default:"8080"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL" env-required:"true"`

	Token       Token       `yaml:"token"`
	OTP         OTP         `yaml:"otp"`
	Lockout     Lockout     `yaml:"lockout"`
	RateLimit   RateLimit   `yaml:"rate_limit"`
	SMTP        SMTP        `yaml:"smtp"`
	Admin       Admin       `yaml:"admin"`
	Maintenance Maintenance `yaml:"maintenance"`

	ResetCodeTTLMinutes int    `yaml:"reset_code_ttl_minutes" env:"RESET_CODE_TTL_MINUTES" env-default:"10"`
	SentryDSN           string `yaml:"sentry_dsn" env:"SENTRY_DSN"`
	RunMigrations       bool   `yaml:"run_migrations_on_startup" env:"RUN_MIGRATIONS_ON_STARTUP" env-default:"false"`
	DBMaxConns          int32  `yaml:"db_max_conns" env:"DB_MAX_CONNS" env-default:"10"`
}

type Token struct {
	SecretKey          string `yaml:"secret_key" env:"SECRET_KEY" env-required:"true"`
	Algorithm          string `yaml:"algorithm" env:"ALGORITHM" env-default:"HS256"`
	AccessTTLMinutes   int    `yaml:"access_token_expire_minutes" env:"ACCESS_TOKEN_EXPIRE_MINUTES" env-default:"30"`
	RefreshTTLDays     int    `yaml:"refresh_token_expires_days" env:"REFRESH_TOKEN_EXPIRES_DAYS" env-default:"7"`
	RotateRefreshToken bool   `yaml:"rotate_refresh_tokens" env:"ROTATE_REFRESH_TOKENS" env-default:"false"`
}

type OTP struct {
	SecretKey       string `yaml:"secret_key" env:"OTP_SECRET_KEY" env-required:"true"`
	IntervalSeconds int    `yaml:"interval_seconds" env:"OTP_INTERVAL_SECONDS" env-default:"1800"`
}

type Lockout struct {
	MaxAttempts   int `yaml:"max_attempts" env:"LOGIN_MAX_ATTEMPTS" env-default:"5"`
	LockMinutes   int `yaml:"lock_minutes" env:"LOGIN_LOCK_MINUTES" env-default:"15"`
	WindowMinutes int `yaml:"attempt_window_minutes" env:"LOGIN_ATTEMPT_WINDOW_MINUTES" env-default:"60"`
}

type RateLimit struct {
	Max           int `yaml:"max" env:"LOGIN_RATE_LIMIT_MAX" env-default:"10"`
	WindowSeconds int `yaml:"window_seconds" env:"LOGIN_RATE_LIMIT_WINDOW_SECONDS" env-default:"60"`
	// TrustProxyHeaders keys the limiter on X-Forwarded-For / X-Real-IP. Only
	// enable it behind a proxy that sets or overwrites those headers.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" env:"TRUST_PROXY_HEADERS" env-default:"true"`
}

type SMTP struct {
	Server   string `yaml:"server" env:"SMTP_SERVER"`
	Port     int    `yaml:"port" env:"SMTP_PORT" env-default:"587"`
	Email    string `yaml:"email" env:"SMTP_EMAIL"`
	Password string `yaml:"password" env:"SMTP_PASSWORD"`
}

type Admin struct {
	Username string `yaml:"username" env:"ADMIN_USERNAME"`
	Email    string `yaml:"email" env:"ADMIN_EMAIL"`
	Password string `yaml:"password" env:"ADMIN_PASSWORD"`
}

type Maintenance struct {
	CronSecret           string `yaml:"cron_secret" env:"CRON_SECRET"`
	RevokedRetentionDays int    `yaml:"revoked_token_retention_days" env:"REVOKED_TOKEN_RETENTION_DAYS" env-default:"14"`
	CleanupBatchSize     int    `yaml:"cleanup_batch_size" env:"CLEANUP_BATCH_SIZE" env-default:"500"`
}

// Load reads the YAML file at path (if any) with environment overrides, or the
// environment alone, and validates the result. Callers load .env beforehand.
func Load(path string) (*Config, error) {
	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg.Token.Algorithm = strings.ToUpper(strings.TrimSpace(cfg.Token.Algorithm))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) IsDevelopment() bool {
	switch strings.ToLower(strings.TrimSpace(c.Env)) {
	case "development", "dev", "local":
		return true
	}
	return false
}

func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if err := validateSecret("SECRET_KEY", c.Token.SecretKey, c.IsDevelopment()); err != nil {
		errs = append(errs, err)
	}
	if err := validateSecret("OTP_SECRET_KEY", c.OTP.SecretKey, c.IsDevelopment()); err != nil {
		errs = append(errs, err)
	}
	if !supportedAlgorithms[c.Token.Algorithm] {
		errs = append(errs, fmt.Errorf("ALGORITHM %q is not supported", c.Token.Algorithm))
	}

	positive := []struct {
		name  string
		value int
	}{
		{"ACCESS_TOKEN_EXPIRE_MINUTES", c.Token.AccessTTLMinutes},
		{"REFRESH_TOKEN_EXPIRES_DAYS", c.Token.RefreshTTLDays},
		{"OTP_INTERVAL_SECONDS", c.OTP.IntervalSeconds},
		{"LOGIN_MAX_ATTEMPTS", c.Lockout.MaxAttempts},
		{"LOGIN_LOCK_MINUTES", c.Lockout.LockMinutes},
		{"LOGIN_ATTEMPT_WINDOW_MINUTES", c.Lockout.WindowMinutes},
		{"LOGIN_RATE_LIMIT_MAX", c.RateLimit.Max},
		{"LOGIN_RATE_LIMIT_WINDOW_SECONDS", c.RateLimit.WindowSeconds},
		{"RESET_CODE_TTL_MINUTES", c.ResetCodeTTLMinutes},
		{"REVOKED_TOKEN_RETENTION_DAYS", c.Maintenance.RevokedRetentionDays},
		{"CLEANUP_BATCH_SIZE", c.Maintenance.CleanupBatchSize},
		{"DB_MAX_CONNS", int(c.DBMaxConns)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive (got %d)", p.name, p.value))
		}
	}

	return errors.Join(errs...)
}

// validateSecret accepts known weak values only in development.
func validateSecret(name, secret string, isDev bool) error {
	if secret == "" {
		return fmt.Errorf("%s is required", name)
	}
	if isDev {
		return nil
	}

	for _, weak := range knownWeakSecrets {
		if strings.EqualFold(secret, weak) {
			return fmt.Errorf("default/weak %s not allowed outside development", name)
		}
	}
	if len(secret) < minSecretLength {
		return fmt.Errorf("%s must be at least %d characters (got %d)", name, minSecretLength, len(secret))
	}
	return nil
}

func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.Token.AccessTTLMinutes) * time.Minute
}

func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.Token.RefreshTTLDays) * 24 * time.Hour
}

func (c *Config) OTPInterval() time.Duration {
	return time.Duration(c.OTP.IntervalSeconds) * time.Second
}

func (c *Config) LockDuration() time.Duration {
	return time.Duration(c.Lockout.LockMinutes) * time.Minute
}

func (c *Config) AttemptWindow() time.Duration {
	return time.Duration(c.Lockout.WindowMinutes) * time.Minute
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

func (c *Config) ResetCodeTTL() time.Duration {
	return time.Duration(c.ResetCodeTTLMinutes) * time.Minute
}

func (c *Config) RevokedRetention() time.Duration {
	return time.Duration(c.Maintenance.RevokedRetentionDays) * 24 * time.Hour
}

// SMTPConfigured reports whether enough SMTP settings are present to send mail.
func (c *Config) SMTPConfigured() bool {
	return c.SMTP.Server != "" && c.SMTP.Email != ""
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "********"
	}
	c.DatabaseURL = mask(c.DatabaseURL)
	c.Token.SecretKey = mask(c.Token.SecretKey)
	c.OTP.SecretKey = mask(c.OTP.SecretKey)
	c.SMTP.Password = mask(c.SMTP.Password)
	c.Admin.Password = mask(c.Admin.Password)
	c.Maintenance.CronSecret = mask(c.Maintenance.CronSecret)
	c.SentryDSN = mask(c.SentryDSN)
	return c
}
