// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
// One struct serves all binaries; each binary reads the keys it needs.
type Config struct {
	// HTTPAddr is the address the auth service HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// SessionsHTTPAddr is the address the session service HTTP server listens on.
	SessionsHTTPAddr string `mapstructure:"SESSIONS_HTTP_ADDR"`
	// ProfilesHTTPAddr is the address the profile service HTTP server listens on.
	ProfilesHTTPAddr string `mapstructure:"PROFILES_HTTP_ADDR"`

	// DatabaseURL is the Postgres DSN for the auth service (accounts, tokens, audit).
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// SessionsDatabaseURL is the Postgres DSN for the session service datastore.
	SessionsDatabaseURL string `mapstructure:"SESSIONS_DATABASE_URL"`
	// ProfilesDatabaseURL is the Postgres DSN for the profile service datastore.
	ProfilesDatabaseURL string `mapstructure:"PROFILES_DATABASE_URL"`

	// JWTSecret is the symmetric key used to sign access tokens (HS256). Required by cmd/server.
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// JWTIssuer is the iss claim (e.g. "idplane-auth").
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim (e.g. "idplane-api").
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// RefreshTokenTTL is the refresh token lifetime (e.g. "720h" = 30d).
	RefreshTokenTTL string `mapstructure:"REFRESH_TOKEN_TTL"`
	// VerificationTokenTTL is the email verification token lifetime.
	VerificationTokenTTL string `mapstructure:"VERIFICATION_TOKEN_TTL"`
	// ResetTokenTTL is the password reset token lifetime.
	ResetTokenTTL string `mapstructure:"RESET_TOKEN_TTL"`

	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// LockoutThreshold is the number of consecutive failed logins that locks an account.
	LockoutThreshold int `mapstructure:"LOCKOUT_THRESHOLD"`
	// LockoutDuration is how long a locked account stays locked (e.g. "24h").
	LockoutDuration string `mapstructure:"LOCKOUT_DURATION"`

	// SessionTTL is the session lifetime computed at creation (e.g. "720h" = 30d).
	SessionTTL string `mapstructure:"SESSION_TTL"`
	// SessionSweepInterval is how often the session service sweeps expired sessions.
	SessionSweepInterval string `mapstructure:"SESSION_SWEEP_INTERVAL"`
	// ProcessedEventRetention is how long processed-event dedup markers are kept before GC.
	ProcessedEventRetention string `mapstructure:"PROCESSED_EVENT_RETENTION"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// KafkaTopicPrefix is prepended to every topic name (e.g. "idplane."). May be empty.
	KafkaTopicPrefix string `mapstructure:"KAFKA_TOPIC_PREFIX"`
	// SessionsKafkaGroupID is the consumer group ID for the session service consumers.
	SessionsKafkaGroupID string `mapstructure:"SESSIONS_KAFKA_GROUP_ID"`
	// ProfilesKafkaGroupID is the consumer group ID for the profile service consumers.
	ProfilesKafkaGroupID string `mapstructure:"PROFILES_KAFKA_GROUP_ID"`

	// OTLPEndpoint is the OTLP gRPC endpoint for telemetry export; empty disables export.
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP export even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTLP_INSECURE"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("SESSIONS_HTTP_ADDR", ":8081")
	v.SetDefault("PROFILES_HTTP_ADDR", ":8082")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SESSIONS_DATABASE_URL", "")
	v.SetDefault("PROFILES_DATABASE_URL", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_ISSUER", "idplane-auth")
	v.SetDefault("JWT_AUDIENCE", "idplane-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("REFRESH_TOKEN_TTL", "720h") // 30d
	v.SetDefault("VERIFICATION_TOKEN_TTL", "24h")
	v.SetDefault("RESET_TOKEN_TTL", "1h")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("LOCKOUT_THRESHOLD", 5)
	v.SetDefault("LOCKOUT_DURATION", "24h")
	v.SetDefault("SESSION_TTL", "720h") // 30d
	v.SetDefault("SESSION_SWEEP_INTERVAL", "5m")
	v.SetDefault("PROCESSED_EVENT_RETENTION", "168h") // 7d
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC_PREFIX", "")
	v.SetDefault("SESSIONS_KAFKA_GROUP_ID", "idplane-sessions")
	v.SetDefault("PROFILES_KAFKA_GROUP_ID", "idplane-profiles")
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_INSECURE", false)
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	if cfg.LockoutThreshold <= 0 {
		return nil, errors.New("config: LOCKOUT_THRESHOLD must be positive")
	}

	return &cfg, nil
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return duration(c.JWTAccessTTL, 15*time.Minute)
}

// RefreshTTL parses RefreshTokenTTL as a time.Duration. Returns 720h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return duration(c.RefreshTokenTTL, 720*time.Hour)
}

// VerificationTTL parses VerificationTokenTTL as a time.Duration. Returns 24h if unset or invalid.
func (c *Config) VerificationTTL() time.Duration {
	return duration(c.VerificationTokenTTL, 24*time.Hour)
}

// ResetTTL parses ResetTokenTTL as a time.Duration. Returns 1h if unset or invalid.
func (c *Config) ResetTTL() time.Duration {
	return duration(c.ResetTokenTTL, time.Hour)
}

// LockDuration parses LockoutDuration as a time.Duration. Returns 24h if unset or invalid.
func (c *Config) LockDuration() time.Duration {
	return duration(c.LockoutDuration, 24*time.Hour)
}

// SessionLifetime parses SessionTTL as a time.Duration. Returns 720h if unset or invalid.
func (c *Config) SessionLifetime() time.Duration {
	return duration(c.SessionTTL, 720*time.Hour)
}

// SweepInterval parses SessionSweepInterval as a time.Duration. Returns 5m if unset or invalid.
func (c *Config) SweepInterval() time.Duration {
	return duration(c.SessionSweepInterval, 5*time.Minute)
}

// DedupRetention parses ProcessedEventRetention as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) DedupRetention() time.Duration {
	return duration(c.ProcessedEventRetention, 168*time.Hour)
}

func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if eventing is enabled (non-empty list) and to create writers and readers.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
