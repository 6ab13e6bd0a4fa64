package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/ingest-gateway/internal/platform/auth"
)

const (
	AuthModeDevelopment = "development"
	AuthModeExternal    = "external"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	LogLevel       string   `mapstructure:"LOG_LEVEL"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string   `mapstructure:"MIGRATIONS_DIR"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSignKey    string   `mapstructure:"AUTH_SIGNING_KEY"`
	DevClientID    string   `mapstructure:"DEV_CLIENT_ID"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`

	HMACEnabled         bool   `mapstructure:"HMAC_ENABLED"`
	HMACRequireBearer   bool   `mapstructure:"HMAC_REQUIRE_BEARER"`
	HMACSignatureHeader string `mapstructure:"HMAC_SIGNATURE_HEADER"`
	HMACTimestampHeader string `mapstructure:"HMAC_TIMESTAMP_HEADER"`
	HMACNonceHeader     string `mapstructure:"HMAC_NONCE_HEADER"`
	HMACAllowedSkewSecs int    `mapstructure:"HMAC_ALLOWED_SKEW_SECONDS"`
	HMACAlgorithm       string `mapstructure:"HMAC_ALGORITHM"`
	HMACClientID        string `mapstructure:"HMAC_CLIENT_ID"`
	HMACClientSecret    string `mapstructure:"HMAC_CLIENT_SECRET"`

	KafkaBrokers     string `mapstructure:"KAFKA_BROKERS"`
	KafkaIngestTopic string `mapstructure:"KAFKA_INGEST_TOPIC"`
	KafkaStatusTopic string `mapstructure:"KAFKA_STATUS_TOPIC"`

	RelayEnabled     bool          `mapstructure:"RELAY_ENABLED"`
	RelayInterval    time.Duration `mapstructure:"RELAY_INTERVAL"`
	RelayBatchSize   int           `mapstructure:"RELAY_BATCH_SIZE"`
	RelayMaxAttempts int           `mapstructure:"RELAY_MAX_ATTEMPTS"`
	RelayTimeout     time.Duration `mapstructure:"RELAY_TIMEOUT"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var defaults = map[string]interface{}{
	"PORT":                      "8000",
	"ENV":                       "development",
	"LOG_LEVEL":                 "info",
	"AUTH_MODE":                 "", // inferred from ENV
	"DB_MAX_CONNS":              20,
	"DB_MIN_CONNS":              5,
	"MIGRATIONS_DIR":            "./migrations",
	"DEV_CLIENT_ID":             "dev-client",
	"CORS_ORIGINS":              "http://localhost:3000",
	"RATE_LIMIT_RPS":            20,
	"RATE_LIMIT_BURST":          100,
	"BODY_LIMIT":                "2M",
	"HMAC_ENABLED":              true,
	"HMAC_REQUIRE_BEARER":       true,
	"HMAC_SIGNATURE_HEADER":     auth.DefaultSignatureHeader,
	"HMAC_TIMESTAMP_HEADER":     auth.DefaultTimestampHeader,
	"HMAC_NONCE_HEADER":         auth.DefaultNonceHeader,
	"HMAC_ALLOWED_SKEW_SECONDS": 300,
	"HMAC_ALGORITHM":            string(auth.HMACSHA256),
	"KAFKA_INGEST_TOPIC":        "fhir.ingested",
	"KAFKA_STATUS_TOPIC":        "fhir.status",
	"RELAY_ENABLED":             false,
	"RELAY_INTERVAL":            "15s",
	"RELAY_BATCH_SIZE":          50,
	"RELAY_MAX_ATTEMPTS":        5,
	"RELAY_TIMEOUT":             "10s",
	"TLS_ENABLED":               false,
}

// keys without a default still need binding so Unmarshal sees them.
var unbound = []string{
	"DATABASE_URL", "REDIS_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY", "HMAC_CLIENT_ID", "HMAC_CLIENT_SECRET", "KAFKA_BROKERS",
	"TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
		v.BindEnv(key)
	}
	for _, key := range unbound {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// environments get header based identities and everything else validates
// bearer tokens.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeExternal
}

// UsesMemoryStore reports whether records live in process. Only development
// may run without a database.
func (c *Config) UsesMemoryStore() bool {
	return c.DatabaseURL == "" && c.IsDev()
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case AuthModeExternal:
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSignKey == "" {
			return fmt.Errorf(
				"AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"external\" (current ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}

	if c.DatabaseURL == "" && !c.IsDev() {
		return fmt.Errorf("DATABASE_URL is required outside development")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if _, err := auth.ParseAlgorithm(c.HMACAlgorithm); err != nil {
		return fmt.Errorf("HMAC_ALGORITHM: %w", err)
	}
	if c.HMACAllowedSkewSecs <= 0 {
		return fmt.Errorf("HMAC_ALLOWED_SKEW_SECONDS must be positive, got %d", c.HMACAllowedSkewSecs)
	}
	if c.HMACSignatureHeader == "" || c.HMACTimestampHeader == "" || c.HMACNonceHeader == "" {
		return fmt.Errorf("HMAC signature, timestamp and nonce header names must not be empty")
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	if c.RelayEnabled {
		if c.RelayInterval <= 0 || c.RelayTimeout <= 0 {
			return fmt.Errorf("RELAY_INTERVAL and RELAY_TIMEOUT must be positive when RELAY_ENABLED is true")
		}
		if c.RelayMaxAttempts < 1 || c.RelayBatchSize < 1 {
			return fmt.Errorf("RELAY_MAX_ATTEMPTS and RELAY_BATCH_SIZE must be at least 1")
		}
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}

// HMAC builds the verifier configuration. Call after Validate.
func (c *Config) HMAC() auth.HMACConfig {
	alg, _ := auth.ParseAlgorithm(c.HMACAlgorithm)
	return auth.HMACConfig{
		Enabled:         c.HMACEnabled,
		RequireBearer:   c.HMACRequireBearer,
		SignatureHeader: c.HMACSignatureHeader,
		TimestampHeader: c.HMACTimestampHeader,
		NonceHeader:     c.HMACNonceHeader,
		AllowedSkew:     time.Duration(c.HMACAllowedSkewSecs) * time.Second,
		Algorithm:       alg,
		ClientID:        c.HMACClientID,
		ClientSecret:    c.HMACClientSecret,
	}
}
