package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the HashGate server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Hedera    HederaConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Anomaly   AnomalyConfig
	Pricing   PricingConfig
	Alerting  AlertingConfig
}

type ServerConfig struct {
	Port           int
	Env            string
	AllowedOrigins []string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type HederaConfig struct {
	// Network is the target Hedera network: mainnet, testnet or previewnet.
	Network         string
	MirrorBaseURL   string
	MirrorTimeout   time.Duration
	TreasuryAccount string
	MinPaymentHbar  float64

	// FallbackHbarUSDRate backs up the mirror-node exchange rate. Zero
	// disables the fallback.
	FallbackHbarUSDRate float64
}

type AuthConfig struct {
	// KeyEncryptionSecret derives the key that encrypts stored API key
	// secrets. Rotating it invalidates stored display copies, not lookups.
	KeyEncryptionSecret string
}

type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
	Algorithm   string

	// SkipOnStoreError fails open when the counter store is down.
	SkipOnStoreError bool
}

type AnomalyConfig struct {
	SpikePerMinute  int
	SpikePerHour    int
	ErrorRatePct    float64
	UniqueEndpoints int
}

type PricingConfig struct {
	// TariffFile overrides the compiled-in tariff when set.
	TariffFile string
}

type AlertingConfig struct {
	// WebhookURL receives anomaly events; empty disables delivery.
	WebhookURL string
}

var validNetworks = map[string]bool{
	"mainnet":    true,
	"testnet":    true,
	"previewnet": true,
}

var validAlgorithms = map[string]bool{
	"fixed_window":   true,
	"sliding_window": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           envInt("HASHGATE_PORT", 8080),
			Env:            envString("HASHGATE_ENV", "development"),
			AllowedOrigins: envList("HASHGATE_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Hedera: HederaConfig{
			Network:             envString("HEDERA_NETWORK", "testnet"),
			MirrorBaseURL:       os.Getenv("HEDERA_MIRROR_BASE_URL"),
			MirrorTimeout:       envDuration("HEDERA_MIRROR_TIMEOUT", 10*time.Second),
			TreasuryAccount:     os.Getenv("HEDERA_TREASURY_ACCOUNT"),
			MinPaymentHbar:      envFloat("HEDERA_MIN_PAYMENT_HBAR", 1),
			FallbackHbarUSDRate: envFloat("HEDERA_FALLBACK_HBAR_USD_RATE", 0),
		},
		Auth: AuthConfig{
			KeyEncryptionSecret: os.Getenv("AUTH_KEY_ENCRYPTION_SECRET"),
		},
		RateLimit: RateLimitConfig{
			MaxRequests:      envInt("RATE_LIMIT_MAX_REQUESTS", 100),
			Window:           envDuration("RATE_LIMIT_WINDOW", time.Minute),
			Algorithm:        envString("RATE_LIMIT_ALGORITHM", "fixed_window"),
			SkipOnStoreError: envBool("RATE_LIMIT_SKIP_ON_STORE_ERROR", false),
		},
		Anomaly: AnomalyConfig{
			SpikePerMinute:  envInt("ANOMALY_SPIKE_PER_MINUTE", 120),
			SpikePerHour:    envInt("ANOMALY_SPIKE_PER_HOUR", 2000),
			ErrorRatePct:    envFloat("ANOMALY_ERROR_RATE_PCT", 50),
			UniqueEndpoints: envInt("ANOMALY_UNIQUE_ENDPOINTS", 15),
		},
		Pricing: PricingConfig{
			TariffFile: os.Getenv("PRICING_TARIFF_FILE"),
		},
		Alerting: AlertingConfig{
			WebhookURL: os.Getenv("ALERT_WEBHOOK_URL"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validNetworks[c.Hedera.Network] {
		return fmt.Errorf("HEDERA_NETWORK must be one of mainnet, testnet, previewnet; got %q", c.Hedera.Network)
	}
	if c.Hedera.MirrorBaseURL == "" {
		return fmt.Errorf("HEDERA_MIRROR_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Hedera.MirrorBaseURL, "http://") && !strings.HasPrefix(c.Hedera.MirrorBaseURL, "https://") {
		return fmt.Errorf("HEDERA_MIRROR_BASE_URL must start with http:// or https://, got %q", c.Hedera.MirrorBaseURL)
	}
	if c.Hedera.TreasuryAccount == "" {
		return fmt.Errorf("HEDERA_TREASURY_ACCOUNT is required")
	}
	if c.Hedera.MinPaymentHbar <= 0 {
		return fmt.Errorf("HEDERA_MIN_PAYMENT_HBAR must be positive")
	}

	if c.Auth.KeyEncryptionSecret == "" {
		return fmt.Errorf("AUTH_KEY_ENCRYPTION_SECRET is required")
	}
	if len(c.Auth.KeyEncryptionSecret) < 16 {
		return fmt.Errorf("AUTH_KEY_ENCRYPTION_SECRET must be at least 16 characters")
	}

	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX_REQUESTS must be positive")
	}
	if !validAlgorithms[c.RateLimit.Algorithm] {
		return fmt.Errorf("RATE_LIMIT_ALGORITHM must be fixed_window or sliding_window; got %q", c.RateLimit.Algorithm)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
