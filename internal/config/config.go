// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// CoinPayments
	CoinPaymentsAPIURL    string
	CoinPaymentsAPIKey    string
	CoinPaymentsAPISecret string
	CoinPaymentsIPNSecret string
	CoinPaymentsIPNURL    string

	// CryptoCloud
	CryptoCloudAPIURL string
	CryptoCloudAPIKey string
	CryptoCloudShopID string

	// NowPayments
	NowPaymentsAPIURL      string
	NowPaymentsAPIKey      string
	NowPaymentsIPNSecret   string
	NowPaymentsCallbackURL string

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeSuccessURL    string
	StripeCancelURL     string

	// Blockchain RPC endpoints for on-chain settlement
	EthereumRPC   string
	PolygonRPC    string
	BSCRPC        string
	BSCTestnetRPC string

	// License server
	LicenseServerURL      string
	LicenseServerUser     string
	LicenseServerPassword string

	// SMTP
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPCC       string

	// Security
	RateLimitRPS int
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultRateLimit          = 100
	DefaultCoinPaymentsAPIURL = "https://www.coinpayments.net/api.php"
	DefaultCryptoCloudAPIURL  = "https://api.cryptocloud.plus/v2"
	DefaultNowPaymentsAPIURL  = "https://api.nowpayments.io/v1"
	DefaultEthereumRPC        = "https://eth.llamarpc.com"
	DefaultPolygonRPC         = "https://polygon-rpc.com"
	DefaultBSCRPC             = "https://bsc-dataseed.binance.org"
	DefaultBSCTestnetRPC      = "https://data-seed-prebsc-1-s1.binance.org:8545"
	DefaultSMTPPort           = "587"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		CoinPaymentsAPIURL:    getEnv("COINPAYMENTS_API_URL", DefaultCoinPaymentsAPIURL),
		CoinPaymentsAPIKey:    os.Getenv("COINPAYMENTS_API_KEY"),
		CoinPaymentsAPISecret: os.Getenv("COINPAYMENTS_API_SECRET"),
		CoinPaymentsIPNSecret: os.Getenv("COINPAYMENTS_IPN_SECRET"),
		CoinPaymentsIPNURL:    os.Getenv("COINPAYMENTS_IPN_URL"),

		CryptoCloudAPIURL: getEnv("CRYPTOCLOUD_API_URL", DefaultCryptoCloudAPIURL),
		CryptoCloudAPIKey: os.Getenv("CRYPTOCLOUD_API_KEY"),
		CryptoCloudShopID: os.Getenv("CRYPTOCLOUD_SHOP_ID"),

		NowPaymentsAPIURL:      getEnv("NOWPAYMENTS_API_URL", DefaultNowPaymentsAPIURL),
		NowPaymentsAPIKey:      os.Getenv("NOWPAYMENTS_API_KEY"),
		NowPaymentsIPNSecret:   os.Getenv("NOWPAYMENTS_IPN_SECRET"),
		NowPaymentsCallbackURL: os.Getenv("NOWPAYMENTS_CALLBACK_URL"),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeSuccessURL:    os.Getenv("STRIPE_SUCCESS_URL"),
		StripeCancelURL:     os.Getenv("STRIPE_CANCEL_URL"),

		EthereumRPC:   getEnv("ETHEREUM_RPC_URL", DefaultEthereumRPC),
		PolygonRPC:    getEnv("POLYGON_RPC_URL", DefaultPolygonRPC),
		BSCRPC:        getEnv("BSC_RPC_URL", DefaultBSCRPC),
		BSCTestnetRPC: getEnv("BSC_TESTNET_RPC_URL", DefaultBSCTestnetRPC),

		LicenseServerURL:      os.Getenv("LICENSE_SERVER_URL"),
		LicenseServerUser:     os.Getenv("LICENSE_SERVER_USER"),
		LicenseServerPassword: os.Getenv("LICENSE_SERVER_PASSWORD"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     getEnv("SMTP_PORT", DefaultSMTPPort),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     os.Getenv("SMTP_FROM"),
		SMTPCC:       os.Getenv("SMTP_CC"),

		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configured provider credentials are complete. A
// provider missing entirely is fine (it simply is not registered); a
// provider with half its credentials is a deployment mistake.
func (c *Config) Validate() error {
	if c.CoinPaymentsConfigured() {
		if c.CoinPaymentsAPISecret == "" || c.CoinPaymentsIPNSecret == "" {
			return fmt.Errorf("COINPAYMENTS_API_KEY is set but COINPAYMENTS_API_SECRET or COINPAYMENTS_IPN_SECRET is missing")
		}
	}
	if c.CryptoCloudAPIKey != "" && c.CryptoCloudShopID == "" {
		return fmt.Errorf("CRYPTOCLOUD_API_KEY is set but CRYPTOCLOUD_SHOP_ID is missing")
	}
	if c.NowPaymentsAPIKey != "" && c.NowPaymentsIPNSecret == "" {
		return fmt.Errorf("NOWPAYMENTS_API_KEY is set but NOWPAYMENTS_IPN_SECRET is missing")
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is set but STRIPE_WEBHOOK_SECRET is missing")
	}
	if c.SMTPHost != "" && c.SMTPFrom == "" {
		return fmt.Errorf("SMTP_HOST is set but SMTP_FROM is missing")
	}
	if c.LicenseServerURL != "" {
		if c.LicenseServerUser == "" || c.LicenseServerPassword == "" {
			return fmt.Errorf("LICENSE_SERVER_URL is set but LICENSE_SERVER_USER or LICENSE_SERVER_PASSWORD is missing")
		}
	}
	return nil
}

// CoinPaymentsConfigured reports whether CoinPayments credentials are present.
func (c *Config) CoinPaymentsConfigured() bool {
	return c.CoinPaymentsAPIKey != ""
}

// CryptoCloudConfigured reports whether CryptoCloud credentials are present.
func (c *Config) CryptoCloudConfigured() bool {
	return c.CryptoCloudAPIKey != "" && c.CryptoCloudShopID != ""
}

// NowPaymentsConfigured reports whether NowPayments credentials are present.
func (c *Config) NowPaymentsConfigured() bool {
	return c.NowPaymentsAPIKey != ""
}

// StripeConfigured reports whether Stripe credentials are present.
func (c *Config) StripeConfigured() bool {
	return c.StripeSecretKey != "" && c.StripeWebhookSecret != ""
}

// MailConfigured reports whether SMTP delivery is configured.
func (c *Config) MailConfigured() bool {
	return c.SMTPHost != "" && c.SMTPFrom != ""
}

// LicenseServerConfigured reports whether the license server is configured.
func (c *Config) LicenseServerConfigured() bool {
	return c.LicenseServerURL != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
