package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultCoinPaymentsAPIURL, cfg.CoinPaymentsAPIURL)
	assert.Equal(t, DefaultNowPaymentsAPIURL, cfg.NowPaymentsAPIURL)
	assert.Equal(t, DefaultEthereumRPC, cfg.EthereumRPC)
	assert.Equal(t, DefaultSMTPPort, cfg.SMTPPort)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPS)
}

func TestLoad_IncompleteProviderCredentials(t *testing.T) {
	setEnv(t, "NOWPAYMENTS_API_KEY", "key-123")
	setEnv(t, "NOWPAYMENTS_IPN_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "NOWPAYMENTS_IPN_SECRET")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "empty config is valid",
			config:  Config{},
			wantErr: "",
		},
		{
			name: "complete coinpayments",
			config: Config{
				CoinPaymentsAPIKey:    "k",
				CoinPaymentsAPISecret: "s",
				CoinPaymentsIPNSecret: "i",
			},
			wantErr: "",
		},
		{
			name: "coinpayments missing ipn secret",
			config: Config{
				CoinPaymentsAPIKey:    "k",
				CoinPaymentsAPISecret: "s",
			},
			wantErr: "COINPAYMENTS_IPN_SECRET",
		},
		{
			name: "cryptocloud missing shop id",
			config: Config{
				CryptoCloudAPIKey: "k",
			},
			wantErr: "CRYPTOCLOUD_SHOP_ID",
		},
		{
			name: "stripe missing webhook secret",
			config: Config{
				StripeSecretKey: "sk_test_123",
			},
			wantErr: "STRIPE_WEBHOOK_SECRET",
		},
		{
			name: "smtp missing from address",
			config: Config{
				SMTPHost: "smtp.example.com",
			},
			wantErr: "SMTP_FROM",
		},
		{
			name: "license server missing credentials",
			config: Config{
				LicenseServerURL: "https://keys.example.com",
			},
			wantErr: "LICENSE_SERVER_USER",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_ProviderConfigured(t *testing.T) {
	cfg := &Config{}
	assert.False(t, cfg.CoinPaymentsConfigured())
	assert.False(t, cfg.CryptoCloudConfigured())
	assert.False(t, cfg.NowPaymentsConfigured())
	assert.False(t, cfg.StripeConfigured())
	assert.False(t, cfg.MailConfigured())
	assert.False(t, cfg.LicenseServerConfigured())

	cfg = &Config{
		CoinPaymentsAPIKey:  "k",
		CryptoCloudAPIKey:   "k",
		CryptoCloudShopID:   "shop",
		NowPaymentsAPIKey:   "k",
		StripeSecretKey:     "sk",
		StripeWebhookSecret: "whsec",
		SMTPHost:            "smtp.example.com",
		SMTPFrom:            "billing@example.com",
		LicenseServerURL:    "https://keys.example.com",
	}
	assert.True(t, cfg.CoinPaymentsConfigured())
	assert.True(t, cfg.CryptoCloudConfigured())
	assert.True(t, cfg.NowPaymentsConfigured())
	assert.True(t, cfg.StripeConfigured())
	assert.True(t, cfg.MailConfigured())
	assert.True(t, cfg.LicenseServerConfigured())
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
