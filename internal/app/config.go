package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (CHECKOUT_ prefix), flags, or YAML config files.
type Config struct {
	Addr          string        `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL   string        `usage:"PostgreSQL connection URL (CHECKOUT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	PublicBaseURL string        `default:"http://localhost:8080" usage:"Public storefront URL used for return and payment links" flag:"public-base-url"`
	APIKeyPepper  string        `usage:"HMAC pepper for API key hashing (CHECKOUT_API_KEY_PEPPER)" flag:"api-key-pepper"`
	EffectTimeout time.Duration `default:"10s" usage:"Timeout for each post-payment side effect" flag:"effect-timeout"`
	RateLimit     RateLimitConfig
	CORS          CORSConfig
	Graceful      GracefulConfig
	Cache         CacheConfig
	Card          CardConfig
	Crypto        CryptoConfig
	Fulfillment   FulfillmentConfig
	Marketing     MarketingConfig
	Features      FeaturesConfig
}

// RateLimitConfig controls the per-client token bucket rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
	// ExternalOrigins may call the external order endpoint.
	ExternalOrigins []string `default:"*" usage:"Origins allowed to create external orders" flag:"cors-external-origins"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// CacheConfig controls read-through cache lifetimes.
type CacheConfig struct {
	CouponTTL  time.Duration `default:"60s" usage:"Auto-apply coupon cache TTL" flag:"cache-coupon-ttl"`
	ProgramTTL time.Duration `default:"5m"  usage:"Program catalog cache TTL" flag:"cache-program-ttl"`
}

// CardConfig configures the card gateway. It is disabled without a base URL.
type CardConfig struct {
	BaseURL       string        `usage:"Card gateway API base URL" flag:"card-base-url"`
	ClientID      string        `usage:"Card gateway OAuth client id" flag:"card-client-id"`
	ClientSecret  string        `usage:"Card gateway OAuth client secret" flag:"card-client-secret"`
	WebhookSecret string        `usage:"Card gateway webhook signing secret" flag:"card-webhook-secret"`
	Timeout       time.Duration `default:"15s" usage:"Card gateway request timeout" flag:"card-timeout"`
}

// CryptoConfig configures the crypto invoice gateway. It is disabled without
// a base URL.
type CryptoConfig struct {
	BaseURL       string        `usage:"Crypto gateway API base URL" flag:"crypto-base-url"`
	APIKey        string        `usage:"Crypto gateway API key" flag:"crypto-api-key"`
	WebhookSecret string        `usage:"Crypto gateway IPN secret" flag:"crypto-webhook-secret"`
	Timeout       time.Duration `default:"15s" usage:"Crypto gateway request timeout" flag:"crypto-timeout"`
}

// FulfillmentConfig configures the fulfillment notification endpoint.
type FulfillmentConfig struct {
	URL     string        `usage:"Fulfillment webhook URL" flag:"fulfillment-url"`
	Secret  string        `usage:"Fulfillment webhook HMAC secret" flag:"fulfillment-secret"`
	Timeout time.Duration `default:"10s" usage:"Fulfillment request timeout" flag:"fulfillment-timeout"`
}

// MarketingConfig configures purchase event tracking. Events are logged
// when no brokers are set.
type MarketingConfig struct {
	Brokers string        `usage:"Comma-separated Kafka brokers" flag:"marketing-brokers"`
	Topic   string        `default:"checkout.purchases" usage:"Kafka topic for purchase events" flag:"marketing-topic"`
	Timeout time.Duration `default:"5s" usage:"Event publish timeout" flag:"marketing-timeout"`
}

// FeaturesConfig toggles optional behavior.
type FeaturesConfig struct {
	AutoApplyCoupons bool `default:"true" usage:"Apply the best auto-apply coupon when none is given" flag:"auto-apply-coupons"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CHECKOUT",
		Files:     []string{"config.yaml", "/etc/checkout/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set CHECKOUT_DATABASE_URL or DATABASE_URL")
	}
	if c.Card.BaseURL == "" && c.Crypto.BaseURL == "" {
		return errors.New("no payment gateway configured: set CHECKOUT_CARD_BASE_URL or CHECKOUT_CRYPTO_BASE_URL")
	}
	if c.Card.BaseURL != "" && c.Card.WebhookSecret == "" {
		return errors.New("card webhook secret is required")
	}
	if c.Crypto.BaseURL != "" && c.Crypto.WebhookSecret == "" {
		return errors.New("crypto webhook secret is required")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's CHECKOUT_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
