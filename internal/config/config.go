package config

import (
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Payment   PaymentConfig   `yaml:"payment"`
	Gateways  GatewaysConfig  `yaml:"gateways"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// PaymentConfig tunes the transaction core.
type PaymentConfig struct {
	IdempotencyTTL  time.Duration `yaml:"idempotency_ttl"`
	TransactionTTL  time.Duration `yaml:"transaction_ttl"`
	VerifyRetries   int           `yaml:"verify_retries"`
	VerifyRetryWait time.Duration `yaml:"verify_retry_wait"`
	SweepAge        time.Duration `yaml:"sweep_age"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	VerifyWorkers   int           `yaml:"verify_workers"`
	WebhookSecret   string        `yaml:"webhook_secret"`
}

type GatewaysConfig struct {
	Zarinpal ZarinpalConfig `yaml:"zarinpal"`
	Stripe   StripeConfig   `yaml:"stripe"`
	PayPal   PayPalConfig   `yaml:"paypal"`
}

type ZarinpalConfig struct {
	MerchantID  string `yaml:"merchant_id"`
	RequestURL  string `yaml:"request_url"`
	VerifyURL   string `yaml:"verify_url"`
	CallbackURL string `yaml:"callback_url"`
}

type StripeConfig struct {
	SecretKey   string `yaml:"secret_key"`
	APIBase     string `yaml:"api_base"`
	CallbackURL string `yaml:"callback_url"`
}

type PayPalConfig struct {
	ClientID    string `yaml:"client_id"`
	Secret      string `yaml:"secret"`
	APIBase     string `yaml:"api_base"`
	CallbackURL string `yaml:"callback_url"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if mid := os.Getenv("ZARINPAL_MERCHANT_ID"); mid != "" {
		cfg.Gateways.Zarinpal.MerchantID = mid
	}
	if sk := os.Getenv("STRIPE_SECRET_KEY"); sk != "" {
		cfg.Gateways.Stripe.SecretKey = sk
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Payment.IdempotencyTTL == 0 {
		c.Payment.IdempotencyTTL = time.Hour
	}
	if c.Payment.TransactionTTL == 0 {
		c.Payment.TransactionTTL = time.Hour
	}
	if c.Payment.VerifyRetries == 0 {
		c.Payment.VerifyRetries = 3
	}
	if c.Payment.VerifyRetryWait == 0 {
		c.Payment.VerifyRetryWait = 60 * time.Second
	}
	if c.Payment.SweepAge == 0 {
		c.Payment.SweepAge = 24 * time.Hour
	}
	if c.Payment.SweepInterval == 0 {
		c.Payment.SweepInterval = time.Hour
	}
	if c.Payment.VerifyWorkers == 0 {
		c.Payment.VerifyWorkers = 4
	}
}
