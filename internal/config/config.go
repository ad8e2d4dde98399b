// Package config reads parcelbot settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	Addr     string `env:"PARCELBOT_ADDR" envDefault:":8080" validate:"required"`
	StoreDSN string `env:"PARCELBOT_STORE_DSN" envDefault:"sqlite://clients.db" validate:"required"`

	BitrixWebhookURL string        `env:"BITRIX_WEBHOOK_URL" validate:"required,url"`
	BitrixAppToken   string        `env:"BITRIX_APP_TOKEN"`
	BitrixTimeout    time.Duration `env:"BITRIX_TIMEOUT" envDefault:"20s" validate:"gt=0"`

	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramAPIURL   string `env:"TELEGRAM_API_URL" validate:"omitempty,url"`

	// TenantFile overrides the built-in tenant schema.
	TenantFile string `env:"PARCELBOT_TENANT_FILE"`

	DrainInterval time.Duration `env:"PARCELBOT_DRAIN_INTERVAL" envDefault:"10s" validate:"gt=0"`
	DrainIdle     time.Duration `env:"PARCELBOT_DRAIN_IDLE" envDefault:"10s" validate:"gte=0"`
	PassTimeout   time.Duration `env:"PARCELBOT_PASS_TIMEOUT" envDefault:"0s" validate:"gte=0"`

	BatchSize        int           `env:"PARCELBOT_BATCH_SIZE" envDefault:"50" validate:"min=1,max=50"`
	BatchMaxAttempts int           `env:"PARCELBOT_BATCH_MAX_ATTEMPTS" envDefault:"3" validate:"min=1"`
	BatchRetryDelay  time.Duration `env:"PARCELBOT_BATCH_RETRY_DELAY" envDefault:"2s" validate:"gte=0"`

	AdminJWTSecret  string        `env:"PARCELBOT_ADMIN_JWT_SECRET"`
	RateLimitMax    int           `env:"PARCELBOT_RATE_LIMIT_MAX" envDefault:"0" validate:"gte=0"`
	RateLimitWindow time.Duration `env:"PARCELBOT_RATE_LIMIT_WINDOW" envDefault:"1m" validate:"gte=0"`
	MaxBodyBytes    int64         `env:"PARCELBOT_MAX_BODY_BYTES" envDefault:"1048576" validate:"gt=0"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`
	LogFile   string `env:"LOG_FILE"`
}

var validate = validator.New()

// Load reads the given .env files (missing ones are ignored), then the
// process environment, and validates the result. Variables already set in
// the environment win over .env values.
func Load(files ...string) (*Config, error) {
	for _, file := range files {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		if _, err := os.Stat(file); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "stat %s", file)
		}
		if err := godotenv.Load(file); err != nil {
			return nil, errors.Wrapf(err, "load %s", file)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	cfg.BitrixWebhookURL = strings.TrimRight(strings.TrimSpace(cfg.BitrixWebhookURL), "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}
