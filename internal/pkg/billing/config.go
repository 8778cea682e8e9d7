package billing

import (
	"strings"
	"time"

	"github.com/ManuelReschke/TradingAgent/internal/pkg/env"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/pricing"
)

const (
	defaultStripeTimeoutSeconds = 15
	defaultEngineTimeoutSeconds = 30
	defaultSweepCron            = "@every 5m"
	defaultSweepMinAgeMinutes   = 30
	defaultSweepBatchSize       = 100
)

// Config is the billing configuration read from the environment.
type Config struct {
	DefaultStrategyCode string
	FreeTaskLimit       int
	PriceCacheTTL       time.Duration

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIURL        string
	StripeTimeout       time.Duration

	EngineBaseURL string
	EngineTimeout time.Duration

	SweepCron      string
	SweepMinAge    time.Duration
	SweepBatchSize int
}

func ConfigFromEnv() Config {
	return Config{
		DefaultStrategyCode: strings.TrimSpace(env.GetEnv("BILLING_DEFAULT_STRATEGY_CODE", pricing.FallbackStrategyCode)),
		FreeTaskLimit:       env.GetEnvInt("BILLING_FREE_TASK_LIMIT", pricing.DefaultFreeTaskLimit),
		PriceCacheTTL:       time.Duration(env.GetEnvInt("BILLING_PRICE_CACHE_TTL_SECONDS", 300)) * time.Second,

		StripeSecretKey:     strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		StripeWebhookSecret: strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		StripeAPIURL:        strings.TrimSpace(env.GetEnv("STRIPE_API_URL", "")),
		StripeTimeout:       time.Duration(env.GetEnvInt("STRIPE_TIMEOUT_SECONDS", defaultStripeTimeoutSeconds)) * time.Second,

		EngineBaseURL: strings.TrimSpace(env.GetEnv("ENGINE_BASE_URL", "http://localhost:8000")),
		EngineTimeout: time.Duration(env.GetEnvInt("ENGINE_TIMEOUT_SECONDS", defaultEngineTimeoutSeconds)) * time.Second,

		SweepCron:      strings.TrimSpace(env.GetEnv("BILLING_SWEEP_CRON", defaultSweepCron)),
		SweepMinAge:    time.Duration(env.GetEnvInt("BILLING_SWEEP_MIN_AGE_MINUTES", defaultSweepMinAgeMinutes)) * time.Minute,
		SweepBatchSize: env.GetEnvInt("BILLING_SWEEP_BATCH_SIZE", defaultSweepBatchSize),
	}
}

func (c Config) PricingConfig() pricing.Config {
	return pricing.Config{
		DefaultCode:   c.DefaultStrategyCode,
		FreeTaskLimit: c.FreeTaskLimit,
		CacheTTL:      c.PriceCacheTTL,
	}
}
