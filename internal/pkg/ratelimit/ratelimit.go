// Package ratelimit builds the API limiter, sharing counters across
// instances through Redis when it is configured.
package ratelimit

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/cache"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/constants"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/env"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/middleware"
)

const (
	DefaultMax        = 60
	DefaultExpiration = time.Minute
	limiterDatabase   = 1 // cache and job queue use DB 0
)

// NewRedisStorage returns limiter storage on the cache's Redis server.
func NewRedisStorage() fiber.Storage {
	cacheClient := cache.GetClient()
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		// Prefer password from the underlying client if present
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: limiterDatabase,
		Reset:    false,
	})
}

// Config controls the API limiter. A nil Storage keeps counters in memory.
type Config struct {
	Max        int
	Expiration time.Duration
	Storage    fiber.Storage
}

// ConfigFromEnv reads API_RATE_LIMIT_MAX and API_RATE_LIMIT_WINDOW_SECONDS.
// Redis backed storage is used unless API_RATE_LIMIT_STORAGE=memory.
func ConfigFromEnv() Config {
	cfg := Config{
		Max:        env.GetEnvInt("API_RATE_LIMIT_MAX", DefaultMax),
		Expiration: time.Duration(env.GetEnvInt("API_RATE_LIMIT_WINDOW_SECONDS", int(DefaultExpiration/time.Second))) * time.Second,
	}
	if strings.ToLower(env.GetEnv("API_RATE_LIMIT_STORAGE", "redis")) == "redis" {
		cfg.Storage = NewRedisStorage()
	} else {
		log.Info("[RateLimit] Using in-memory limiter storage")
	}
	return cfg
}

// New returns the limiter middleware. Requests are keyed by the hash of the
// API key when one is sent, otherwise by client IP. Provider webhooks are
// never limited.
func New(cfg Config) fiber.Handler {
	if cfg.Max <= 0 {
		cfg.Max = DefaultMax
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = DefaultExpiration
	}
	return limiter.New(limiter.Config{
		Max:          cfg.Max,
		Expiration:   cfg.Expiration,
		Storage:      cfg.Storage,
		Next:         isWebhook,
		KeyGenerator: keyFor,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests",
			})
		},
	})
}

func isWebhook(c *fiber.Ctx) bool {
	return c.Method() == fiber.MethodPost && strings.HasSuffix(c.Path(), constants.PaymentWebhookPath)
}

// keyFor never puts a raw key into the limiter storage.
func keyFor(c *fiber.Ctx) string {
	if key := middleware.ExtractAPIKey(c); key != "" {
		return "key:" + models.HashAPIKey(key)
	}
	return "ip:" + c.IP()
}
