package pricing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"gorm.io/gorm"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/apperror"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/metrics"
)

const (
	FallbackStrategyCode = "DEFAULT_2024"
	DefaultFreeTaskLimit = 5
	DefaultCacheTTL      = 300 * time.Second

	cacheSize      = 64
	latestCacheKey = "__latest__"
)

type Config struct {
	DefaultCode   string
	FreeTaskLimit int
	// CacheTTL <= 0 disables the strategy cache.
	CacheTTL time.Duration
}

// Engine resolves the active pricing strategy and prices tasks.
type Engine struct {
	repo          Repository
	cache         *expirable.LRU[string, *models.PricingStrategy]
	defaultCode   string
	freeTaskLimit int
}

func NewEngine(repo Repository, cfg Config) *Engine {
	e := &Engine{
		repo:          repo,
		defaultCode:   strings.TrimSpace(cfg.DefaultCode),
		freeTaskLimit: cfg.FreeTaskLimit,
	}
	if e.defaultCode == "" {
		e.defaultCode = FallbackStrategyCode
	}
	if e.freeTaskLimit < 0 {
		e.freeTaskLimit = DefaultFreeTaskLimit
	}
	if cfg.CacheTTL > 0 {
		e.cache = expirable.NewLRU[string, *models.PricingStrategy](cacheSize, nil, cfg.CacheTTL)
	}
	return e
}

// NewEngineFromDB creates an engine from a GORM DB handle.
func NewEngineFromDB(db *gorm.DB, cfg Config) *Engine {
	return NewEngine(NewRepository(db), cfg)
}

// GetActiveStrategy resolves the requested code, then the configured default,
// then the most recently updated active strategy.
func (e *Engine) GetActiveStrategy(ctx context.Context, requestedCode string) (*models.PricingStrategy, error) {
	code := strings.TrimSpace(requestedCode)
	if code != "" {
		s, err := e.cached(code, func() (*models.PricingStrategy, error) {
			return e.repo.FindActiveByCode(ctx, code)
		})
		if err != nil {
			return nil, err
		}
		if s != nil {
			return s, nil
		}
		log.Warnf("[Pricing] Requested strategy %q not active, falling back", code)
	}

	if e.defaultCode != code {
		s, err := e.cached(e.defaultCode, func() (*models.PricingStrategy, error) {
			return e.repo.FindActiveByCode(ctx, e.defaultCode)
		})
		if err != nil {
			return nil, err
		}
		if s != nil {
			return s, nil
		}
	}

	s, err := e.cached(latestCacheKey, func() (*models.PricingStrategy, error) {
		return e.repo.FindLatestActive(ctx)
	})
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperror.Configuration("no active pricing strategy configured", nil)
	}
	return s, nil
}

// Quote resolves the strategy and computes the price in one step.
func (e *Engine) Quote(ctx context.Context, requestedCode string, researchDepth *int, analysts []string) (*models.PricingStrategy, Quote, error) {
	strategy, err := e.GetActiveStrategy(ctx, requestedCode)
	if err != nil {
		return nil, Quote{}, err
	}
	quote, err := CalculatePrice(strategy, researchDepth, analysts)
	if err != nil {
		return nil, Quote{}, err
	}
	return strategy, quote, nil
}

// DefaultFreeQuota is the free allotment granted to a user whose quota row is
// created now.
func (e *Engine) DefaultFreeQuota(ctx context.Context) (int, error) {
	strategy, err := e.GetActiveStrategy(ctx, "")
	if err != nil {
		if errors.Is(err, apperror.ErrConfiguration) {
			return e.freeTaskLimit, nil
		}
		return 0, err
	}
	if strategy.FreeTaskQuota != nil && *strategy.FreeTaskQuota >= 0 {
		return *strategy.FreeTaskQuota, nil
	}
	return e.freeTaskLimit, nil
}

// cached returns (nil, nil) on a repository miss. Misses are not cached.
func (e *Engine) cached(key string, load func() (*models.PricingStrategy, error)) (*models.PricingStrategy, error) {
	if e.cache != nil {
		if s, ok := e.cache.Get(key); ok {
			metrics.PricingCacheLookups.WithLabelValues("hit").Inc()
			return s, nil
		}
		metrics.PricingCacheLookups.WithLabelValues("miss").Inc()
	}

	s, err := load()
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if e.cache != nil {
		e.cache.Add(key, s)
	}
	return s, nil
}
