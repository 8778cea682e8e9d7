package billing

import (
	"sync"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/TradingAgent/app/repository"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/dispatch"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/payment"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/pricing"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/quota"
)

// Services bundles the wired billing core.
type Services struct {
	Config       Config
	Pricing      *pricing.Engine
	Quota        *quota.Ledger
	Payments     *payment.Ledger
	Provider     payment.Provider
	Orchestrator *Orchestrator
	Reconciler   *Reconciler
	Webhooks     *Service
}

// NewServices wires the billing core. A missing Stripe key leaves Provider
// nil; paid submissions then fail with a provider error.
func NewServices(db *gorm.DB, cfg Config, gateway dispatch.Gateway) *Services {
	engine := pricing.NewEngineFromDB(db, cfg.PricingConfig())
	quotas := quota.NewLedger(db, engine)
	payments := payment.NewLedger(db)

	var provider payment.Provider
	stripeProvider, err := payment.NewStripeProvider(payment.StripeConfig{
		SecretKey: cfg.StripeSecretKey,
		APIURL:    cfg.StripeAPIURL,
		Timeout:   cfg.StripeTimeout,
	})
	if err != nil {
		log.Warnf("[Billing] payment provider disabled: %v", err)
	} else {
		provider = stripeProvider
	}

	deps := Deps{
		Tasks:           repository.NewTaskRepository(db),
		Pricing:         engine,
		Quota:           quotas,
		Payments:        payments,
		Provider:        provider,
		Gateway:         gateway,
		ProviderTimeout: cfg.StripeTimeout,
		DispatchTimeout: cfg.EngineTimeout,
	}
	return &Services{
		Config:       cfg,
		Pricing:      engine,
		Quota:        quotas,
		Payments:     payments,
		Provider:     provider,
		Orchestrator: NewOrchestrator(db, deps),
		Reconciler:   NewReconciler(deps),
		Webhooks:     NewServiceFromDB(db),
	}
}

var (
	services     *Services
	servicesOnce sync.Once
)

// Setup wires the global billing services from the environment.
func Setup(db *gorm.DB) *Services {
	servicesOnce.Do(func() {
		cfg := ConfigFromEnv()
		services = NewServices(db, cfg, dispatch.NewHTTPGateway(cfg.EngineBaseURL, cfg.EngineTimeout))
	})
	return services
}

// SetServices replaces the global services, used by tests.
func SetServices(s *Services) {
	services = s
}

// GetServices returns the global billing services.
func GetServices() *Services {
	if services == nil {
		panic("billing services not initialized. Call billing.Setup first.")
	}
	return services
}
