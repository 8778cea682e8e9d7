package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/ManuelReschke/TradingAgent/internal/pkg/apperror"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/metrics"
)

type StripeConfig struct {
	SecretKey string
	// APIURL overrides the Stripe API base, used against stubs.
	APIURL  string
	Timeout time.Duration
}

// StripeProvider implements Provider on Stripe PaymentIntents.
type StripeProvider struct {
	client *client.API
}

func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, apperror.Configuration("stripe secret key is not configured", nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(strings.TrimRight(cfg.APIURL, "/"))
	}

	sc := &client.API{}
	sc.Init(cfg.SecretKey, &stripe.Backends{
		API: stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
	})
	return &StripeProvider{client: sc}, nil
}

func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if req.AmountCents <= 0 {
		return nil, apperror.Validation("payment amount must be positive")
	}
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(fmt.Sprintf("Analysis for %s (Depth %d, Analysts %d)", req.Ticker, req.ResearchDepth, req.AnalystCount)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("taskId", req.TaskID)
	params.AddMetadata("userId", strconv.FormatUint(uint64(req.UserID), 10))
	params.AddMetadata("ticker", req.Ticker)

	pi, err := p.client.PaymentIntents.New(params)
	metrics.ProviderRequests.WithLabelValues("create", metrics.Result(err)).Inc()
	if err != nil {
		log.Errorf("[StripeProvider] create intent for task %s failed: %v", req.TaskID, err)
		return nil, mapStripeError("failed to create payment intent", err)
	}
	return toIntent(pi), nil
}

// CancelIntent skips intents that already succeeded or were canceled.
func (p *StripeProvider) CancelIntent(ctx context.Context, intentID string) error {
	if intentID == "" {
		return nil
	}
	current, err := p.GetIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if current.Status == IntentSucceeded || current.Status == IntentCanceled {
		return nil
	}

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err = p.client.PaymentIntents.Cancel(intentID, params)
	metrics.ProviderRequests.WithLabelValues("cancel", metrics.Result(err)).Inc()
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			return nil
		}
		log.Errorf("[StripeProvider] cancel intent %s failed: %v", intentID, err)
		return mapStripeError("failed to cancel payment intent", err)
	}
	return nil
}

func (p *StripeProvider) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.client.PaymentIntents.Get(intentID, params)
	metrics.ProviderRequests.WithLabelValues("get", metrics.Result(err)).Inc()
	if err != nil {
		return nil, mapStripeError("failed to fetch payment intent", err)
	}
	return toIntent(pi), nil
}

func toIntent(pi *stripe.PaymentIntent) *Intent {
	in := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Metadata:     pi.Metadata,
	}
	if pi.LastPaymentError != nil {
		in.LastError = pi.LastPaymentError.Msg
	}
	if in.Metadata == nil {
		in.Metadata = map[string]string{}
	}
	return in
}

func mapStripeError(msg string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Msg != "" {
		return apperror.PaymentProvider(msg+": "+stripeErr.Msg, err)
	}
	return apperror.PaymentProvider(msg, err)
}
