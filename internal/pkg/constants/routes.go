package constants

// Static route constants
const (
	APIRoute     = "/api"
	APIV1Route   = "/v1"
	MetricsRoute = "/metrics"
	// Webhook path relative to the v1 group, excluded from API key auth
	PaymentWebhookPath = "/payments/webhook"
)
