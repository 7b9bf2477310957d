package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// CheckoutParams describes one hosted subscription checkout.
type CheckoutParams struct {
	UserID     int64
	Email      string
	Plan       string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the provider's answer to a checkout request.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Provider is the payment processor boundary.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// ProviderError is a non-2xx response from the payment API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("billing provider: status %d: %s", e.StatusCode, e.Message)
}

// StripeProvider talks to a Stripe-compatible API through stripe-go.
type StripeProvider struct {
	api *client.API
}

// NewStripeProvider points the client at baseURL, or the public API when empty.
func NewStripeProvider(baseURL, secretKey string, httpClient *http.Client) *StripeProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	cfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if baseURL != "" {
		cfg.URL = stripe.String(strings.TrimRight(baseURL, "/"))
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)
	api := &client.API{}
	api.Init(secretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return &StripeProvider{api: api}
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	userRef := strconv.FormatInt(params.UserID, 10)
	sp := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(params.SuccessURL),
		CancelURL:         stripe.String(params.CancelURL),
		ClientReferenceID: stripe.String(userRef),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(params.PriceID), Quantity: stripe.Int64(1)},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"plan": params.Plan, "user_id": userRef},
		},
	}
	sp.Context = ctx
	sp.AddMetadata("plan", params.Plan)
	if params.Email != "" {
		sp.CustomerEmail = stripe.String(params.Email)
	}

	session, err := p.api.CheckoutSessions.New(sp)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", providerError(err))
	}
	if session.URL == "" {
		return nil, fmt.Errorf("create checkout session: provider returned no url")
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return fmt.Errorf("cancel subscription: id required")
	}
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := p.api.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return fmt.Errorf("cancel subscription %s: %w", subscriptionID, providerError(err))
	}
	return nil
}

// providerError turns API-level failures into *ProviderError and leaves transport errors alone.
func providerError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode != 0 {
		return &ProviderError{StatusCode: se.HTTPStatusCode, Message: se.Msg}
	}
	return err
}

var _ Provider = (*StripeProvider)(nil)
