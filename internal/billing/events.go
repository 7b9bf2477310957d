package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"
)

// SignatureTolerance bounds how old a signed webhook timestamp may be.
const SignatureTolerance = 5 * time.Minute

var (
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	ErrMalformedEvent   = errors.New("billing: malformed webhook event")
)

// Event is one decoded provider webhook. The set of implementations is closed:
// CheckoutCompleted, SubscriptionUpdated, SubscriptionDeleted and Unhandled.
type Event interface {
	EventID() string
	EventType() string
	isEvent()
}

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func (e envelope) EventID() string   { return e.ID }
func (e envelope) EventType() string { return e.Type }
func (envelope) isEvent()            {}

// CheckoutCompleted fires when a hosted checkout finishes and a subscription exists.
type CheckoutCompleted struct {
	envelope
	UserID         int64
	CustomerID     string
	SubscriptionID string
	Plan           string
}

// SubscriptionUpdated carries the provider's current view of a subscription.
type SubscriptionUpdated struct {
	envelope
	SubscriptionID   string
	CustomerID       string
	Status           string
	PriceID          string
	Plan             string
	UserID           int64
	CurrentPeriodEnd *time.Time
}

// SubscriptionDeleted means the subscription ended at the provider.
type SubscriptionDeleted struct {
	envelope
	SubscriptionID string
	CustomerID     string
}

// Unhandled is any event type this service does not act on.
type Unhandled struct {
	envelope
}

const (
	typeCheckoutCompleted   = "checkout.session.completed"
	typeSubscriptionCreated = "customer.subscription.created"
	typeSubscriptionUpdated = "customer.subscription.updated"
	typeSubscriptionDeleted = "customer.subscription.deleted"
)

type checkoutObject struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type subscriptionObject struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// ParseEvent decodes a webhook body into one of the Event variants.
func ParseEvent(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}

	switch env.Type {
	case typeCheckoutCompleted:
		var obj checkoutObject
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", ErrMalformedEvent, err)
		}
		userID, err := strconv.ParseInt(obj.ClientReferenceID, 10, 64)
		if err != nil || userID <= 0 {
			return nil, fmt.Errorf("%w: client_reference_id %q", ErrMalformedEvent, obj.ClientReferenceID)
		}
		return CheckoutCompleted{
			envelope:       env,
			UserID:         userID,
			CustomerID:     obj.Customer,
			SubscriptionID: obj.Subscription,
			Plan:           obj.Metadata["plan"],
		}, nil
	case typeSubscriptionCreated, typeSubscriptionUpdated:
		obj, err := decodeSubscription(env.Data.Object)
		if err != nil {
			return nil, err
		}
		ev := SubscriptionUpdated{
			envelope:       env,
			SubscriptionID: obj.ID,
			CustomerID:     obj.Customer,
			Status:         obj.Status,
			Plan:           obj.Metadata["plan"],
		}
		if len(obj.Items.Data) > 0 {
			ev.PriceID = obj.Items.Data[0].Price.ID
		}
		if id, err := strconv.ParseInt(obj.Metadata["user_id"], 10, 64); err == nil {
			ev.UserID = id
		}
		if obj.CurrentPeriodEnd > 0 {
			end := time.Unix(obj.CurrentPeriodEnd, 0).UTC()
			ev.CurrentPeriodEnd = &end
		}
		return ev, nil
	case typeSubscriptionDeleted:
		obj, err := decodeSubscription(env.Data.Object)
		if err != nil {
			return nil, err
		}
		return SubscriptionDeleted{envelope: env, SubscriptionID: obj.ID, CustomerID: obj.Customer}, nil
	default:
		return Unhandled{envelope: env}, nil
	}
}

func decodeSubscription(raw json.RawMessage) (subscriptionObject, error) {
	var obj subscriptionObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return obj, fmt.Errorf("%w: subscription: %v", ErrMalformedEvent, err)
	}
	if obj.ID == "" {
		return obj, fmt.Errorf("%w: subscription id missing", ErrMalformedEvent)
	}
	return obj, nil
}

// VerifySignature checks a provider "Stripe-Signature" header against the payload.
func VerifySignature(payload []byte, header, secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, header, secret, SignatureTolerance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// SignatureHeader builds a header value VerifySignature accepts.
func SignatureHeader(payload []byte, secret string, at time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
		Scheme:    "v1",
	}).Header
}
