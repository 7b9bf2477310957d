package models

import "time"

type SubscriptionStatus string

const (
	SubscriptionNone     SubscriptionStatus = "none"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// Subscription mirrors the payment provider's view of a user's plan.
type Subscription struct {
	UserID           int64              `json:"-"`
	Status           SubscriptionStatus `json:"status"`
	Plan             string             `json:"plan,omitempty"`
	CustomerID       string             `json:"-"`
	SubscriptionID   string             `json:"-"`
	CurrentPeriodEnd *time.Time         `json:"current_period_end,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Active reports whether the subscription grants access.
func (s *Subscription) Active() bool {
	if s == nil {
		return false
	}
	return s.Status == SubscriptionActive || s.Status == SubscriptionTrialing
}
