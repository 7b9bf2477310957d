package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wingman/internal/config"
	"wingman/internal/events"
	"wingman/internal/models"
	"wingman/internal/storage"
)

var (
	ErrUnknownPlan    = errors.New("billing: unknown plan")
	ErrNoSubscription = errors.New("billing: no active subscription")
	ErrNotConfigured  = errors.New("billing: provider not configured")
)

// Service owns checkout, cancellation and webhook reconciliation of subscriptions.
type Service struct {
	db       *sql.DB
	mysql    bool
	provider Provider
	cfg      config.BillingConfig
	emitter  *events.Emitter
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(db *sql.DB, driver string, provider Provider, cfg config.BillingConfig, emitter *events.Emitter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:       db,
		mysql:    storage.IsMySQL(driver),
		provider: provider,
		cfg:      cfg,
		emitter:  emitter,
		logger:   logger,
		now:      time.Now,
	}
}

// RequireSubscription reports whether sending is gated on an active subscription.
func (s *Service) RequireSubscription() bool {
	return s.cfg.RequireSubscription
}

// CreateCheckout starts a hosted checkout for plan and returns the redirect URL.
func (s *Service) CreateCheckout(ctx context.Context, user *models.User, plan string) (string, error) {
	if s.provider == nil {
		return "", ErrNotConfigured
	}
	plan = strings.TrimSpace(plan)
	priceID, ok := s.cfg.Prices[plan]
	if !ok || priceID == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	session, err := s.provider.CreateCheckoutSession(ctx, CheckoutParams{
		UserID:     user.ID,
		Email:      user.Email,
		Plan:       plan,
		PriceID:    priceID,
		SuccessURL: s.cfg.SuccessURL,
		CancelURL:  s.cfg.CancelURL,
	})
	if err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "checkout session created", "user_id", user.ID, "plan", plan, "session_id", session.ID)
	return session.URL, nil
}

// CancelSubscription cancels the user's subscription at the provider and marks it canceled locally.
func (s *Service) CancelSubscription(ctx context.Context, userID int64) error {
	if s.provider == nil {
		return ErrNotConfigured
	}
	sub, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return err
	}
	if !sub.Active() || sub.SubscriptionID == "" {
		return ErrNoSubscription
	}
	if err := s.provider.CancelSubscription(ctx, sub.SubscriptionID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = ?, updated_at = ? WHERE user_id = ?`,
		models.SubscriptionCanceled, s.now().UTC(), userID,
	); err != nil {
		return fmt.Errorf("mark subscription canceled: %w", err)
	}
	s.emitChange(ctx, userID, models.SubscriptionCanceled, "cancel")
	return nil
}

// GetSubscription returns the stored subscription, or one with status "none".
func (s *Service) GetSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	sub := models.Subscription{UserID: userID}
	var periodEnd sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT status, plan, customer_id, subscription_id, current_period_end, updated_at
		 FROM subscriptions WHERE user_id = ?`, userID,
	).Scan(&sub.Status, &sub.Plan, &sub.CustomerID, &sub.SubscriptionID, &periodEnd, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			sub.Status = models.SubscriptionNone
			return &sub, nil
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		sub.CurrentPeriodEnd = &t
	}
	return &sub, nil
}

// HasActiveSubscription is the send gate check.
func (s *Service) HasActiveSubscription(ctx context.Context, userID int64) (bool, error) {
	sub, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return false, err
	}
	return sub.Active(), nil
}

// HandleWebhook verifies, decodes and applies one provider event.
// Replays of an already processed event id are accepted and ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (Event, error) {
	if err := VerifySignature(payload, signature, s.cfg.WebhookSecret); err != nil {
		return nil, err
	}
	ev, err := ParseEvent(payload)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seen bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM billing_events WHERE event_id = ?)`, ev.EventID(),
	).Scan(&seen); err != nil {
		return nil, fmt.Errorf("check billing event: %w", err)
	}
	if seen {
		s.logger.InfoContext(ctx, "billing event already processed", "event_id", ev.EventID())
		return ev, nil
	}

	userID, status, err := s.apply(ctx, tx, ev)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO billing_events (event_id, type, received_at) VALUES (?, ?, ?)`,
		ev.EventID(), ev.EventType(), s.now().UTC(),
	); err != nil {
		return nil, fmt.Errorf("record billing event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit billing event: %w", err)
	}
	if userID > 0 {
		s.emitChange(ctx, userID, status, ev.EventType())
	}
	return ev, nil
}

func (s *Service) apply(ctx context.Context, tx *sql.Tx, ev Event) (int64, models.SubscriptionStatus, error) {
	now := s.now().UTC()
	switch e := ev.(type) {
	case CheckoutCompleted:
		plan := e.Plan
		if err := s.upsert(ctx, tx, models.Subscription{
			UserID:         e.UserID,
			Status:         models.SubscriptionActive,
			Plan:           plan,
			CustomerID:     e.CustomerID,
			SubscriptionID: e.SubscriptionID,
			UpdatedAt:      now,
		}); err != nil {
			return 0, "", err
		}
		return e.UserID, models.SubscriptionActive, nil
	case SubscriptionUpdated:
		status := normalizeStatus(e.Status)
		plan := e.Plan
		if plan == "" {
			plan = s.planForPrice(e.PriceID)
		}
		userID, err := userForSubscription(ctx, tx, e.SubscriptionID)
		if err != nil {
			return 0, "", err
		}
		if userID == 0 {
			userID = e.UserID
		}
		if userID == 0 {
			s.logger.WarnContext(ctx, "subscription update for unknown user", "subscription_id", e.SubscriptionID)
			return 0, "", nil
		}
		if err := s.upsert(ctx, tx, models.Subscription{
			UserID:           userID,
			Status:           status,
			Plan:             plan,
			CustomerID:       e.CustomerID,
			SubscriptionID:   e.SubscriptionID,
			CurrentPeriodEnd: e.CurrentPeriodEnd,
			UpdatedAt:        now,
		}); err != nil {
			return 0, "", err
		}
		return userID, status, nil
	case SubscriptionDeleted:
		userID, err := userForSubscription(ctx, tx, e.SubscriptionID)
		if err != nil {
			return 0, "", err
		}
		if userID == 0 {
			return 0, "", nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET status = ?, updated_at = ? WHERE user_id = ?`,
			models.SubscriptionCanceled, now, userID,
		); err != nil {
			return 0, "", fmt.Errorf("cancel subscription: %w", err)
		}
		return userID, models.SubscriptionCanceled, nil
	case Unhandled:
		s.logger.DebugContext(ctx, "ignoring billing event", "type", e.EventType())
		return 0, "", nil
	default:
		return 0, "", fmt.Errorf("billing: unexpected event %T", ev)
	}
}

func (s *Service) upsert(ctx context.Context, tx *sql.Tx, sub models.Subscription) error {
	var periodEnd any
	if sub.CurrentPeriodEnd != nil {
		periodEnd = *sub.CurrentPeriodEnd
	}
	query := `INSERT INTO subscriptions (user_id, status, plan, customer_id, subscription_id, current_period_end, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   status = excluded.status,
		   plan = CASE WHEN excluded.plan = '' THEN subscriptions.plan ELSE excluded.plan END,
		   customer_id = excluded.customer_id,
		   subscription_id = excluded.subscription_id,
		   current_period_end = COALESCE(excluded.current_period_end, subscriptions.current_period_end),
		   updated_at = excluded.updated_at`
	if s.mysql {
		query = `INSERT INTO subscriptions (user_id, status, plan, customer_id, subscription_id, current_period_end, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		   status = VALUES(status),
		   plan = IF(VALUES(plan) = '', plan, VALUES(plan)),
		   customer_id = VALUES(customer_id),
		   subscription_id = VALUES(subscription_id),
		   current_period_end = COALESCE(VALUES(current_period_end), current_period_end),
		   updated_at = VALUES(updated_at)`
	}
	if _, err := tx.ExecContext(ctx, query,
		sub.UserID, sub.Status, sub.Plan, sub.CustomerID, sub.SubscriptionID, periodEnd, sub.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func userForSubscription(ctx context.Context, tx *sql.Tx, subscriptionID string) (int64, error) {
	if subscriptionID == "" {
		return 0, nil
	}
	var userID int64
	err := tx.QueryRowContext(ctx,
		`SELECT user_id FROM subscriptions WHERE subscription_id = ?`, subscriptionID,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup subscription owner: %w", err)
	}
	return userID, nil
}

func (s *Service) planForPrice(priceID string) string {
	for plan, id := range s.cfg.Prices {
		if id == priceID {
			return plan
		}
	}
	return ""
}

func normalizeStatus(status string) models.SubscriptionStatus {
	switch models.SubscriptionStatus(status) {
	case models.SubscriptionActive, models.SubscriptionTrialing, models.SubscriptionPastDue, models.SubscriptionCanceled:
		return models.SubscriptionStatus(status)
	case "unpaid", "incomplete", "incomplete_expired":
		return models.SubscriptionPastDue
	default:
		return models.SubscriptionCanceled
	}
}

func (s *Service) emitChange(ctx context.Context, userID int64, status models.SubscriptionStatus, reason string) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(ctx, s.emitter.Topics().Billing, events.Event{
		Type:   events.TypeSubscriptionChanged,
		UserID: userID,
	}, map[string]string{"status": string(status), "reason": reason})
}
