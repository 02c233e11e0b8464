// Package billing tracks trials and paid subscriptions and derives access.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/leadsync/internal/apperr"
	"github.com/matheus3301/leadsync/internal/model"
	"github.com/matheus3301/leadsync/internal/payment"
	"github.com/matheus3301/leadsync/internal/store"
	"go.uber.org/zap"
)

// ErrUnverified is returned when a checkout signature does not verify.
var ErrUnverified = errors.New("payment could not be verified")

// DefaultTrialDays is the trial length for new users.
const DefaultTrialDays = 14

// Plan is a purchasable subscription plan.
type Plan struct {
	Name     string `toml:"name"`
	Amount   int64  `toml:"amount"`
	Currency string `toml:"currency"`
	Months   int    `toml:"months"`
}

// Backend stores subscriptions.
type Backend interface {
	GetSubscription(ctx context.Context, userID string) (model.Subscription, error)
	UpsertSubscription(ctx context.Context, s model.Subscription) (model.Subscription, error)
	ListSubscriptions(ctx context.Context, status model.SubscriptionStatus) ([]model.Subscription, error)
}

// Gateway is the payment collaborator.
type Gateway interface {
	CreateOrder(ctx context.Context, amount int64, plan string) (payment.Order, error)
	Verify(ctx context.Context, r payment.CheckoutResult) (bool, error)
}

// Access is the derived view of a user's subscription at one instant.
type Access struct {
	HasAccess bool
	Status    model.SubscriptionStatus
	Plan      string
	DaysLeft  int
}

// Service runs the billing flows.
type Service struct {
	backend   Backend
	gateway   Gateway
	signer    *payment.Signer
	plans     map[string]Plan
	trialDays int
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a billing service selling plans.
func NewService(backend Backend, gateway Gateway, plans []Plan, trialDays int, logger *zap.Logger) *Service {
	if trialDays <= 0 {
		trialDays = DefaultTrialDays
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]Plan, len(plans))
	for _, p := range plans {
		byName[p.Name] = p
	}
	return &Service{
		backend:   backend,
		gateway:   gateway,
		plans:     byName,
		trialDays: trialDays,
		logger:    logger.With(zap.String("component", "billing")),
		now:       time.Now,
	}
}

// WithSigner makes Activate check checkout signatures locally before asking
// the gateway. A forged signature is then rejected without a remote call.
func (s *Service) WithSigner(signer *payment.Signer) *Service {
	s.signer = signer
	return s
}

// Plan looks up a plan by name.
func (s *Service) Plan(name string) (Plan, bool) {
	p, ok := s.plans[name]
	return p, ok
}

// StartTrial gives a user without a subscription a trial. An existing
// subscription is returned unchanged.
func (s *Service) StartTrial(ctx context.Context, userID string) (model.Subscription, error) {
	cur, err := s.backend.GetSubscription(ctx, userID)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Subscription{}, apperr.BackendFailure("billing.start_trial", err)
	}

	ends := s.now().UTC().AddDate(0, 0, s.trialDays)
	sub, err := s.backend.UpsertSubscription(ctx, model.Subscription{
		UserID:      userID,
		Status:      model.SubscriptionTrial,
		TrialEndsAt: &ends,
	})
	if err != nil {
		return model.Subscription{}, apperr.BackendFailure("billing.start_trial", err)
	}
	s.logger.Info("trial started", zap.String("user_id", userID), zap.Time("ends", ends))
	return sub, nil
}

// Access derives whether the user may use the product now. A user without
// a subscription has no access.
func (s *Service) Access(ctx context.Context, userID string) (Access, error) {
	sub, err := s.backend.GetSubscription(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Access{}, nil
	}
	if err != nil {
		return Access{}, apperr.BackendFailure("billing.access", err)
	}
	now := s.now()
	return Access{
		HasAccess: sub.HasAccess(now),
		Status:    sub.Status,
		Plan:      sub.PlanName,
		DaysLeft:  sub.DaysLeft(now),
	}, nil
}

// Checkout opens a gateway order for plan.
func (s *Service) Checkout(ctx context.Context, userID, plan string) (payment.Order, error) {
	p, ok := s.plans[plan]
	if !ok {
		return payment.Order{}, apperr.Invalid("billing.checkout", fmt.Sprintf("unknown plan %q", plan), nil)
	}
	order, err := s.gateway.CreateOrder(ctx, p.Amount, p.Name)
	if err != nil {
		s.logger.Error("create order", zap.String("user_id", userID), zap.String("plan", plan), zap.Error(err))
		return payment.Order{}, apperr.BackendFailure("billing.checkout", err)
	}
	if order.Currency == "" {
		order.Currency = p.Currency
	}
	return order, nil
}

// Activate verifies a completed checkout and records the paid subscription.
// Paying while still active extends from the current end.
func (s *Service) Activate(ctx context.Context, userID, plan string, r payment.CheckoutResult) (model.Subscription, error) {
	p, ok := s.plans[plan]
	if !ok {
		return model.Subscription{}, apperr.Invalid("billing.activate", fmt.Sprintf("unknown plan %q", plan), nil)
	}
	if s.signer != nil && !s.signer.Verify(r) {
		s.logger.Warn("payment signature rejected locally", zap.String("user_id", userID), zap.String("order_id", r.OrderID))
		return model.Subscription{}, apperr.Invalid("billing.activate", "signature mismatch", ErrUnverified)
	}
	verified, err := s.gateway.Verify(ctx, r)
	if err != nil {
		return model.Subscription{}, apperr.BackendFailure("billing.activate", err)
	}
	if !verified {
		s.logger.Warn("payment not verified", zap.String("user_id", userID), zap.String("order_id", r.OrderID))
		return model.Subscription{}, apperr.Invalid("billing.activate", "signature mismatch", ErrUnverified)
	}

	now := s.now().UTC()
	start := now
	cur, err := s.backend.GetSubscription(ctx, userID)
	switch {
	case err == nil && cur.PaidActive(now):
		start = *cur.EndsAt
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return model.Subscription{}, apperr.BackendFailure("billing.activate", err)
	}
	end := start.AddDate(0, p.Months, 0)

	sub, err := s.backend.UpsertSubscription(ctx, model.Subscription{
		UserID:     userID,
		PlanName:   p.Name,
		Status:     model.SubscriptionActive,
		StartedAt:  &now,
		EndsAt:     &end,
		OrderID:    r.OrderID,
		PaymentID:  r.PaymentID,
		AmountPaid: p.Amount,
		Currency:   p.Currency,
	})
	if err != nil {
		return model.Subscription{}, apperr.BackendFailure("billing.activate", err)
	}
	s.logger.Info("subscription activated",
		zap.String("user_id", userID),
		zap.String("plan", p.Name),
		zap.Time("ends", end))
	return sub, nil
}

// Expire marks lapsed trials and subscriptions expired and returns how many
// changed.
func (s *Service) Expire(ctx context.Context) (int, error) {
	now := s.now()
	changed := 0
	for _, status := range []model.SubscriptionStatus{model.SubscriptionTrial, model.SubscriptionActive} {
		subs, err := s.backend.ListSubscriptions(ctx, status)
		if err != nil {
			return changed, apperr.BackendFailure("billing.expire", err)
		}
		for _, sub := range subs {
			if sub.HasAccess(now) {
				continue
			}
			sub.Status = model.SubscriptionExpired
			if _, err := s.backend.UpsertSubscription(ctx, sub); err != nil {
				return changed, apperr.BackendFailure("billing.expire", err)
			}
			changed++
		}
	}
	if changed > 0 {
		s.logger.Info("subscriptions expired", zap.Int("count", changed))
	}
	return changed, nil
}
