package model

import (
	"math"
	"time"
)

// SubscriptionStatus is the billing state of a user.
type SubscriptionStatus string

const (
	SubscriptionTrial     SubscriptionStatus = "trial"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Subscription is the one billing record a user owns.
type Subscription struct {
	UserID      string             `json:"user_id"`
	PlanName    string             `json:"plan_name"`
	Status      SubscriptionStatus `json:"status"`
	TrialEndsAt *time.Time         `json:"trial_ends_at,omitempty"`
	StartedAt   *time.Time         `json:"subscription_start,omitempty"`
	EndsAt      *time.Time         `json:"subscription_end,omitempty"`
	OrderID     string             `json:"order_id,omitempty"`
	PaymentID   string             `json:"payment_id,omitempty"`
	AmountPaid  int64              `json:"amount_paid"`
	Currency    string             `json:"currency,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// TrialActive reports whether the trial has not yet ended at now.
func (s Subscription) TrialActive(now time.Time) bool {
	return s.Status == SubscriptionTrial && s.TrialEndsAt != nil && now.Before(*s.TrialEndsAt)
}

// PaidActive reports whether a paid subscription covers now.
func (s Subscription) PaidActive(now time.Time) bool {
	return s.Status == SubscriptionActive && s.EndsAt != nil && now.Before(*s.EndsAt)
}

// HasAccess is derived, never stored: trial active or subscription active.
func (s Subscription) HasAccess(now time.Time) bool {
	return s.TrialActive(now) || s.PaidActive(now)
}

// DaysLeft returns the whole days of access remaining, rounded up, or 0.
func (s Subscription) DaysLeft(now time.Time) int {
	var end *time.Time
	switch {
	case s.TrialActive(now):
		end = s.TrialEndsAt
	case s.PaidActive(now):
		end = s.EndsAt
	default:
		return 0
	}
	return int(math.Ceil(end.Sub(now).Hours() / 24))
}
