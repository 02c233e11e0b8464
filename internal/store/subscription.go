package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matheus3301/leadsync/internal/feed"
	"github.com/matheus3301/leadsync/internal/model"
)

const subscriptionColumns = `user_id, plan_name, status, trial_ends_at, subscription_start,
	subscription_end, order_id, payment_id, amount_paid, currency, updated_at`

func scanSubscription(s scanner) (model.Subscription, error) {
	var (
		sub     model.Subscription
		trial   sql.NullInt64
		start   sql.NullInt64
		end     sql.NullInt64
		updated int64
	)
	if err := s.Scan(&sub.UserID, &sub.PlanName, &sub.Status, &trial, &start, &end,
		&sub.OrderID, &sub.PaymentID, &sub.AmountPaid, &sub.Currency, &updated); err != nil {
		return model.Subscription{}, err
	}
	sub.TrialEndsAt = fromNullMillis(trial)
	sub.StartedAt = fromNullMillis(start)
	sub.EndsAt = fromNullMillis(end)
	sub.UpdatedAt = fromMillis(updated)
	return sub, nil
}

// GetSubscription returns the user's subscription.
func (db *DB) GetSubscription(ctx context.Context, userID string) (model.Subscription, error) {
	sub, err := scanSubscription(db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, ErrNotFound
	}
	return sub, err
}

// ListSubscriptions returns every subscription in the given status.
func (db *DB) ListSubscriptions(ctx context.Context, status model.SubscriptionStatus) ([]model.Subscription, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE status = ? ORDER BY user_id`, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpsertSubscription inserts or replaces the user's subscription.
func (db *DB) UpsertSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("begin upsert subscription: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE user_id = ?`, sub.UserID).Scan(&exists)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("check subscription %s: %w", sub.UserID, err)
	}

	out, err := scanSubscription(tx.QueryRowContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			plan_name = excluded.plan_name,
			status = excluded.status,
			trial_ends_at = excluded.trial_ends_at,
			subscription_start = excluded.subscription_start,
			subscription_end = excluded.subscription_end,
			order_id = excluded.order_id,
			payment_id = excluded.payment_id,
			amount_paid = excluded.amount_paid,
			currency = excluded.currency,
			updated_at = excluded.updated_at
		RETURNING `+subscriptionColumns,
		sub.UserID, sub.PlanName, sub.Status, nullMillis(sub.TrialEndsAt), nullMillis(sub.StartedAt),
		nullMillis(sub.EndsAt), sub.OrderID, sub.PaymentID, sub.AmountPaid, sub.Currency, millis(db.stamp())))
	if err != nil {
		return model.Subscription{}, fmt.Errorf("upsert subscription %s: %w", sub.UserID, err)
	}
	if err := tx.Commit(); err != nil {
		return model.Subscription{}, fmt.Errorf("commit subscription %s: %w", sub.UserID, err)
	}

	kind := feed.Update
	if exists == 0 {
		kind = feed.Insert
	}
	db.publish(feed.TableSubscriptions, kind, out, nil)
	return out, nil
}
