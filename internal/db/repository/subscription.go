package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
)

const subscriptionColumns = `id, uuid, client_id, plan_id, price_id, custom_credits, status,
	current_period_start, current_period_end, base_credits_used, referral_credits_used,
	brands_used, cancelled_at, created_at, updated_at`

type CreateSubscriptionParams struct {
	ClientID           int64
	PlanID             string
	PriceID            string
	CustomCredits      sql.NullInt64
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}

func (s *Store) GetSubscriptionByID(ctx context.Context, id int64) (Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	sub, err := scanSubscription(s.conn(ctx).QueryRow(ctx, query, id))

	return sub, wrapErr(err, "failed to get subscription")
}

// GetSubscriptionForUpdate locks the subscription row until the surrounding
// transaction ends. Concurrent consumers for the same subscription queue here.
func (s *Store) GetSubscriptionForUpdate(ctx context.Context, id int64) (Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1 FOR UPDATE`

	sub, err := scanSubscription(s.conn(ctx).QueryRow(ctx, query, id))

	return sub, wrapErr(err, "failed to lock subscription")
}

func (s *Store) GetSubscriptionByUUID(ctx context.Context, id uuid.UUID) (Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE uuid = $1`

	sub, err := scanSubscription(s.conn(ctx).QueryRow(ctx, query, id))

	return sub, wrapErr(err, "failed to get subscription by uuid")
}

func (s *Store) GetSubscriptionByClientID(ctx context.Context, clientID int64) (Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE client_id = $1 ORDER BY id DESC LIMIT 1`

	sub, err := scanSubscription(s.conn(ctx).QueryRow(ctx, query, clientID))

	return sub, wrapErr(err, "failed to get subscription by client")
}

func (s *Store) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (Subscription, error) {
	query := `INSERT INTO subscriptions
	          (uuid, client_id, plan_id, price_id, custom_credits, status, current_period_start, current_period_end, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	          RETURNING ` + subscriptionColumns

	sub, err := scanSubscription(s.conn(ctx).QueryRow(ctx, query,
		uuid.New(), params.ClientID, params.PlanID, params.PriceID, params.CustomCredits, string(params.Status),
		params.CurrentPeriodStart, params.CurrentPeriodEnd, time.Now(),
	))

	return sub, wrapErr(err, "failed to create subscription")
}

// UpdateSubscription persists every mutable column of sub.
func (s *Store) UpdateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	query := `UPDATE subscriptions SET
	            plan_id = $2, price_id = $3, custom_credits = $4, status = $5,
	            current_period_start = $6, current_period_end = $7,
	            base_credits_used = $8, referral_credits_used = $9, brands_used = $10,
	            cancelled_at = $11, updated_at = $12
	          WHERE id = $1
	          RETURNING ` + subscriptionColumns

	updated, err := scanSubscription(s.conn(ctx).QueryRow(ctx, query,
		sub.ID, sub.PlanID, sub.PriceID, sub.CustomCredits, string(sub.Status),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.BaseCreditsUsed, sub.ReferralCreditsUsed, sub.BrandsUsed,
		sub.CancelledAt, time.Now(),
	))

	return updated, wrapErr(err, "failed to update subscription")
}

// IncrementSubscriptionUsage adds both usage splits in a single statement.
func (s *Store) IncrementSubscriptionUsage(ctx context.Context, id, baseDelta, referralDelta int64) (Subscription, error) {
	query := `UPDATE subscriptions SET
	            base_credits_used = base_credits_used + $2,
	            referral_credits_used = referral_credits_used + $3,
	            updated_at = $4
	          WHERE id = $1
	          RETURNING ` + subscriptionColumns

	updated, err := scanSubscription(s.conn(ctx).QueryRow(ctx, query, id, baseDelta, referralDelta, time.Now()))

	return updated, wrapErr(err, "failed to increment subscription usage")
}

func (s *Store) CreateSubscriptionHistory(ctx context.Context, h SubscriptionHistory) (SubscriptionHistory, error) {
	query := `INSERT INTO subscription_history
	          (subscription_id, client_id, plan_id, status, period_start, period_end,
	           base_credits_used, referral_credits_used, brands_used, reason, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	          RETURNING id, created_at`

	err := s.conn(ctx).QueryRow(ctx, query,
		h.SubscriptionID, h.ClientID, h.PlanID, string(h.Status), h.PeriodStart, h.PeriodEnd,
		h.BaseCreditsUsed, h.ReferralCreditsUsed, h.BrandsUsed, h.Reason, time.Now(),
	).Scan(&h.ID, &h.CreatedAt)

	return h, wrapErr(err, "failed to create subscription history")
}

func (s *Store) ListSubscriptionHistory(ctx context.Context, subscriptionID int64) ([]SubscriptionHistory, error) {
	query := `SELECT id, subscription_id, client_id, plan_id, status, period_start, period_end,
	                 base_credits_used, referral_credits_used, brands_used, reason, created_at
	          FROM subscription_history WHERE subscription_id = $1 ORDER BY id DESC`

	rows, err := s.conn(ctx).Query(ctx, query, subscriptionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list subscription history")
	}
	defer rows.Close()

	var history []SubscriptionHistory
	for rows.Next() {
		var (
			h      SubscriptionHistory
			status string
		)
		err := rows.Scan(
			&h.ID, &h.SubscriptionID, &h.ClientID, &h.PlanID, &status, &h.PeriodStart, &h.PeriodEnd,
			&h.BaseCreditsUsed, &h.ReferralCreditsUsed, &h.BrandsUsed, &h.Reason, &h.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan subscription history")
		}
		h.Status = SubscriptionStatus(status)
		history = append(history, h)
	}

	return history, errors.Wrap(rows.Err(), "failed to iterate subscription history")
}

func scanSubscription(row pgx.Row) (Subscription, error) {
	var (
		sub    Subscription
		status string
	)

	err := row.Scan(
		&sub.ID, &sub.UUID, &sub.ClientID, &sub.PlanID, &sub.PriceID, &sub.CustomCredits, &status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.BaseCreditsUsed, &sub.ReferralCreditsUsed,
		&sub.BrandsUsed, &sub.CancelledAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	sub.Status = SubscriptionStatus(status)

	return sub, err
}
