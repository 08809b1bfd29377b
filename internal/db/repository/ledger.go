package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
)

const referralCreditColumns = `id, subscription_id, credit_amount, referral_date, expires_at,
	referred_user_email, status, created_at, updated_at`

const consumptionColumns = `id, subscription_id, service_type, units, credit_rate, total_credits,
	discount_applied, credit_type, referral_credit_id, description, created_at`

func (s *Store) CreateReferralCredit(ctx context.Context, rc ReferralCredit) (ReferralCredit, error) {
	query := `INSERT INTO referral_credits
	          (subscription_id, credit_amount, referral_date, expires_at, referred_user_email, status, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	          RETURNING ` + referralCreditColumns

	created, err := scanReferralCredit(s.conn(ctx).QueryRow(ctx, query,
		rc.SubscriptionID, rc.CreditAmount, rc.ReferralDate, rc.ExpiresAt, rc.ReferredUserEmail, string(rc.Status), time.Now(),
	))

	return created, wrapErr(err, "failed to create referral credit")
}

func (s *Store) GetReferralCreditForUpdate(ctx context.Context, id int64) (ReferralCredit, error) {
	query := `SELECT ` + referralCreditColumns + ` FROM referral_credits WHERE id = $1 FOR UPDATE`

	rc, err := scanReferralCredit(s.conn(ctx).QueryRow(ctx, query, id))

	return rc, wrapErr(err, "failed to lock referral credit")
}

// ListActiveReferralCredits returns credits still in ACTIVE status, including
// those whose expiry has passed but were not swept yet, soonest-to-expire first.
func (s *Store) ListActiveReferralCredits(ctx context.Context, subscriptionID int64) ([]ReferralCredit, error) {
	query := `SELECT ` + referralCreditColumns + ` FROM referral_credits
	          WHERE subscription_id = $1 AND status = $2
	          ORDER BY expires_at ASC, id ASC`

	return s.listReferralCredits(ctx, query, subscriptionID, string(ReferralCreditStatusActive))
}

// ListSubscriptionsWithExpiredCredits returns ids of subscriptions holding
// ACTIVE credits whose expiry is before now.
func (s *Store) ListSubscriptionsWithExpiredCredits(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	query := `SELECT DISTINCT subscription_id FROM referral_credits
	          WHERE status = $1 AND expires_at <= $2
	          ORDER BY subscription_id LIMIT $3`

	rows, err := s.conn(ctx).Query(ctx, query, string(ReferralCreditStatusActive), now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list subscriptions with expired credits")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan subscription id")
		}
		ids = append(ids, id)
	}

	return ids, errors.Wrap(rows.Err(), "failed to iterate subscription ids")
}

func (s *Store) UpdateReferralCreditStatus(ctx context.Context, id int64, status ReferralCreditStatus) error {
	query := `UPDATE referral_credits SET status = $2, updated_at = $3 WHERE id = $1`

	tag, err := s.conn(ctx).Exec(ctx, query, id, string(status), time.Now())
	if err != nil {
		return errors.Wrap(err, "failed to update referral credit status")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *Store) CreateCreditConsumption(ctx context.Context, c CreditConsumption) (CreditConsumption, error) {
	query := `INSERT INTO credit_consumptions
	          (subscription_id, service_type, units, credit_rate, total_credits, discount_applied,
	           credit_type, referral_credit_id, description, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	          RETURNING ` + consumptionColumns

	created, err := scanConsumption(s.conn(ctx).QueryRow(ctx, query,
		c.SubscriptionID, c.ServiceType, c.Units, c.CreditRate, c.TotalCredits, c.DiscountApplied,
		string(c.CreditType), c.ReferralCreditID, c.Description, time.Now(),
	))

	return created, wrapErr(err, "failed to create credit consumption")
}

func (s *Store) ListCreditConsumptions(ctx context.Context, subscriptionID int64, limit int) ([]CreditConsumption, error) {
	query := `SELECT ` + consumptionColumns + ` FROM credit_consumptions
	          WHERE subscription_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := s.conn(ctx).Query(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list credit consumptions")
	}
	defer rows.Close()

	var results []CreditConsumption
	for rows.Next() {
		c, err := scanConsumption(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan credit consumption")
		}
		results = append(results, c)
	}

	return results, errors.Wrap(rows.Err(), "failed to iterate credit consumptions")
}

func (s *Store) listReferralCredits(ctx context.Context, query string, args ...interface{}) ([]ReferralCredit, error) {
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list referral credits")
	}
	defer rows.Close()

	var credits []ReferralCredit
	for rows.Next() {
		rc, err := scanReferralCredit(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan referral credit")
		}
		credits = append(credits, rc)
	}

	return credits, errors.Wrap(rows.Err(), "failed to iterate referral credits")
}

func scanReferralCredit(row pgx.Row) (ReferralCredit, error) {
	var (
		rc     ReferralCredit
		status string
	)

	err := row.Scan(
		&rc.ID, &rc.SubscriptionID, &rc.CreditAmount, &rc.ReferralDate, &rc.ExpiresAt,
		&rc.ReferredUserEmail, &status, &rc.CreatedAt, &rc.UpdatedAt,
	)
	rc.Status = ReferralCreditStatus(status)

	return rc, err
}

func scanConsumption(row pgx.Row) (CreditConsumption, error) {
	var (
		c          CreditConsumption
		creditType string
	)

	err := row.Scan(
		&c.ID, &c.SubscriptionID, &c.ServiceType, &c.Units, &c.CreditRate, &c.TotalCredits,
		&c.DiscountApplied, &creditType, &c.ReferralCreditID, &c.Description, &c.CreatedAt,
	)
	c.CreditType = CreditType(creditType)

	return c, err
}
