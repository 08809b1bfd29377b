package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
)

const referralColumns = `id, uuid, referring_client_id, referred_client_id, referral_code, referral_link,
	coupon_code, status, is_completed, discount_applied, discount_credits, rewards_earned, link_clicks,
	signups, ip_address, referral_date, last_clicked_at, completed_at, expires_at, created_at, updated_at`

const clickColumns = `id, referral_id, referring_client_id, ip_address, user_agent, country, fingerprint,
	fraud_score, risk_level, converted, clicked_at`

func (s *Store) CreateReferral(ctx context.Context, r Referral) (Referral, error) {
	query := `INSERT INTO referrals
	          (uuid, referring_client_id, referred_client_id, referral_code, referral_link, coupon_code, status,
	           is_completed, discount_applied, discount_credits, rewards_earned, link_clicks, signups, ip_address,
	           referral_date, last_clicked_at, completed_at, expires_at, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $19)
	          RETURNING ` + referralColumns

	created, err := scanReferral(s.conn(ctx).QueryRow(ctx, query,
		uuid.New(), r.ReferringClientID, r.ReferredClientID, r.ReferralCode, r.ReferralLink, r.CouponCode, string(r.Status),
		r.IsCompleted, r.DiscountApplied, r.DiscountCredits, r.RewardsEarned, r.LinkClicks, r.Signups, r.IPAddress,
		r.ReferralDate, r.LastClickedAt, r.CompletedAt, r.ExpiresAt, time.Now(),
	))

	return created, wrapErr(err, "failed to create referral")
}

// GetReferralLinkByCode returns the link row (the one without an ip address).
func (s *Store) GetReferralLinkByCode(ctx context.Context, code string) (Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals WHERE referral_code = $1 AND ip_address = ''`

	r, err := scanReferral(s.conn(ctx).QueryRow(ctx, query, code))

	return r, wrapErr(err, "failed to get referral link")
}

func (s *Store) GetReferralByClientAndIP(ctx context.Context, clientID int64, ip string) (Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals WHERE referring_client_id = $1 AND ip_address = $2`

	r, err := scanReferral(s.conn(ctx).QueryRow(ctx, query, clientID, ip))

	return r, wrapErr(err, "failed to get referral by ip")
}

// HasCompletedReferral reports whether referredClientID already converted
// through any of the referring client's referral rows.
func (s *Store) HasCompletedReferral(ctx context.Context, referringClientID, referredClientID int64) (bool, error) {
	query := `SELECT EXISTS (
	            SELECT 1 FROM referrals
	            WHERE referring_client_id = $1 AND referred_client_id = $2 AND is_completed
	          )`

	var exists bool
	err := s.conn(ctx).QueryRow(ctx, query, referringClientID, referredClientID).Scan(&exists)

	return exists, wrapErr(err, "failed to check completed referral")
}

func (s *Store) GetReferralForUpdate(ctx context.Context, id int64) (Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals WHERE id = $1 FOR UPDATE`

	r, err := scanReferral(s.conn(ctx).QueryRow(ctx, query, id))

	return r, wrapErr(err, "failed to lock referral")
}

func (s *Store) GetReferralByID(ctx context.Context, id int64) (Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals WHERE id = $1`

	r, err := scanReferral(s.conn(ctx).QueryRow(ctx, query, id))

	return r, wrapErr(err, "failed to get referral")
}

func (s *Store) ListReferralsByClient(ctx context.Context, clientID int64) ([]Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals WHERE referring_client_id = $1 ORDER BY id DESC`

	rows, err := s.conn(ctx).Query(ctx, query, clientID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list referrals")
	}
	defer rows.Close()

	var referrals []Referral
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan referral")
		}
		referrals = append(referrals, r)
	}

	return referrals, errors.Wrap(rows.Err(), "failed to iterate referrals")
}

func (s *Store) UpdateReferral(ctx context.Context, r Referral) (Referral, error) {
	query := `UPDATE referrals SET
	            referred_client_id = $2, status = $3, is_completed = $4, discount_applied = $5,
	            rewards_earned = $6, link_clicks = $7, signups = $8, last_clicked_at = $9,
	            completed_at = $10, updated_at = $11
	          WHERE id = $1
	          RETURNING ` + referralColumns

	updated, err := scanReferral(s.conn(ctx).QueryRow(ctx, query,
		r.ID, r.ReferredClientID, string(r.Status), r.IsCompleted, r.DiscountApplied,
		r.RewardsEarned, r.LinkClicks, r.Signups, r.LastClickedAt, r.CompletedAt, time.Now(),
	))

	return updated, wrapErr(err, "failed to update referral")
}

func (s *Store) CreateReferralClick(ctx context.Context, c ReferralClick) (ReferralClick, error) {
	query := `INSERT INTO referral_clicks
	          (referral_id, referring_client_id, ip_address, user_agent, country, fingerprint,
	           fraud_score, risk_level, converted, clicked_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	          RETURNING ` + clickColumns

	created, err := scanClick(s.conn(ctx).QueryRow(ctx, query,
		c.ReferralID, c.ReferringClientID, c.IPAddress, c.UserAgent, c.Country, c.Fingerprint,
		c.FraudScore, c.RiskLevel, c.Converted, c.ClickedAt,
	))

	return created, wrapErr(err, "failed to create referral click")
}

func (s *Store) CountClicksSince(ctx context.Context, referringClientID int64, since time.Time) (int64, error) {
	var count int64
	err := s.conn(ctx).
		QueryRow(ctx, `SELECT COUNT(*) FROM referral_clicks WHERE referring_client_id = $1 AND clicked_at >= $2`, referringClientID, since).
		Scan(&count)

	return count, wrapErr(err, "failed to count referral clicks")
}

func (s *Store) ListClickCountriesSince(ctx context.Context, referringClientID int64, since time.Time) ([]string, error) {
	query := `SELECT DISTINCT country FROM referral_clicks
	          WHERE referring_client_id = $1 AND clicked_at >= $2 AND country <> ''`

	rows, err := s.conn(ctx).Query(ctx, query, referringClientID, since)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list click countries")
	}
	defer rows.Close()

	var countries []string
	for rows.Next() {
		var country string
		if err := rows.Scan(&country); err != nil {
			return nil, errors.Wrap(err, "failed to scan click country")
		}
		countries = append(countries, country)
	}

	return countries, errors.Wrap(rows.Err(), "failed to iterate click countries")
}

func (s *Store) GetLatestUnconvertedClick(ctx context.Context, referralID int64) (ReferralClick, error) {
	query := `SELECT ` + clickColumns + ` FROM referral_clicks
	          WHERE referral_id = $1 AND converted = false
	          ORDER BY clicked_at DESC, id DESC LIMIT 1`

	c, err := scanClick(s.conn(ctx).QueryRow(ctx, query, referralID))

	return c, wrapErr(err, "failed to get latest click")
}

func (s *Store) MarkClickConverted(ctx context.Context, clickID int64) error {
	_, err := s.conn(ctx).Exec(ctx, `UPDATE referral_clicks SET converted = true WHERE id = $1`, clickID)

	return errors.Wrap(err, "failed to mark click converted")
}

func (s *Store) UpsertReferralAnalytics(ctx context.Context, a ReferralAnalytics) (ReferralAnalytics, error) {
	query := `INSERT INTO referral_analytics
	          (referral_id, link_clicks, signups, conversion_rate, time_to_conversion_days, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (referral_id) DO UPDATE SET
	            link_clicks = $2, signups = $3, conversion_rate = $4, time_to_conversion_days = $5, updated_at = $6
	          RETURNING referral_id, link_clicks, signups, conversion_rate, time_to_conversion_days, updated_at`

	var saved ReferralAnalytics
	err := s.conn(ctx).QueryRow(ctx, query,
		a.ReferralID, a.LinkClicks, a.Signups, a.ConversionRate, a.TimeToConversionDays, time.Now(),
	).Scan(&saved.ReferralID, &saved.LinkClicks, &saved.Signups, &saved.ConversionRate, &saved.TimeToConversionDays, &saved.UpdatedAt)

	return saved, wrapErr(err, "failed to upsert referral analytics")
}

func (s *Store) GetReferralAnalytics(ctx context.Context, referralID int64) (ReferralAnalytics, error) {
	query := `SELECT referral_id, link_clicks, signups, conversion_rate, time_to_conversion_days, updated_at
	          FROM referral_analytics WHERE referral_id = $1`

	var a ReferralAnalytics
	err := s.conn(ctx).QueryRow(ctx, query, referralID).
		Scan(&a.ReferralID, &a.LinkClicks, &a.Signups, &a.ConversionRate, &a.TimeToConversionDays, &a.UpdatedAt)

	return a, wrapErr(err, "failed to get referral analytics")
}

// ListStaleReferralIDs returns referrals whose analytics row is missing or
// older than the referral itself.
func (s *Store) ListStaleReferralIDs(ctx context.Context, limit int) ([]int64, error) {
	query := `SELECT r.id FROM referrals r
	          LEFT JOIN referral_analytics a ON a.referral_id = r.id
	          WHERE a.referral_id IS NULL OR a.updated_at < r.updated_at
	          ORDER BY r.id LIMIT $1`

	rows, err := s.conn(ctx).Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale referrals")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan referral id")
		}
		ids = append(ids, id)
	}

	return ids, errors.Wrap(rows.Err(), "failed to iterate stale referrals")
}

func (s *Store) CreateCreditTransaction(ctx context.Context, t CreditTransaction) (CreditTransaction, error) {
	query := `INSERT INTO credit_transactions
	          (client_id, subscription_id, referral_id, amount, type, description, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          RETURNING id, created_at`

	err := s.conn(ctx).QueryRow(ctx, query,
		t.ClientID, t.SubscriptionID, t.ReferralID, t.Amount, t.Type, t.Description, time.Now(),
	).Scan(&t.ID, &t.CreatedAt)

	return t, wrapErr(err, "failed to create credit transaction")
}

func scanReferral(row pgx.Row) (Referral, error) {
	var (
		r      Referral
		status string
	)

	err := row.Scan(
		&r.ID, &r.UUID, &r.ReferringClientID, &r.ReferredClientID, &r.ReferralCode, &r.ReferralLink,
		&r.CouponCode, &status, &r.IsCompleted, &r.DiscountApplied, &r.DiscountCredits, &r.RewardsEarned,
		&r.LinkClicks, &r.Signups, &r.IPAddress, &r.ReferralDate, &r.LastClickedAt, &r.CompletedAt,
		&r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt,
	)
	r.Status = ReferralStatus(status)

	return r, err
}

func scanClick(row pgx.Row) (ReferralClick, error) {
	var c ReferralClick
	err := row.Scan(
		&c.ID, &c.ReferralID, &c.ReferringClientID, &c.IPAddress, &c.UserAgent, &c.Country, &c.Fingerprint,
		&c.FraudScore, &c.RiskLevel, &c.Converted, &c.ClickedAt,
	)

	return c, err
}
