package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
)

const discountColumns = `id, code, type, value, max_discount, applies_to, plan_ids, service_types,
	valid_from, valid_until, max_uses, user_max_uses, holiday_rules, is_active, created_at, updated_at`

// ListCandidateDiscounts returns active discounts for the target whose
// validity window contains at. Usage caps are not applied here.
func (s *Store) ListCandidateDiscounts(ctx context.Context, target DiscountTarget, at time.Time) ([]Discount, error) {
	query := `SELECT ` + discountColumns + ` FROM discounts
	          WHERE is_active = true AND applies_to = $1
	            AND (valid_from IS NULL OR valid_from <= $2)
	            AND (valid_until IS NULL OR valid_until >= $2)
	          ORDER BY id ASC`

	rows, err := s.conn(ctx).Query(ctx, query, string(target), at)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list discounts")
	}
	defer rows.Close()

	var discounts []Discount
	for rows.Next() {
		d, err := scanDiscount(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan discount")
		}
		discounts = append(discounts, d)
	}

	return discounts, errors.Wrap(rows.Err(), "failed to iterate discounts")
}

func (s *Store) GetDiscountByID(ctx context.Context, id int64) (Discount, error) {
	query := `SELECT ` + discountColumns + ` FROM discounts WHERE id = $1`

	d, err := scanDiscount(s.conn(ctx).QueryRow(ctx, query, id))

	return d, wrapErr(err, "failed to get discount")
}

// GetDiscountForUpdate locks the discount row so cap counting and the
// redemption insert cannot interleave with another redeemer.
func (s *Store) GetDiscountForUpdate(ctx context.Context, id int64) (Discount, error) {
	query := `SELECT ` + discountColumns + ` FROM discounts WHERE id = $1 FOR UPDATE`

	d, err := scanDiscount(s.conn(ctx).QueryRow(ctx, query, id))

	return d, wrapErr(err, "failed to lock discount")
}

func (s *Store) CreateDiscount(ctx context.Context, d Discount) (Discount, error) {
	rules, err := json.Marshal(nonNilRules(d.HolidayRules))
	if err != nil {
		return Discount{}, errors.Wrap(err, "failed to encode holiday rules")
	}

	query := `INSERT INTO discounts
	          (code, type, value, max_discount, applies_to, plan_ids, service_types, valid_from, valid_until,
	           max_uses, user_max_uses, holiday_rules, is_active, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	          RETURNING ` + discountColumns

	created, err := scanDiscount(s.conn(ctx).QueryRow(ctx, query,
		d.Code, string(d.Type), d.Value, d.MaxDiscount, string(d.AppliesTo), nonNilStrings(d.PlanIDs),
		nonNilStrings(d.ServiceTypes), d.ValidFrom, d.ValidUntil, d.MaxUses, d.UserMaxUses, rules, d.IsActive, time.Now(),
	))

	return created, wrapErr(err, "failed to create discount")
}

func (s *Store) CountDiscountRedemptions(ctx context.Context, discountID int64) (int64, error) {
	var count int64
	err := s.conn(ctx).
		QueryRow(ctx, `SELECT COUNT(*) FROM discount_redemptions WHERE discount_id = $1`, discountID).
		Scan(&count)

	return count, wrapErr(err, "failed to count discount redemptions")
}

func (s *Store) CountClientDiscountRedemptions(ctx context.Context, discountID, clientID int64) (int64, error) {
	var count int64
	err := s.conn(ctx).
		QueryRow(ctx, `SELECT COUNT(*) FROM discount_redemptions WHERE discount_id = $1 AND client_id = $2`, discountID, clientID).
		Scan(&count)

	return count, wrapErr(err, "failed to count client discount redemptions")
}

func (s *Store) CreateDiscountRedemption(ctx context.Context, r DiscountRedemption) (DiscountRedemption, error) {
	query := `INSERT INTO discount_redemptions
	          (discount_id, client_id, subscription_id, credit_value_id, applied_amount, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          RETURNING id, created_at`

	err := s.conn(ctx).QueryRow(ctx, query,
		r.DiscountID, r.ClientID, r.SubscriptionID, r.CreditValueID, r.AppliedAmount, time.Now(),
	).Scan(&r.ID, &r.CreatedAt)

	return r, wrapErr(err, "failed to create discount redemption")
}

func scanDiscount(row pgx.Row) (Discount, error) {
	var (
		d         Discount
		kind      string
		appliesTo string
		rules     []byte
	)

	err := row.Scan(
		&d.ID, &d.Code, &kind, &d.Value, &d.MaxDiscount, &appliesTo, &d.PlanIDs, &d.ServiceTypes,
		&d.ValidFrom, &d.ValidUntil, &d.MaxUses, &d.UserMaxUses, &rules, &d.IsActive, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return d, err
	}

	d.Type = DiscountType(kind)
	d.AppliesTo = DiscountTarget(appliesTo)

	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &d.HolidayRules); err != nil {
			return d, errors.Wrap(err, "failed to decode holiday rules")
		}
	}

	return d, nil
}

func nonNilRules(rules []HolidayRule) []HolidayRule {
	if rules == nil {
		return []HolidayRule{}
	}

	return rules
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}

	return values
}
