package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
)

const planColumns = `id, name, price_id, price, credits, brands_limit, billing_interval, is_active, created_at, updated_at`

const creditValueColumns = `id, service_type, credits_per_unit, base_unit, min_units, max_units,
	tiered_pricing, is_active, created_at, updated_at`

func (s *Store) GetClientByID(ctx context.Context, id int64) (Client, error) {
	query := `SELECT id, uuid, email, name, country, created_at FROM clients WHERE id = $1`

	var c Client
	err := s.conn(ctx).QueryRow(ctx, query, id).Scan(&c.ID, &c.UUID, &c.Email, &c.Name, &c.Country, &c.CreatedAt)

	return c, wrapErr(err, "failed to get client")
}

func (s *Store) GetPlanByID(ctx context.Context, id string) (Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1`

	plan, err := scanPlan(s.conn(ctx).QueryRow(ctx, query, id))

	return plan, wrapErr(err, "failed to get plan")
}

func (s *Store) ListPlans(ctx context.Context, activeOnly bool) ([]Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE ($1 = false OR is_active = true) ORDER BY credits ASC`

	rows, err := s.conn(ctx).Query(ctx, query, activeOnly)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list plans")
	}
	defer rows.Close()

	var plans []Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan plan")
		}
		plans = append(plans, plan)
	}

	return plans, errors.Wrap(rows.Err(), "failed to iterate plans")
}

func (s *Store) UpsertPlan(ctx context.Context, plan Plan) (Plan, error) {
	query := `INSERT INTO plans (id, name, price_id, price, credits, brands_limit, billing_interval, is_active, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	          ON CONFLICT (id) DO UPDATE SET
	            name = $2, price_id = $3, price = $4, credits = $5, brands_limit = $6,
	            billing_interval = $7, is_active = $8, updated_at = $9
	          RETURNING ` + planColumns

	saved, err := scanPlan(s.conn(ctx).QueryRow(ctx, query,
		plan.ID, plan.Name, plan.PriceID, plan.Price, plan.Credits, plan.BrandsLimit, plan.BillingInterval, plan.IsActive, time.Now(),
	))

	return saved, wrapErr(err, "failed to upsert plan")
}

func (s *Store) GetCreditValueByServiceType(ctx context.Context, serviceType string) (CreditValue, error) {
	query := `SELECT ` + creditValueColumns + ` FROM credit_values WHERE service_type = $1`

	cv, err := scanCreditValue(s.conn(ctx).QueryRow(ctx, query, serviceType))

	return cv, wrapErr(err, "failed to get credit value")
}

func (s *Store) ListCreditValues(ctx context.Context, activeOnly bool) ([]CreditValue, error) {
	query := `SELECT ` + creditValueColumns + ` FROM credit_values
	          WHERE ($1 = false OR is_active = true) ORDER BY service_type ASC`

	rows, err := s.conn(ctx).Query(ctx, query, activeOnly)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list credit values")
	}
	defer rows.Close()

	var values []CreditValue
	for rows.Next() {
		cv, err := scanCreditValue(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan credit value")
		}
		values = append(values, cv)
	}

	return values, errors.Wrap(rows.Err(), "failed to iterate credit values")
}

func (s *Store) UpsertCreditValue(ctx context.Context, cv CreditValue) (CreditValue, error) {
	tiers, err := json.Marshal(nonNilTiers(cv.TieredPricing))
	if err != nil {
		return CreditValue{}, errors.Wrap(err, "failed to encode tiered pricing")
	}

	query := `INSERT INTO credit_values
	          (service_type, credits_per_unit, base_unit, min_units, max_units, tiered_pricing, is_active, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	          ON CONFLICT (service_type) DO UPDATE SET
	            credits_per_unit = $2, base_unit = $3, min_units = $4, max_units = $5,
	            tiered_pricing = $6, is_active = $7, updated_at = $8
	          RETURNING ` + creditValueColumns

	saved, err := scanCreditValue(s.conn(ctx).QueryRow(ctx, query,
		cv.ServiceType, cv.CreditsPerUnit, cv.BaseUnit, cv.MinUnits, cv.MaxUnits, tiers, cv.IsActive, time.Now(),
	))

	return saved, wrapErr(err, "failed to upsert credit value")
}

func scanPlan(row pgx.Row) (Plan, error) {
	var p Plan
	err := row.Scan(&p.ID, &p.Name, &p.PriceID, &p.Price, &p.Credits, &p.BrandsLimit, &p.BillingInterval, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)

	return p, err
}

func scanCreditValue(row pgx.Row) (CreditValue, error) {
	var (
		cv    CreditValue
		tiers []byte
	)

	err := row.Scan(
		&cv.ID, &cv.ServiceType, &cv.CreditsPerUnit, &cv.BaseUnit, &cv.MinUnits, &cv.MaxUnits,
		&tiers, &cv.IsActive, &cv.CreatedAt, &cv.UpdatedAt,
	)
	if err != nil {
		return cv, err
	}

	if len(tiers) > 0 {
		if err := json.Unmarshal(tiers, &cv.TieredPricing); err != nil {
			return cv, errors.Wrap(err, "failed to decode tiered pricing")
		}
	}

	return cv, nil
}

func nonNilTiers(tiers []PricingTier) []PricingTier {
	if tiers == nil {
		return []PricingTier{}
	}

	return tiers
}
