package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/pkg/errors"
)

// Billing intervals
const (
	IntervalMonth = "month"
	IntervalYear  = "year"
)

func (s *Service) GetPlan(ctx context.Context, planID string) (repository.Plan, error) {
	plan, err := s.plans.Fetch(ctx, planID, func(ctx context.Context) (repository.Plan, error) {
		return s.store.GetPlanByID(ctx, planID)
	})

	switch {
	case errors.Is(err, repository.ErrNotFound):
		return repository.Plan{}, ErrNotFound
	case err != nil:
		return repository.Plan{}, errors.Wrap(err, "failed to get plan")
	}

	return plan, nil
}

func (s *Service) ListPlans(ctx context.Context, activeOnly bool) ([]repository.Plan, error) {
	plans, err := s.store.ListPlans(ctx, activeOnly)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list plans")
	}

	return plans, nil
}

func (s *Service) UpsertPlan(ctx context.Context, plan repository.Plan) (repository.Plan, error) {
	if plan.ID == "" {
		return repository.Plan{}, fmt.Errorf("%w: id is required", ErrInvalidPlan)
	}
	if plan.Credits < 0 {
		return repository.Plan{}, fmt.Errorf("%w: credits must not be negative", ErrInvalidPlan)
	}
	if plan.BillingInterval != IntervalMonth && plan.BillingInterval != IntervalYear {
		return repository.Plan{}, fmt.Errorf("%w: unknown billing interval %q", ErrInvalidPlan, plan.BillingInterval)
	}

	saved, err := s.store.UpsertPlan(ctx, plan)
	if err != nil {
		return repository.Plan{}, errors.Wrap(err, "failed to upsert plan")
	}

	if err := s.plans.Invalidate(ctx, saved.ID); err != nil {
		s.logger.Warn().Err(err).Str("plan_id", saved.ID).Msg("unable to invalidate plan cache")
	}

	return saved, nil
}

// PlanCredits returns the base allotment of a subscription: its custom
// override when set, otherwise the plan's credits.
func (s *Service) PlanCredits(ctx context.Context, sub repository.Subscription) (int64, error) {
	if sub.CustomCredits.Valid {
		return sub.CustomCredits.Int64, nil
	}

	plan, err := s.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return 0, err
	}

	return plan.Credits, nil
}

// PeriodEnd advances start by one billing interval of the plan.
func PeriodEnd(plan repository.Plan, start time.Time) time.Time {
	if plan.BillingInterval == IntervalYear {
		return start.AddDate(1, 0, 0)
	}

	return start.AddDate(0, 1, 0)
}
