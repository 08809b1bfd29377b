package catalog

import (
	"context"
	"fmt"

	"github.com/freelancehub/creditengine/internal/cache"
	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound           = errors.New("catalog entry not found")
	ErrInvalidUnits       = errors.New("invalid units")
	ErrInvalidCreditValue = errors.New("invalid credit value")
	ErrInvalidPlan        = errors.New("invalid plan")
)

type Store interface {
	GetPlanByID(ctx context.Context, id string) (repository.Plan, error)
	ListPlans(ctx context.Context, activeOnly bool) ([]repository.Plan, error)
	UpsertPlan(ctx context.Context, plan repository.Plan) (repository.Plan, error)
	GetCreditValueByServiceType(ctx context.Context, serviceType string) (repository.CreditValue, error)
	ListCreditValues(ctx context.Context, activeOnly bool) ([]repository.CreditValue, error)
	UpsertCreditValue(ctx context.Context, cv repository.CreditValue) (repository.CreditValue, error)
}

type Service struct {
	store  Store
	plans  *cache.Loader[repository.Plan]
	values *cache.Loader[repository.CreditValue]
	logger *zerolog.Logger
}

// ServiceCost is the price of consuming units of a service before any
// discount-engine reduction.
type ServiceCost struct {
	CreditValueID      int64
	ServiceType        string
	Units              int64
	CreditRate         decimal.Decimal
	BaseCost           decimal.Decimal
	DiscountedCost     int64
	DiscountPercentage decimal.Decimal
	TierApplied        *string
}

func New(
	store Store,
	plans cache.Cache[repository.Plan],
	values cache.Cache[repository.CreditValue],
	logger *zerolog.Logger,
) *Service {
	log := logger.With().Str("channel", "catalog_service").Logger()

	return &Service{
		store:  store,
		plans:  cache.NewLoader(plans),
		values: cache.NewLoader(values),
		logger: &log,
	}
}

func (s *Service) GetCreditValue(ctx context.Context, serviceType string) (repository.CreditValue, error) {
	cv, err := s.values.Fetch(ctx, serviceType, func(ctx context.Context) (repository.CreditValue, error) {
		return s.store.GetCreditValueByServiceType(ctx, serviceType)
	})

	switch {
	case errors.Is(err, repository.ErrNotFound):
		return repository.CreditValue{}, ErrNotFound
	case err != nil:
		return repository.CreditValue{}, errors.Wrap(err, "failed to get credit value")
	}

	return cv, nil
}

// GetServiceCost prices units of serviceType using the tier schedule.
// The discounted cost is always rounded up.
func (s *Service) GetServiceCost(ctx context.Context, serviceType string, units int64) (ServiceCost, error) {
	cv, err := s.GetCreditValue(ctx, serviceType)
	if err != nil {
		return ServiceCost{}, err
	}

	if !cv.IsActive {
		return ServiceCost{}, ErrNotFound
	}

	if err := validateUnits(cv, units); err != nil {
		return ServiceCost{}, err
	}

	return Price(cv, units), nil
}

// Price computes the cost of units without unit validation.
func Price(cv repository.CreditValue, units int64) ServiceCost {
	base := cv.CreditsPerUnit.Mul(decimal.NewFromInt(units))

	cost := ServiceCost{
		CreditValueID:      cv.ID,
		ServiceType:        cv.ServiceType,
		Units:              units,
		CreditRate:         cv.CreditsPerUnit,
		BaseCost:           base,
		DiscountPercentage: decimal.Zero,
	}

	if tier, ok := SelectTier(cv.TieredPricing, units); ok {
		cost.DiscountPercentage = tier.DiscountPercent
		if tier.Name != "" {
			name := tier.Name
			cost.TierApplied = &name
		}
	}

	factor := decimal.NewFromInt(1).Sub(cost.DiscountPercentage.Div(decimal.NewFromInt(100)))
	cost.DiscountedCost = base.Mul(factor).Ceil().IntPart()

	return cost
}

// SelectTier returns the tier with the largest threshold not above units.
func SelectTier(tiers []repository.PricingTier, units int64) (repository.PricingTier, bool) {
	for i := len(tiers) - 1; i >= 0; i-- {
		if tiers[i].Threshold <= units {
			return tiers[i], true
		}
	}

	return repository.PricingTier{}, false
}

func (s *Service) ListCreditValues(ctx context.Context, activeOnly bool) ([]repository.CreditValue, error) {
	values, err := s.store.ListCreditValues(ctx, activeOnly)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list credit values")
	}

	return values, nil
}

func (s *Service) UpsertCreditValue(ctx context.Context, cv repository.CreditValue) (repository.CreditValue, error) {
	if err := ValidateCreditValue(cv); err != nil {
		return repository.CreditValue{}, err
	}

	saved, err := s.store.UpsertCreditValue(ctx, cv)
	if err != nil {
		return repository.CreditValue{}, errors.Wrap(err, "failed to upsert credit value")
	}

	if err := s.values.Invalidate(ctx, saved.ServiceType); err != nil {
		s.logger.Warn().Err(err).Str("service_type", saved.ServiceType).Msg("unable to invalidate credit value cache")
	}

	s.logger.Info().Str("service_type", saved.ServiceType).Msg("credit value saved")

	return saved, nil
}

func ValidateCreditValue(cv repository.CreditValue) error {
	if cv.ServiceType == "" {
		return fmt.Errorf("%w: service type is required", ErrInvalidCreditValue)
	}

	if !cv.CreditsPerUnit.IsPositive() {
		return fmt.Errorf("%w: credits per unit must be positive", ErrInvalidCreditValue)
	}

	if cv.MinUnits < 0 {
		return fmt.Errorf("%w: min units must not be negative", ErrInvalidCreditValue)
	}

	if cv.MaxUnits.Valid && cv.MaxUnits.Int64 < cv.MinUnits {
		return fmt.Errorf("%w: max units %d is below min units %d", ErrInvalidCreditValue, cv.MaxUnits.Int64, cv.MinUnits)
	}

	for i, tier := range cv.TieredPricing {
		if tier.DiscountPercent.IsNegative() || tier.DiscountPercent.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("%w: tier %d discount must be within [0, 100]", ErrInvalidCreditValue, i)
		}

		if i > 0 && tier.Threshold <= cv.TieredPricing[i-1].Threshold {
			return fmt.Errorf("%w: tier thresholds must be strictly increasing", ErrInvalidCreditValue)
		}
	}

	return nil
}

func validateUnits(cv repository.CreditValue, units int64) error {
	switch {
	case units <= 0:
		return fmt.Errorf("%w: units must be positive", ErrInvalidUnits)
	case units < cv.MinUnits:
		return fmt.Errorf("%w: %d is below minimum of %d", ErrInvalidUnits, units, cv.MinUnits)
	case cv.MaxUnits.Valid && units > cv.MaxUnits.Int64:
		return fmt.Errorf("%w: %d is above maximum of %d", ErrInvalidUnits, units, cv.MaxUnits.Int64)
	}

	return nil
}
