package discount

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("discount not found")
	ErrUsageCapReached = errors.New("discount usage cap reached")
	ErrInvalidDiscount = errors.New("invalid discount")
)

type Store interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
	ListCandidateDiscounts(ctx context.Context, target repository.DiscountTarget, at time.Time) ([]repository.Discount, error)
	GetDiscountByID(ctx context.Context, id int64) (repository.Discount, error)
	GetDiscountForUpdate(ctx context.Context, id int64) (repository.Discount, error)
	CreateDiscount(ctx context.Context, d repository.Discount) (repository.Discount, error)
	CountDiscountRedemptions(ctx context.Context, discountID int64) (int64, error)
	CountClientDiscountRedemptions(ctx context.Context, discountID, clientID int64) (int64, error)
	CreateDiscountRedemption(ctx context.Context, r repository.DiscountRedemption) (repository.DiscountRedemption, error)
}

type Service struct {
	store  Store
	now    func() time.Time
	logger *zerolog.Logger
}

// Context describes what a discount is being looked up for.
type Context struct {
	ClientID    int64
	TargetType  repository.DiscountTarget
	PlanID      string
	ServiceType string
	Code        string
}

// Applicable is a discount that passed every filter, with its holiday
// multiplier resolved for the evaluation instant.
type Applicable struct {
	Discount       repository.Discount
	Multiplier     decimal.Decimal
	EffectiveValue decimal.Decimal
	HolidayApplied bool
}

type Quote struct {
	DiscountID int64
	Amount     decimal.Decimal
	Reduction  decimal.Decimal
	Final      decimal.Decimal
}

type Redemption struct {
	DiscountID     int64
	ClientID       int64
	SubscriptionID sql.NullInt64
	CreditValueID  sql.NullInt64
	AppliedAmount  decimal.Decimal
}

func New(store Store, logger *zerolog.Logger) *Service {
	log := logger.With().Str("channel", "discount_service").Logger()

	return &Service{
		store:  store,
		now:    time.Now,
		logger: &log,
	}
}

func (s *Service) GetDiscount(ctx context.Context, id int64) (repository.Discount, error) {
	d, err := s.store.GetDiscountByID(ctx, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return repository.Discount{}, ErrNotFound
	case err != nil:
		return repository.Discount{}, errors.Wrap(err, "failed to get discount")
	}

	return d, nil
}

func (s *Service) CreateDiscount(ctx context.Context, d repository.Discount) (repository.Discount, error) {
	if err := Validate(d); err != nil {
		return repository.Discount{}, err
	}

	created, err := s.store.CreateDiscount(ctx, d)
	if err != nil {
		return repository.Discount{}, errors.Wrap(err, "failed to create discount")
	}

	s.logger.Info().Int64("discount_id", created.ID).Str("applies_to", string(created.AppliesTo)).Msg("discount created")

	return created, nil
}

// GetApplicableDiscounts returns discounts usable right now in dctx. A
// discount whose global or per-client cap is reached is left out silently.
func (s *Service) GetApplicableDiscounts(ctx context.Context, dctx Context) ([]Applicable, error) {
	at := s.now()

	candidates, err := s.store.ListCandidateDiscounts(ctx, dctx.TargetType, at)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list candidate discounts")
	}

	var results []Applicable
	for _, d := range candidates {
		if !matches(d, dctx, at) {
			continue
		}

		capped, err := s.capReached(ctx, d, dctx.ClientID)
		if err != nil {
			return nil, err
		}
		if capped {
			continue
		}

		multiplier, holiday := HolidayMultiplier(d.HolidayRules, at)
		results = append(results, Applicable{
			Discount:       d,
			Multiplier:     multiplier,
			EffectiveValue: d.Value.Mul(multiplier),
			HolidayApplied: holiday,
		})
	}

	return results, nil
}

// Best returns the quote with the largest reduction on amount, if any
// applicable discount reduces it at all.
func (s *Service) Best(ctx context.Context, dctx Context, amount decimal.Decimal) (Quote, bool, error) {
	applicable, err := s.GetApplicableDiscounts(ctx, dctx)
	if err != nil {
		return Quote{}, false, err
	}

	var (
		best  Quote
		found bool
	)
	for _, a := range applicable {
		q := Price(a, amount, places(dctx.TargetType))
		if q.Reduction.IsPositive() && (!found || q.Reduction.GreaterThan(best.Reduction)) {
			best, found = q, true
		}
	}

	return best, found, nil
}

// Redeem records one use of a discount. It joins the caller's transaction,
// locks the discount row and re-checks both caps before writing.
func (s *Service) Redeem(ctx context.Context, r Redemption) (repository.DiscountRedemption, error) {
	var redemption repository.DiscountRedemption

	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		d, err := s.store.GetDiscountForUpdate(ctx, r.DiscountID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return ErrNotFound
		case err != nil:
			return errors.Wrap(err, "failed to lock discount")
		}

		capped, err := s.capReached(ctx, d, r.ClientID)
		if err != nil {
			return err
		}
		if capped || !d.IsActive {
			return ErrUsageCapReached
		}

		redemption, err = s.store.CreateDiscountRedemption(ctx, repository.DiscountRedemption{
			DiscountID:     d.ID,
			ClientID:       r.ClientID,
			SubscriptionID: r.SubscriptionID,
			CreditValueID:  r.CreditValueID,
			AppliedAmount:  r.AppliedAmount,
		})

		return errors.Wrap(err, "failed to create discount redemption")
	})

	return redemption, err
}

func (s *Service) capReached(ctx context.Context, d repository.Discount, clientID int64) (bool, error) {
	if d.MaxUses.Valid {
		used, err := s.store.CountDiscountRedemptions(ctx, d.ID)
		if err != nil {
			return false, errors.Wrap(err, "failed to count redemptions")
		}
		if used >= int64(d.MaxUses.Int32) {
			return true, nil
		}
	}

	if d.UserMaxUses.Valid {
		used, err := s.store.CountClientDiscountRedemptions(ctx, d.ID, clientID)
		if err != nil {
			return false, errors.Wrap(err, "failed to count client redemptions")
		}
		if used >= int64(d.UserMaxUses.Int32) {
			return true, nil
		}
	}

	return false, nil
}

func matches(d repository.Discount, dctx Context, at time.Time) bool {
	if !d.IsActive || d.AppliesTo != dctx.TargetType {
		return false
	}

	if d.ValidFrom.Valid && d.ValidFrom.Time.After(at) {
		return false
	}
	if d.ValidUntil.Valid && d.ValidUntil.Time.Before(at) {
		return false
	}

	if dctx.PlanID != "" && len(d.PlanIDs) > 0 && !lo.Contains(d.PlanIDs, dctx.PlanID) {
		return false
	}
	if dctx.ServiceType != "" && len(d.ServiceTypes) > 0 && !lo.Contains(d.ServiceTypes, dctx.ServiceType) {
		return false
	}

	// coded discounts need the code
	if d.Code.Valid && d.Code.String != dctx.Code {
		return false
	}

	return true
}

func places(target repository.DiscountTarget) int32 {
	if target == repository.DiscountTargetPlans {
		return 2
	}

	return 0
}

func Validate(d repository.Discount) error {
	switch d.Type {
	case repository.DiscountTypePercent, repository.DiscountTypeFixed:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidDiscount, d.Type)
	}

	switch d.AppliesTo {
	case repository.DiscountTargetPlans, repository.DiscountTargetServices:
	default:
		return fmt.Errorf("%w: unknown target %q", ErrInvalidDiscount, d.AppliesTo)
	}

	if d.Value.IsNegative() {
		return fmt.Errorf("%w: value must not be negative", ErrInvalidDiscount)
	}

	if d.Type == repository.DiscountTypePercent && d.Value.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: percent value above 100", ErrInvalidDiscount)
	}

	if d.ValidFrom.Valid && d.ValidUntil.Valid && d.ValidUntil.Time.Before(d.ValidFrom.Time) {
		return fmt.Errorf("%w: validity window ends before it starts", ErrInvalidDiscount)
	}

	for _, rule := range d.HolidayRules {
		if _, err := time.Parse(dateLayout, rule.Date); err != nil {
			return fmt.Errorf("%w: holiday date %q", ErrInvalidDiscount, rule.Date)
		}
		if !rule.Multiplier.IsPositive() {
			return fmt.Errorf("%w: holiday multiplier must be positive", ErrInvalidDiscount)
		}
	}

	return nil
}
