package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/freelancehub/creditengine/internal/service/catalog"
	"github.com/freelancehub/creditengine/internal/service/discount"
	"github.com/freelancehub/creditengine/internal/service/notification"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound              = errors.New("subscription not found")
	ErrClientNotFound        = errors.New("client not found")
	ErrPlanNotFound          = errors.New("plan not found")
	ErrDuplicateSubscription = errors.New("client already has a subscription")
	ErrInvalidTransition     = errors.New("invalid subscription status transition")
	ErrDiscountNotApplicable = errors.New("discount is not applicable to this plan")
)

type Store interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
	GetClientByID(ctx context.Context, id int64) (repository.Client, error)
	GetSubscriptionByID(ctx context.Context, id int64) (repository.Subscription, error)
	GetSubscriptionForUpdate(ctx context.Context, id int64) (repository.Subscription, error)
	GetSubscriptionByUUID(ctx context.Context, id uuid.UUID) (repository.Subscription, error)
	GetSubscriptionByClientID(ctx context.Context, clientID int64) (repository.Subscription, error)
	CreateSubscription(ctx context.Context, params repository.CreateSubscriptionParams) (repository.Subscription, error)
	UpdateSubscription(ctx context.Context, sub repository.Subscription) (repository.Subscription, error)
	CreateSubscriptionHistory(ctx context.Context, h repository.SubscriptionHistory) (repository.SubscriptionHistory, error)
	ListSubscriptionHistory(ctx context.Context, subscriptionID int64) ([]repository.SubscriptionHistory, error)
}

type Catalog interface {
	GetPlan(ctx context.Context, planID string) (repository.Plan, error)
}

type Discounts interface {
	GetApplicableDiscounts(ctx context.Context, dctx discount.Context) ([]discount.Applicable, error)
	Redeem(ctx context.Context, r discount.Redemption) (repository.DiscountRedemption, error)
}

type Notifier interface {
	Publish(n notification.Notification)
}

type Config struct {
	TrialPeriod time.Duration `yaml:"trial_period" env:"SUBSCRIPTION_TRIAL_PERIOD" env-default:"336h"`
}

type Service struct {
	cfg       Config
	store     Store
	catalog   Catalog
	discounts Discounts
	notifier  Notifier
	now       func() time.Time
	logger    *zerolog.Logger
}

func New(
	cfg Config,
	store Store,
	catalogService Catalog,
	discounts Discounts,
	notifier Notifier,
	logger *zerolog.Logger,
) *Service {
	log := logger.With().Str("channel", "subscription_service").Logger()

	return &Service{
		cfg:       cfg,
		store:     store,
		catalog:   catalogService,
		discounts: discounts,
		notifier:  notifier,
		now:       time.Now,
		logger:    &log,
	}
}

// CreateSubscription opens the first billing period of a client. A discount,
// when given, is redeemed in the same transaction.
func (s *Service) CreateSubscription(ctx context.Context, params CreateParams) (Created, error) {
	if _, err := s.store.GetClientByID(ctx, params.ClientID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Created{}, ErrClientNotFound
		}
		return Created{}, errors.Wrap(err, "failed to get client")
	}

	plan, err := s.activePlan(ctx, params.PlanID)
	if err != nil {
		return Created{}, err
	}

	priceID := params.PriceID
	if priceID == "" {
		priceID = plan.PriceID
	}

	now := s.now()
	status := repository.SubscriptionStatusActive
	periodEnd := catalog.PeriodEnd(plan, now)
	if params.Trial {
		status = repository.SubscriptionStatusTrialing
		periodEnd = now.Add(s.cfg.TrialPeriod)
	}

	var customCredits sql.NullInt64
	if params.CustomCredits != nil {
		customCredits = sql.NullInt64{Int64: *params.CustomCredits, Valid: true}
	}

	created := Created{AmountDue: plan.Price}

	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		_, err := s.store.GetSubscriptionByClientID(ctx, params.ClientID)
		switch {
		case err == nil:
			return ErrDuplicateSubscription
		case !errors.Is(err, repository.ErrNotFound):
			return errors.Wrap(err, "failed to check existing subscription")
		}

		sub, err := s.store.CreateSubscription(ctx, repository.CreateSubscriptionParams{
			ClientID:           params.ClientID,
			PlanID:             plan.ID,
			PriceID:            priceID,
			CustomCredits:      customCredits,
			Status:             status,
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   periodEnd,
		})
		switch {
		case errors.Is(err, repository.ErrAlreadyExists):
			return ErrDuplicateSubscription
		case err != nil:
			return errors.Wrap(err, "failed to create subscription")
		}

		created.Subscription = sub

		if params.DiscountID == nil && params.DiscountCode == "" {
			return nil
		}

		return s.redeemPlanDiscount(ctx, sub, plan, params, &created)
	})
	if err != nil {
		return Created{}, err
	}

	s.logger.Info().
		Int64("subscription_id", created.Subscription.ID).
		Int64("client_id", params.ClientID).
		Str("plan_id", plan.ID).
		Str("status", string(status)).
		Msg("subscription created")

	s.notify(created.Subscription, "Your subscription is active", fmt.Sprintf("Welcome to the %s plan.", plan.Name))

	return created, nil
}

// GetSubscription returns the subscription, expiring it first when its
// period has ended.
func (s *Service) GetSubscription(ctx context.Context, id int64) (repository.Subscription, error) {
	sub, err := s.store.GetSubscriptionByID(ctx, id)
	if err != nil {
		return repository.Subscription{}, notFound(err)
	}

	if !s.lapsed(sub) {
		return sub, nil
	}

	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		locked, err := s.store.GetSubscriptionForUpdate(ctx, id)
		if err != nil {
			return notFound(err)
		}

		if !s.lapsed(locked) {
			sub = locked
			return nil
		}

		sub, err = s.closePeriod(ctx, locked, repository.SubscriptionStatusExpired, ReasonExpired)

		return err
	})
	if err != nil {
		return repository.Subscription{}, err
	}

	s.logger.Info().Int64("subscription_id", id).Msg("subscription expired")

	return sub, nil
}

func (s *Service) GetSubscriptionByUUID(ctx context.Context, id uuid.UUID) (repository.Subscription, error) {
	sub, err := s.store.GetSubscriptionByUUID(ctx, id)
	if err != nil {
		return repository.Subscription{}, notFound(err)
	}

	return s.GetSubscription(ctx, sub.ID)
}

func (s *Service) CheckStatus(ctx context.Context, id int64) (repository.SubscriptionStatus, error) {
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return "", err
	}

	return sub.Status, nil
}

func (s *Service) Cancel(ctx context.Context, id int64) (repository.Subscription, error) {
	sub, err := s.mutate(ctx, id, func(ctx context.Context, sub repository.Subscription) (repository.Subscription, error) {
		return s.closePeriod(ctx, sub, repository.SubscriptionStatusCanceled, ReasonCanceled)
	})
	if err != nil {
		return repository.Subscription{}, err
	}

	s.notify(sub, "Your subscription was canceled", "We are sorry to see you go.")

	return sub, nil
}

// Renew starts a new billing period. Base usage and brands reset; referral
// credits keep their own expiry.
func (s *Service) Renew(ctx context.Context, id int64, period Period) (repository.Subscription, error) {
	sub, err := s.mutate(ctx, id, func(ctx context.Context, sub repository.Subscription) (repository.Subscription, error) {
		plan, err := s.catalog.GetPlan(ctx, sub.PlanID)
		if err != nil {
			return sub, errors.Wrap(err, "failed to get plan")
		}

		return s.startPeriod(ctx, sub, plan, sub.PriceID, period, ReasonRenewed)
	})
	if err != nil {
		return repository.Subscription{}, err
	}

	s.notify(sub, "Your subscription was renewed", fmt.Sprintf("Your next billing date is %s.", sub.CurrentPeriodEnd.Format("2006-01-02")))

	return sub, nil
}

// ChangePlan moves the subscription to another plan starting a new period.
func (s *Service) ChangePlan(ctx context.Context, id int64, planID, priceID string) (repository.Subscription, error) {
	plan, err := s.activePlan(ctx, planID)
	if err != nil {
		return repository.Subscription{}, err
	}

	if priceID == "" {
		priceID = plan.PriceID
	}

	return s.mutate(ctx, id, func(ctx context.Context, sub repository.Subscription) (repository.Subscription, error) {
		return s.startPeriod(ctx, sub, plan, priceID, Period{}, ReasonPlanChange)
	})
}

func (s *Service) Pause(ctx context.Context, id int64) (repository.Subscription, error) {
	return s.mutate(ctx, id, func(ctx context.Context, sub repository.Subscription) (repository.Subscription, error) {
		return s.setStatus(ctx, sub, repository.SubscriptionStatusPaused)
	})
}

func (s *Service) Resume(ctx context.Context, id int64) (repository.Subscription, error) {
	return s.mutate(ctx, id, func(ctx context.Context, sub repository.Subscription) (repository.Subscription, error) {
		if sub.Status != repository.SubscriptionStatusPaused {
			return sub, fmt.Errorf("%w: %s is not paused", ErrInvalidTransition, sub.Status)
		}

		return s.setStatus(ctx, sub, repository.SubscriptionStatusActive)
	})
}

func (s *Service) ListHistory(ctx context.Context, id int64) ([]repository.SubscriptionHistory, error) {
	if _, err := s.store.GetSubscriptionByID(ctx, id); err != nil {
		return nil, notFound(err)
	}

	history, err := s.store.ListSubscriptionHistory(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list subscription history")
	}

	return history, nil
}

// mutate runs fn on the locked subscription after applying lazy expiry.
func (s *Service) mutate(
	ctx context.Context,
	id int64,
	fn func(ctx context.Context, sub repository.Subscription) (repository.Subscription, error),
) (repository.Subscription, error) {
	var result repository.Subscription

	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		sub, err := s.store.GetSubscriptionForUpdate(ctx, id)
		if err != nil {
			return notFound(err)
		}

		if s.lapsed(sub) {
			if sub, err = s.closePeriod(ctx, sub, repository.SubscriptionStatusExpired, ReasonExpired); err != nil {
				return err
			}
		}

		result, err = fn(ctx, sub)

		return err
	})

	return result, err
}

func (s *Service) startPeriod(
	ctx context.Context,
	sub repository.Subscription,
	plan repository.Plan,
	priceID string,
	period Period,
	reason string,
) (repository.Subscription, error) {
	if err := Transition(sub.Status, repository.SubscriptionStatusActive); err != nil {
		return sub, err
	}

	if err := s.writeHistory(ctx, sub, reason); err != nil {
		return sub, err
	}

	if period.IsZero() {
		start := s.now()
		period = Period{Start: start, End: catalog.PeriodEnd(plan, start)}
	}

	sub.PlanID = plan.ID
	sub.PriceID = priceID
	sub.Status = repository.SubscriptionStatusActive
	sub.CurrentPeriodStart = period.Start
	sub.CurrentPeriodEnd = period.End
	sub.BaseCreditsUsed = 0
	sub.BrandsUsed = 0
	sub.CancelledAt = sql.NullTime{}

	updated, err := s.store.UpdateSubscription(ctx, sub)

	return updated, errors.Wrap(err, "failed to start billing period")
}

// closePeriod moves the subscription to a terminal status of its current
// period and records the period in history.
func (s *Service) closePeriod(
	ctx context.Context,
	sub repository.Subscription,
	to repository.SubscriptionStatus,
	reason string,
) (repository.Subscription, error) {
	if err := Transition(sub.Status, to); err != nil {
		return sub, err
	}

	// an expired period already has its snapshot
	snapshot := sub.Status != repository.SubscriptionStatusExpired

	sub.Status = to
	if to == repository.SubscriptionStatusCanceled {
		sub.CancelledAt = sql.NullTime{Time: s.now(), Valid: true}
	}

	if snapshot {
		if err := s.writeHistory(ctx, sub, reason); err != nil {
			return sub, err
		}
	}

	updated, err := s.store.UpdateSubscription(ctx, sub)

	return updated, errors.Wrap(err, "failed to update subscription")
}

func (s *Service) setStatus(ctx context.Context, sub repository.Subscription, to repository.SubscriptionStatus) (repository.Subscription, error) {
	if err := Transition(sub.Status, to); err != nil {
		return sub, err
	}

	sub.Status = to
	updated, err := s.store.UpdateSubscription(ctx, sub)

	return updated, errors.Wrap(err, "failed to update subscription status")
}

func (s *Service) writeHistory(ctx context.Context, sub repository.Subscription, reason string) error {
	_, err := s.store.CreateSubscriptionHistory(ctx, repository.SubscriptionHistory{
		SubscriptionID:      sub.ID,
		ClientID:            sub.ClientID,
		PlanID:              sub.PlanID,
		Status:              sub.Status,
		PeriodStart:         sub.CurrentPeriodStart,
		PeriodEnd:           sub.CurrentPeriodEnd,
		BaseCreditsUsed:     sub.BaseCreditsUsed,
		ReferralCreditsUsed: sub.ReferralCreditsUsed,
		BrandsUsed:          sub.BrandsUsed,
		Reason:              reason,
	})

	return errors.Wrap(err, "failed to write subscription history")
}

func (s *Service) redeemPlanDiscount(
	ctx context.Context,
	sub repository.Subscription,
	plan repository.Plan,
	params CreateParams,
	created *Created,
) error {
	applicable, err := s.discounts.GetApplicableDiscounts(ctx, discount.Context{
		ClientID:   params.ClientID,
		TargetType: repository.DiscountTargetPlans,
		PlanID:     plan.ID,
		Code:       params.DiscountCode,
	})
	if err != nil {
		return errors.Wrap(err, "failed to look up plan discounts")
	}

	if params.DiscountID != nil {
		applicable = lo.Filter(applicable, func(a discount.Applicable, _ int) bool {
			return a.Discount.ID == *params.DiscountID
		})
	}

	var (
		best  discount.Quote
		found bool
	)
	for _, a := range applicable {
		q := discount.Price(a, plan.Price, 2)
		if !found || q.Reduction.GreaterThan(best.Reduction) {
			best, found = q, true
		}
	}
	if !found {
		return ErrDiscountNotApplicable
	}

	_, err = s.discounts.Redeem(ctx, discount.Redemption{
		DiscountID:     best.DiscountID,
		ClientID:       params.ClientID,
		SubscriptionID: sql.NullInt64{Int64: sub.ID, Valid: true},
		AppliedAmount:  best.Reduction,
	})
	if err != nil {
		return err
	}

	id := best.DiscountID
	created.DiscountID = &id
	created.Reduction = best.Reduction
	created.AmountDue = decimal.Max(best.Final, decimal.Zero)

	return nil
}

func (s *Service) activePlan(ctx context.Context, planID string) (repository.Plan, error) {
	plan, err := s.catalog.GetPlan(ctx, planID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return repository.Plan{}, ErrPlanNotFound
	case err != nil:
		return repository.Plan{}, errors.Wrap(err, "failed to get plan")
	case !plan.IsActive:
		return repository.Plan{}, fmt.Errorf("%w: %s is not active", ErrPlanNotFound, planID)
	}

	return plan, nil
}

func (s *Service) lapsed(sub repository.Subscription) bool {
	return sub.Status == repository.SubscriptionStatusActive && sub.CurrentPeriodEnd.Before(s.now())
}

func (s *Service) notify(sub repository.Subscription, subject, content string) {
	if s.notifier == nil {
		return
	}

	s.notifier.Publish(notification.Notification{
		RecipientID: sub.ClientID,
		Subject:     subject,
		Content:     content,
		EntityType:  notification.EntitySubscription,
		EntityID:    sub.ID,
	})
}

func notFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}

	return errors.Wrap(err, "failed to get subscription")
}
