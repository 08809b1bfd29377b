package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/freelancehub/creditengine/internal/service/catalog"
	"github.com/freelancehub/creditengine/internal/service/discount"
	"github.com/freelancehub/creditengine/internal/service/notification"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrSubscriptionNotFound   = errors.New("subscription not found")
	ErrSubscriptionInactive   = errors.New("subscription is not active")
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrInvalidOrExpiredCredit = errors.New("referral credit is invalid or expired")
	ErrInvalidAmount          = errors.New("amount must be positive")
)

const referralCreditService = "referral_credit"

type Store interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
	GetSubscriptionByID(ctx context.Context, id int64) (repository.Subscription, error)
	GetSubscriptionForUpdate(ctx context.Context, id int64) (repository.Subscription, error)
	IncrementSubscriptionUsage(ctx context.Context, id, baseDelta, referralDelta int64) (repository.Subscription, error)
	CreateReferralCredit(ctx context.Context, rc repository.ReferralCredit) (repository.ReferralCredit, error)
	GetReferralCreditForUpdate(ctx context.Context, id int64) (repository.ReferralCredit, error)
	ListActiveReferralCredits(ctx context.Context, subscriptionID int64) ([]repository.ReferralCredit, error)
	ListSubscriptionsWithExpiredCredits(ctx context.Context, now time.Time, limit int) ([]int64, error)
	UpdateReferralCreditStatus(ctx context.Context, id int64, status repository.ReferralCreditStatus) error
	CreateCreditConsumption(ctx context.Context, c repository.CreditConsumption) (repository.CreditConsumption, error)
	ListCreditConsumptions(ctx context.Context, subscriptionID int64, limit int) ([]repository.CreditConsumption, error)
}

type Catalog interface {
	GetServiceCost(ctx context.Context, serviceType string, units int64) (catalog.ServiceCost, error)
	PlanCredits(ctx context.Context, sub repository.Subscription) (int64, error)
}

type Discounts interface {
	Best(ctx context.Context, dctx discount.Context, amount decimal.Decimal) (discount.Quote, bool, error)
	Redeem(ctx context.Context, r discount.Redemption) (repository.DiscountRedemption, error)
}

type Notifier interface {
	Publish(n notification.Notification)
}

type Config struct {
	CreditTTL           time.Duration `yaml:"credit_ttl" env:"LEDGER_CREDIT_TTL" env-default:"2160h"`
	LowBalanceThreshold int64         `yaml:"low_balance_threshold" env:"LEDGER_LOW_BALANCE_THRESHOLD" env-default:"10"`
}

type Service struct {
	cfg       Config
	store     Store
	catalog   Catalog
	discounts Discounts
	notifier  Notifier
	observer  Observer
	now       func() time.Time
	logger    *zerolog.Logger
}

type Balance struct {
	SubscriptionID      int64 `json:"subscription_id"`
	BaseCredits         int64 `json:"base_credits"`
	BaseCreditsUsed     int64 `json:"base_credits_used"`
	ReferralCredits     int64 `json:"referral_credits"`
	ReferralCreditsUsed int64 `json:"referral_credits_used"`
	AvailableCredits    int64 `json:"available_credits"`
}

type ConsumeRequest struct {
	SubscriptionID int64
	ServiceType    string
	Units          int64
	Description    string
}

type ConsumeResult struct {
	ConsumptionID       int64
	SubscriptionID      int64
	ServiceType         string
	Units               int64
	CreditRate          decimal.Decimal
	BaseCost            decimal.Decimal
	TierDiscountPercent decimal.Decimal
	TierApplied         *string
	DiscountID          *int64
	DiscountReduction   int64
	TotalCredits        int64
	BaseCreditsUsed     int64
	ReferralCreditsUsed int64
	CreditType          repository.CreditType
	Balance             Balance
}

type GrantRequest struct {
	SubscriptionID    int64
	Amount            int64
	ReferredUserEmail string
}

func New(
	cfg Config,
	store Store,
	catalogService Catalog,
	discounts Discounts,
	notifier Notifier,
	observer Observer,
	logger *zerolog.Logger,
) *Service {
	log := logger.With().Str("channel", "ledger_service").Logger()

	if observer == nil {
		observer = NopObserver{}
	}

	return &Service{
		cfg:       cfg,
		store:     store,
		catalog:   catalogService,
		discounts: discounts,
		notifier:  notifier,
		observer:  observer,
		now:       time.Now,
		logger:    &log,
	}
}

// GetCreditBalance returns the balance as of now. Referral credits whose
// expiry passed are excluded even if the sweep has not marked them yet.
func (s *Service) GetCreditBalance(ctx context.Context, subscriptionID int64) (Balance, error) {
	sub, err := s.store.GetSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return Balance{}, subscriptionErr(err)
	}

	pool, err := s.pool(ctx, sub)
	if err != nil {
		return Balance{}, err
	}

	return s.balance(ctx, sub, pool)
}

// ConsumeCredits charges a service against the subscription in a single
// transaction. Referral credits are spent before base credits. Nothing is
// written when the balance does not cover the full cost.
func (s *Service) ConsumeCredits(ctx context.Context, req ConsumeRequest) (ConsumeResult, error) {
	started := s.now()

	var (
		result ConsumeResult
		before Balance
		sub    repository.Subscription
	)

	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		var (
			pool poolView
			err  error
		)

		sub, pool, err = s.lockUsable(ctx, req.SubscriptionID)
		if err != nil {
			return err
		}

		cost, err := s.catalog.GetServiceCost(ctx, req.ServiceType, req.Units)
		if err != nil {
			return err
		}

		total := cost.DiscountedCost
		result = ConsumeResult{
			SubscriptionID:      sub.ID,
			ServiceType:         req.ServiceType,
			Units:               req.Units,
			CreditRate:          cost.CreditRate,
			BaseCost:            cost.BaseCost,
			TierDiscountPercent: cost.DiscountPercentage,
			TierApplied:         cost.TierApplied,
		}

		total, err = s.applyDiscount(ctx, sub, cost, total, &result)
		if err != nil {
			return err
		}

		before, err = s.balance(ctx, sub, pool)
		if err != nil {
			return err
		}

		if before.AvailableCredits < total {
			return fmt.Errorf("%w: need %d, available %d", ErrInsufficientCredits, total, before.AvailableCredits)
		}

		referral := min(pool.available(), total)
		base := total - referral

		firstCredit, hasCredit := pool.firstDrawn(referral)

		sub, err = s.store.IncrementSubscriptionUsage(ctx, sub.ID, base, referral)
		if err != nil {
			return errors.Wrap(err, "failed to update usage")
		}

		creditType := repository.CreditTypeBase
		if referral > 0 {
			creditType = repository.CreditTypeReferral
		}

		consumption, err := s.store.CreateCreditConsumption(ctx, repository.CreditConsumption{
			SubscriptionID:   sub.ID,
			ServiceType:      req.ServiceType,
			Units:            req.Units,
			CreditRate:       cost.CreditRate,
			TotalCredits:     total,
			DiscountApplied:  max(cost.BaseCost.Ceil().IntPart()-total, 0),
			CreditType:       creditType,
			ReferralCreditID: sql.NullInt64{Int64: firstCredit, Valid: hasCredit},
			Description:      req.Description,
		})
		if err != nil {
			return errors.Wrap(err, "failed to record consumption")
		}

		pool.used += referral

		result.ConsumptionID = consumption.ID
		result.TotalCredits = total
		result.BaseCreditsUsed = base
		result.ReferralCreditsUsed = referral
		result.CreditType = creditType
		result.Balance, err = s.balance(ctx, sub, pool)

		return err
	})

	if err != nil {
		s.observer.RecordRejection(rejectionReason(err))
		return ConsumeResult{}, err
	}

	s.observer.RecordConsumption(string(result.CreditType), result.BaseCreditsUsed, result.ReferralCreditsUsed, s.now().Sub(started))
	s.notifyLowBalance(sub.ClientID, before, result.Balance)

	s.logger.Info().
		Int64("subscription_id", result.SubscriptionID).
		Str("service_type", result.ServiceType).
		Int64("total", result.TotalCredits).
		Int64("base", result.BaseCreditsUsed).
		Int64("referral", result.ReferralCreditsUsed).
		Msg("credits consumed")

	return result, nil
}

// ConsumeReferralCredit redeems one specific referral credit for amount and
// marks it USED. amount may not exceed what pooled consumption left on the
// credit; the rest of the credit is forfeited.
func (s *Service) ConsumeReferralCredit(ctx context.Context, subscriptionID, referralCreditID, amount int64) (repository.CreditConsumption, error) {
	if amount <= 0 {
		return repository.CreditConsumption{}, ErrInvalidAmount
	}

	var consumption repository.CreditConsumption

	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		sub, pool, err := s.lockUsable(ctx, subscriptionID)
		if err != nil {
			return err
		}

		rc, err := s.store.GetReferralCreditForUpdate(ctx, referralCreditID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return ErrInvalidOrExpiredCredit
		case err != nil:
			return errors.Wrap(err, "failed to lock referral credit")
		}

		if rc.SubscriptionID != sub.ID || rc.Status != repository.ReferralCreditStatusActive || !rc.ExpiresAt.After(s.now()) {
			return ErrInvalidOrExpiredCredit
		}

		drawn := attribute(pool.live, pool.used)[rc.ID]
		remaining := rc.CreditAmount - drawn
		if amount > remaining {
			return fmt.Errorf("%w: credit has %d remaining", ErrInsufficientCredits, remaining)
		}

		// the credit leaves the pool with its pooled draw; nothing else is charged
		if err := s.store.UpdateReferralCreditStatus(ctx, rc.ID, repository.ReferralCreditStatusUsed); err != nil {
			return errors.Wrap(err, "failed to mark referral credit used")
		}
		if drawn > 0 {
			if _, err := s.store.IncrementSubscriptionUsage(ctx, sub.ID, 0, -drawn); err != nil {
				return errors.Wrap(err, "failed to release referral draw")
			}
		}

		consumption, err = s.store.CreateCreditConsumption(ctx, repository.CreditConsumption{
			SubscriptionID:   sub.ID,
			ServiceType:      referralCreditService,
			Units:            amount,
			CreditRate:       decimal.NewFromInt(1),
			TotalCredits:     amount,
			CreditType:       repository.CreditTypeReferral,
			ReferralCreditID: sql.NullInt64{Int64: rc.ID, Valid: true},
			Description:      fmt.Sprintf("Redeemed referral credit #%d", rc.ID),
		})

		return errors.Wrap(err, "failed to record consumption")
	})

	if err != nil {
		s.observer.RecordRejection(rejectionReason(err))
		return repository.CreditConsumption{}, err
	}

	s.observer.RecordConsumption(string(repository.CreditTypeReferral), 0, amount, 0)

	return consumption, nil
}

// GrantReferralCredit mints a referral credit. It joins the caller's
// transaction when there is one.
func (s *Service) GrantReferralCredit(ctx context.Context, req GrantRequest) (repository.ReferralCredit, error) {
	if req.Amount <= 0 {
		return repository.ReferralCredit{}, ErrInvalidAmount
	}

	now := s.now()

	rc, err := s.store.CreateReferralCredit(ctx, repository.ReferralCredit{
		SubscriptionID:    req.SubscriptionID,
		CreditAmount:      req.Amount,
		ReferralDate:      now,
		ExpiresAt:         now.Add(s.cfg.CreditTTL),
		ReferredUserEmail: req.ReferredUserEmail,
		Status:            repository.ReferralCreditStatusActive,
	})
	if err != nil {
		return repository.ReferralCredit{}, errors.Wrap(err, "failed to create referral credit")
	}

	return rc, nil
}

// ExpireReferralCredits moves referral credits past their expiry to EXPIRED
// for up to limit subscriptions and returns the number of credits expired.
func (s *Service) ExpireReferralCredits(ctx context.Context, limit int) (int, error) {
	ids, err := s.store.ListSubscriptionsWithExpiredCredits(ctx, s.now(), limit)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list subscriptions with expired credits")
	}

	expired := 0
	for _, id := range ids {
		err := s.store.Transaction(ctx, func(ctx context.Context) error {
			sub, err := s.store.GetSubscriptionForUpdate(ctx, id)
			if err != nil {
				return subscriptionErr(err)
			}

			_, n, err := s.settle(ctx, sub)
			expired += n

			return err
		})
		if err != nil {
			return expired, errors.Wrapf(err, "failed to expire credits of subscription %d", id)
		}
	}

	s.observer.RecordExpired(expired)

	return expired, nil
}

func (s *Service) ListConsumptions(ctx context.Context, subscriptionID int64, limit int) ([]repository.CreditConsumption, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	list, err := s.store.ListCreditConsumptions(ctx, subscriptionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list consumptions")
	}

	return list, nil
}

// lockUsable locks the subscription, checks it can consume and settles its
// expired referral credits.
func (s *Service) lockUsable(ctx context.Context, subscriptionID int64) (repository.Subscription, poolView, error) {
	sub, err := s.store.GetSubscriptionForUpdate(ctx, subscriptionID)
	if err != nil {
		return sub, poolView{}, subscriptionErr(err)
	}

	if !Usable(sub, s.now()) {
		return sub, poolView{}, fmt.Errorf("%w: status %s", ErrSubscriptionInactive, sub.Status)
	}

	pool, _, err := s.settle(ctx, sub)

	return sub, pool, err
}

// settle writes the expiry of every referral credit past its expiry and
// releases their draw from the usage counter.
func (s *Service) settle(ctx context.Context, sub repository.Subscription) (poolView, int, error) {
	pool, err := s.pool(ctx, sub)
	if err != nil {
		return pool, 0, err
	}

	for _, rc := range pool.expired {
		if err := s.store.UpdateReferralCreditStatus(ctx, rc.ID, repository.ReferralCreditStatusExpired); err != nil {
			return pool, 0, errors.Wrap(err, "failed to expire referral credit")
		}
	}

	if pool.released > 0 {
		if _, err := s.store.IncrementSubscriptionUsage(ctx, sub.ID, 0, -pool.released); err != nil {
			return pool, 0, errors.Wrap(err, "failed to release expired referral draw")
		}
	}

	if n := len(pool.expired); n > 0 {
		s.logger.Info().Int64("subscription_id", sub.ID).Int("credits", n).Int64("released", pool.released).Msg("referral credits expired")
	}

	expired := len(pool.expired)
	pool.expired, pool.released = nil, 0

	return pool, expired, nil
}

func (s *Service) pool(ctx context.Context, sub repository.Subscription) (poolView, error) {
	credits, err := s.store.ListActiveReferralCredits(ctx, sub.ID)
	if err != nil {
		return poolView{}, errors.Wrap(err, "failed to list referral credits")
	}

	return settle(credits, sub.ReferralCreditsUsed, s.now()), nil
}

func (s *Service) balance(ctx context.Context, sub repository.Subscription, pool poolView) (Balance, error) {
	base, err := s.catalog.PlanCredits(ctx, sub)
	if err != nil {
		return Balance{}, errors.Wrap(err, "failed to resolve plan credits")
	}

	return Balance{
		SubscriptionID:      sub.ID,
		BaseCredits:         base,
		BaseCreditsUsed:     sub.BaseCreditsUsed,
		ReferralCredits:     pool.total,
		ReferralCreditsUsed: pool.used,
		AvailableCredits:    max(base-sub.BaseCreditsUsed, 0) + pool.available(),
	}, nil
}

func (s *Service) applyDiscount(
	ctx context.Context,
	sub repository.Subscription,
	cost catalog.ServiceCost,
	total int64,
	result *ConsumeResult,
) (int64, error) {
	if s.discounts == nil || total == 0 {
		return total, nil
	}

	dctx := discount.Context{
		ClientID:    sub.ClientID,
		TargetType:  repository.DiscountTargetServices,
		ServiceType: cost.ServiceType,
	}

	quote, ok, err := s.discounts.Best(ctx, dctx, decimal.NewFromInt(total))
	if err != nil {
		return 0, errors.Wrap(err, "failed to quote discount")
	}
	if !ok {
		return total, nil
	}

	_, err = s.discounts.Redeem(ctx, discount.Redemption{
		DiscountID:     quote.DiscountID,
		ClientID:       sub.ClientID,
		SubscriptionID: sql.NullInt64{Int64: sub.ID, Valid: true},
		CreditValueID:  sql.NullInt64{Int64: cost.CreditValueID, Valid: cost.CreditValueID != 0},
		AppliedAmount:  quote.Reduction,
	})
	switch {
	case errors.Is(err, discount.ErrUsageCapReached):
		// lost the race for the last use
		return total, nil
	case err != nil:
		return 0, errors.Wrap(err, "failed to redeem discount")
	}

	id := quote.DiscountID
	result.DiscountID = &id
	result.DiscountReduction = quote.Reduction.IntPart()

	return quote.Final.IntPart(), nil
}

func (s *Service) notifyLowBalance(clientID int64, before, after Balance) {
	if s.notifier == nil {
		return
	}

	threshold := s.cfg.LowBalanceThreshold
	if before.AvailableCredits < threshold || after.AvailableCredits >= threshold {
		return
	}

	s.notifier.Publish(notification.Notification{
		RecipientID: clientID,
		Subject:     "Your credit balance is running low",
		Content:     fmt.Sprintf("Only %d credits are left for this billing period.", after.AvailableCredits),
		EntityType:  notification.EntityBalance,
		EntityID:    after.SubscriptionID,
	})
}

// Usable reports whether a subscription may consume credits at now.
func Usable(sub repository.Subscription, now time.Time) bool {
	switch sub.Status {
	case repository.SubscriptionStatusActive, repository.SubscriptionStatusTrialing:
		return sub.CurrentPeriodEnd.After(now)
	default:
		return false
	}
}

func subscriptionErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSubscriptionNotFound
	}

	return errors.Wrap(err, "failed to get subscription")
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrSubscriptionInactive):
		return "subscription_inactive"
	case errors.Is(err, ErrSubscriptionNotFound):
		return "subscription_not_found"
	case errors.Is(err, ErrInvalidOrExpiredCredit):
		return "invalid_credit"
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, catalog.ErrInvalidUnits):
		return "invalid_service"
	default:
		return "internal"
	}
}
