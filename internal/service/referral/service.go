package referral

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/freelancehub/creditengine/internal/service/ledger"
	"github.com/freelancehub/creditengine/internal/service/notification"
	"github.com/freelancehub/creditengine/internal/util"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound             = errors.New("referral not found")
	ErrClientNotFound       = errors.New("client not found")
	ErrLinkExpired          = errors.New("referral link expired")
	ErrAlreadyCompleted     = errors.New("referral already completed")
	ErrAlreadyApplied       = errors.New("referral reward already applied")
	ErrNotCompleted         = errors.New("referral is not completed")
	ErrNoActiveSubscription = errors.New("referring client has no active subscription")
	ErrSelfReferral         = errors.New("client cannot refer itself")
	ErrInvalidTransition    = errors.New("invalid referral status transition")
	ErrMissingAddress       = errors.New("visitor ip address is required")
)

const (
	codeBytes       = 6
	maxCodeAttempts = 5
	defaultLocale   = "en"

	transactionTypeReward = "referral_reward"
)

type Store interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
	GetClientByID(ctx context.Context, id int64) (repository.Client, error)
	GetSubscriptionByClientID(ctx context.Context, clientID int64) (repository.Subscription, error)

	CreateReferral(ctx context.Context, r repository.Referral) (repository.Referral, error)
	GetReferralLinkByCode(ctx context.Context, code string) (repository.Referral, error)
	GetReferralByClientAndIP(ctx context.Context, clientID int64, ip string) (repository.Referral, error)
	GetReferralByID(ctx context.Context, id int64) (repository.Referral, error)
	GetReferralForUpdate(ctx context.Context, id int64) (repository.Referral, error)
	HasCompletedReferral(ctx context.Context, referringClientID, referredClientID int64) (bool, error)
	ListReferralsByClient(ctx context.Context, clientID int64) ([]repository.Referral, error)
	UpdateReferral(ctx context.Context, r repository.Referral) (repository.Referral, error)

	CreateReferralClick(ctx context.Context, c repository.ReferralClick) (repository.ReferralClick, error)
	CountClicksSince(ctx context.Context, referringClientID int64, since time.Time) (int64, error)
	ListClickCountriesSince(ctx context.Context, referringClientID int64, since time.Time) ([]string, error)
	GetLatestUnconvertedClick(ctx context.Context, referralID int64) (repository.ReferralClick, error)
	MarkClickConverted(ctx context.Context, clickID int64) error

	UpsertReferralAnalytics(ctx context.Context, a repository.ReferralAnalytics) (repository.ReferralAnalytics, error)
	GetReferralAnalytics(ctx context.Context, referralID int64) (repository.ReferralAnalytics, error)
	ListStaleReferralIDs(ctx context.Context, limit int) ([]int64, error)

	CreateCreditTransaction(ctx context.Context, t repository.CreditTransaction) (repository.CreditTransaction, error)
}

// Ledger mints referral credits into a subscription.
type Ledger interface {
	GrantReferralCredit(ctx context.Context, req ledger.GrantRequest) (repository.ReferralCredit, error)
}

type Notifier interface {
	Publish(n notification.Notification)
}

type Config struct {
	BaseURL       string        `yaml:"base_url" env:"REFERRAL_BASE_URL" env-default:"http://localhost:3000"`
	LinkTTL       time.Duration `yaml:"link_ttl" env:"REFERRAL_LINK_TTL" env-default:"720h"`
	RewardCredits int64         `yaml:"reward_credits" env:"REFERRAL_REWARD_CREDITS" env-default:"50"`
	ReputationDB  string        `yaml:"reputation_db" env:"REFERRAL_REPUTATION_DB" env-default:"data/ip_reputation.db"`
}

type Service struct {
	cfg        Config
	store      Store
	ledger     Ledger
	reputation Reputation
	notifier   Notifier
	newCode    func() (string, error)
	now        func() time.Time
	logger     *zerolog.Logger
}

func New(
	cfg Config,
	store Store,
	ledgerService Ledger,
	reputation Reputation,
	notifier Notifier,
	logger *zerolog.Logger,
) *Service {
	log := logger.With().Str("channel", "referral_service").Logger()

	return &Service{
		cfg:        cfg,
		store:      store,
		ledger:     ledgerService,
		reputation: reputation,
		notifier:   notifier,
		newCode:    func() (string, error) { return util.Strings.Base58(codeBytes) },
		now:        time.Now,
		logger:     &log,
	}
}

// GenerateLink creates a pending referral link for the client. Codes are
// random; a collision with an existing link is retried with a fresh code.
func (s *Service) GenerateLink(ctx context.Context, clientID int64, locale string) (repository.Referral, error) {
	if _, err := s.store.GetClientByID(ctx, clientID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return repository.Referral{}, ErrClientNotFound
		}
		return repository.Referral{}, errors.Wrap(err, "failed to get client")
	}

	if locale == "" {
		locale = defaultLocale
	}

	now := s.now()

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return repository.Referral{}, errors.Wrap(err, "failed to generate referral code")
		}

		link, err := s.store.CreateReferral(ctx, repository.Referral{
			ReferringClientID: clientID,
			ReferralCode:      code,
			ReferralLink:      fmt.Sprintf("%s/%s/signup?ref=%s", strings.TrimRight(s.cfg.BaseURL, "/"), locale, code),
			CouponCode:        "REF-" + strings.ToUpper(code),
			Status:            repository.ReferralStatusPending,
			DiscountCredits:   s.cfg.RewardCredits,
			ReferralDate:      now,
			ExpiresAt:         now.Add(s.cfg.LinkTTL),
		})

		switch {
		case errors.Is(err, repository.ErrAlreadyExists):
			s.logger.Warn().Int("attempt", attempt).Msg("referral code collision, retrying")
			continue
		case err != nil:
			return repository.Referral{}, errors.Wrap(err, "failed to create referral link")
		}

		s.logger.Info().Int64("client_id", clientID).Str("code", code).Msg("referral link generated")

		return link, nil
	}

	return repository.Referral{}, errors.Errorf("unable to generate a unique referral code in %d attempts", maxCodeAttempts)
}

func (s *Service) GetReferral(ctx context.Context, id int64) (repository.Referral, error) {
	r, err := s.store.GetReferralByID(ctx, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return repository.Referral{}, ErrNotFound
	case err != nil:
		return repository.Referral{}, errors.Wrap(err, "failed to get referral")
	}

	return r, nil
}

func (s *Service) ListReferrals(ctx context.Context, clientID int64) ([]repository.Referral, error) {
	referrals, err := s.store.ListReferralsByClient(ctx, clientID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list referrals")
	}

	return referrals, nil
}

// GetAnalytics returns the stored analytics of a referral, computing them
// first when they were never stored.
func (s *Service) GetAnalytics(ctx context.Context, referralID int64) (repository.ReferralAnalytics, error) {
	a, err := s.store.GetReferralAnalytics(ctx, referralID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return repository.ReferralAnalytics{}, errors.Wrap(err, "failed to get analytics")
	}

	r, err := s.GetReferral(ctx, referralID)
	if err != nil {
		return repository.ReferralAnalytics{}, err
	}

	return s.recomputeAnalytics(ctx, r)
}

// RefreshStaleAnalytics recomputes analytics of up to limit referrals that
// changed since their analytics were stored.
func (s *Service) RefreshStaleAnalytics(ctx context.Context, limit int) (int, error) {
	ids, err := s.store.ListStaleReferralIDs(ctx, limit)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list stale referrals")
	}

	refreshed := 0
	for _, id := range ids {
		r, err := s.store.GetReferralByID(ctx, id)
		if err != nil {
			return refreshed, errors.Wrapf(err, "failed to get referral %d", id)
		}

		if _, err := s.recomputeAnalytics(ctx, r); err != nil {
			return refreshed, err
		}
		refreshed++
	}

	return refreshed, nil
}

func (s *Service) recomputeAnalytics(ctx context.Context, r repository.Referral) (repository.ReferralAnalytics, error) {
	a, err := s.store.UpsertReferralAnalytics(ctx, Analytics(r))
	if err != nil {
		return repository.ReferralAnalytics{}, errors.Wrap(err, "failed to store analytics")
	}

	return a, nil
}

// Analytics derives the conversion figures of a referral row.
func Analytics(r repository.Referral) repository.ReferralAnalytics {
	a := repository.ReferralAnalytics{
		ReferralID: r.ID,
		LinkClicks: r.LinkClicks,
		Signups:    r.Signups,
	}

	if r.LinkClicks > 0 {
		a.ConversionRate = float64(r.Signups) / float64(r.LinkClicks) * 100
	}

	if r.IsCompleted && r.LastClickedAt.Valid {
		days := int32(r.LastClickedAt.Time.Sub(r.ReferralDate) / (24 * time.Hour))
		a.TimeToConversionDays = sql.NullInt32{Int32: days, Valid: true}
	}

	return a
}

func (s *Service) notify(recipientID int64, subject, content string, referralID int64) {
	if s.notifier == nil {
		return
	}

	s.notifier.Publish(notification.Notification{
		RecipientID: recipientID,
		Subject:     subject,
		Content:     content,
		EntityType:  notification.EntityReferral,
		EntityID:    referralID,
	})
}
