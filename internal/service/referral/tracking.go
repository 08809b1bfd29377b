package referral

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/freelancehub/creditengine/internal/service/ledger"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

type ClickResult struct {
	Referral repository.Referral
	Click    repository.ReferralClick
	Fraud    Fraud
}

type Completion struct {
	Code             string
	ReferredClientID int64
	IPAddress        string
}

// TrackClick records a click on a referral link. Clicks are grouped into one
// referral row per visitor address.
func (s *Service) TrackClick(ctx context.Context, click Click) (ClickResult, error) {
	// the link row itself is keyed by an empty address
	if click.IPAddress == "" {
		return ClickResult{}, ErrMissingAddress
	}

	link, err := s.activeLink(ctx, click.Code)
	if err != nil {
		return ClickResult{}, err
	}

	fraud, err := s.DetectFraudulentActivity(ctx, link.ReferringClientID, click)
	if err != nil {
		return ClickResult{}, err
	}

	if fraud.RiskLevel == RiskHigh {
		s.logger.Warn().
			Int64("referring_client_id", link.ReferringClientID).
			Str("ip", click.IPAddress).
			Float64("score", fraud.Score).
			Strs("signals", fraud.Signals).
			Msg("high risk referral click")
	}

	var result ClickResult

	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		// serializes clicks of one link
		if _, err := s.store.GetReferralForUpdate(ctx, link.ID); err != nil {
			return errors.Wrap(err, "failed to lock referral link")
		}

		now := s.now()
		clickedAt := sql.NullTime{Time: now, Valid: true}

		r, err := s.store.GetReferralByClientAndIP(ctx, link.ReferringClientID, click.IPAddress)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			r, err = s.store.CreateReferral(ctx, repository.Referral{
				ReferringClientID: link.ReferringClientID,
				ReferralCode:      link.ReferralCode,
				ReferralLink:      link.ReferralLink,
				CouponCode:        link.CouponCode,
				Status:            repository.ReferralStatusPending,
				DiscountCredits:   link.DiscountCredits,
				LinkClicks:        1,
				IPAddress:         click.IPAddress,
				ReferralDate:      now,
				LastClickedAt:     clickedAt,
				ExpiresAt:         link.ExpiresAt,
			})
			if err != nil {
				return errors.Wrap(err, "failed to create referral")
			}
		case err != nil:
			return errors.Wrap(err, "failed to get referral")
		default:
			r.LinkClicks++
			r.LastClickedAt = clickedAt
			if r, err = s.store.UpdateReferral(ctx, r); err != nil {
				return errors.Wrap(err, "failed to update referral")
			}
		}

		recorded, err := s.store.CreateReferralClick(ctx, repository.ReferralClick{
			ReferralID:        r.ID,
			ReferringClientID: r.ReferringClientID,
			IPAddress:         click.IPAddress,
			UserAgent:         click.UserAgent,
			Country:           click.Country,
			Fingerprint:       Fingerprint(click.IPAddress, click.UserAgent),
			FraudScore:        fraud.Score,
			RiskLevel:         fraud.RiskLevel,
			ClickedAt:         now,
		})
		if err != nil {
			return errors.Wrap(err, "failed to record click")
		}

		if _, err := s.recomputeAnalytics(ctx, r); err != nil {
			return err
		}

		result = ClickResult{Referral: r, Click: recorded, Fraud: fraud}

		return nil
	})

	return result, err
}

// CompleteReferral converts a referral once. The visitor's own referral row
// is completed when their address was tracked, the link row otherwise. A
// referred client converts at most once per referring client.
// The reward is processed after commit; its failure leaves the completion in
// place.
func (s *Service) CompleteReferral(ctx context.Context, c Completion) (repository.Referral, error) {
	link, err := s.activeLink(ctx, c.Code)
	if err != nil {
		return repository.Referral{}, err
	}

	if link.ReferringClientID == c.ReferredClientID {
		return repository.Referral{}, ErrSelfReferral
	}

	targetID := link.ID
	if c.IPAddress != "" {
		visitor, err := s.store.GetReferralByClientAndIP(ctx, link.ReferringClientID, c.IPAddress)
		switch {
		case err == nil:
			targetID = visitor.ID
		case !errors.Is(err, repository.ErrNotFound):
			return repository.Referral{}, errors.Wrap(err, "failed to get visitor referral")
		}
	}

	var completed repository.Referral

	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		r, err := s.store.GetReferralForUpdate(ctx, targetID)
		if err != nil {
			return errors.Wrap(err, "failed to lock referral")
		}

		if r.IsCompleted {
			return ErrAlreadyCompleted
		}

		converted, err := s.store.HasCompletedReferral(ctx, r.ReferringClientID, c.ReferredClientID)
		if err != nil {
			return errors.Wrap(err, "failed to check previous conversion")
		}
		if converted {
			return ErrAlreadyCompleted
		}

		if err := Transition(r.Status, repository.ReferralStatusCompleted); err != nil {
			return err
		}

		now := s.now()
		r.ReferredClientID = sql.NullInt64{Int64: c.ReferredClientID, Valid: true}
		r.Status = repository.ReferralStatusCompleted
		r.IsCompleted = true
		r.Signups++
		r.CompletedAt = sql.NullTime{Time: now, Valid: true}

		completed, err = s.store.UpdateReferral(ctx, r)
		switch {
		case errors.Is(err, repository.ErrAlreadyExists):
			return ErrAlreadyCompleted
		case err != nil:
			return errors.Wrap(err, "failed to complete referral")
		}

		click, err := s.store.GetLatestUnconvertedClick(ctx, r.ID)
		switch {
		case err == nil:
			if err := s.store.MarkClickConverted(ctx, click.ID); err != nil {
				return errors.Wrap(err, "failed to mark click converted")
			}
		case !errors.Is(err, repository.ErrNotFound):
			return errors.Wrap(err, "failed to get latest click")
		}

		_, err = s.recomputeAnalytics(ctx, completed)

		return err
	})
	if err != nil {
		return repository.Referral{}, err
	}

	s.logger.Info().Int64("referral_id", completed.ID).Int64("referred_client_id", c.ReferredClientID).Msg("referral completed")
	s.notify(completed.ReferringClientID, "Your referral signed up", "Someone you referred just joined.", completed.ID)

	rewarded, err := s.ProcessReferralReward(ctx, completed.ID)
	if err != nil {
		s.logger.Error().Err(err).Int64("referral_id", completed.ID).Msg("unable to process referral reward")
		return completed, nil
	}

	return rewarded, nil
}

// ProcessReferralReward credits the referring client's subscription for a
// completed referral, once.
func (s *Service) ProcessReferralReward(ctx context.Context, referralID int64) (repository.Referral, error) {
	var (
		rewarded repository.Referral
		credit   repository.ReferralCredit
	)

	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		r, err := s.store.GetReferralForUpdate(ctx, referralID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return ErrNotFound
		case err != nil:
			return errors.Wrap(err, "failed to lock referral")
		}

		if !r.IsCompleted {
			return ErrNotCompleted
		}
		if r.DiscountApplied {
			return ErrAlreadyApplied
		}

		sub, err := s.store.GetSubscriptionByClientID(ctx, r.ReferringClientID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return ErrNoActiveSubscription
		case err != nil:
			return errors.Wrap(err, "failed to get referring subscription")
		}
		if sub.Status != repository.SubscriptionStatusActive {
			return ErrNoActiveSubscription
		}

		amount := r.DiscountCredits
		if amount <= 0 {
			amount = s.cfg.RewardCredits
		}

		_, err = s.store.CreateCreditTransaction(ctx, repository.CreditTransaction{
			ClientID:       r.ReferringClientID,
			SubscriptionID: sub.ID,
			ReferralID:     sql.NullInt64{Int64: r.ID, Valid: true},
			Amount:         amount,
			Type:           transactionTypeReward,
			Description:    fmt.Sprintf("Referral reward for referral #%d", r.ID),
		})
		if err != nil {
			return errors.Wrap(err, "failed to record credit transaction")
		}

		credit, err = s.ledger.GrantReferralCredit(ctx, ledger.GrantRequest{
			SubscriptionID:    sub.ID,
			Amount:            amount,
			ReferredUserEmail: s.referredEmail(ctx, r),
		})
		if err != nil {
			return err
		}

		r.DiscountApplied = true
		r.RewardsEarned += amount

		rewarded, err = s.store.UpdateReferral(ctx, r)

		return errors.Wrap(err, "failed to mark reward applied")
	})
	if err != nil {
		return repository.Referral{}, err
	}

	s.logger.Info().
		Int64("referral_id", rewarded.ID).
		Int64("referral_credit_id", credit.ID).
		Int64("amount", credit.CreditAmount).
		Msg("referral reward applied")

	s.notify(
		rewarded.ReferringClientID,
		"You earned referral credits",
		fmt.Sprintf("%d credits were added to your subscription.", credit.CreditAmount),
		rewarded.ID,
	)

	return rewarded, nil
}

func (s *Service) activeLink(ctx context.Context, code string) (repository.Referral, error) {
	link, err := s.store.GetReferralLinkByCode(ctx, code)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return repository.Referral{}, ErrNotFound
	case err != nil:
		return repository.Referral{}, errors.Wrap(err, "failed to get referral link")
	}

	if !link.ExpiresAt.After(s.now()) {
		return repository.Referral{}, ErrLinkExpired
	}

	return link, nil
}

func (s *Service) referredEmail(ctx context.Context, r repository.Referral) string {
	if !r.ReferredClientID.Valid {
		return ""
	}

	client, err := s.store.GetClientByID(ctx, r.ReferredClientID.Int64)
	if err != nil {
		return ""
	}

	return client.Email
}

// Fingerprint identifies a visitor by address and user agent.
func Fingerprint(ip, userAgent string) string {
	sum := blake2b.Sum256([]byte(ip + "|" + userAgent))
	return hex.EncodeToString(sum[:16])
}
