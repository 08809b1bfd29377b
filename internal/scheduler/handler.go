package scheduler

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Handler scheduler handler. Be aware that each ctx has zerolog.Logger instance!
type Handler struct {
	ledger    LedgerService
	referrals ReferralService
	batchSize int
}

type ContextJobID struct{}

type LedgerService interface {
	ExpireReferralCredits(ctx context.Context, limit int) (int, error)
}

type ReferralService interface {
	RefreshStaleAnalytics(ctx context.Context, limit int) (int, error)
}

func NewHandler(ledgerService LedgerService, referralService ReferralService, batchSize int) *Handler {
	if batchSize <= 0 {
		batchSize = 200
	}

	return &Handler{
		ledger:    ledgerService,
		referrals: referralService,
		batchSize: batchSize,
	}
}

// ExpireReferralCredits settles referral credits that passed their expiry.
func (h *Handler) ExpireReferralCredits(ctx context.Context) error {
	expired, err := h.ledger.ExpireReferralCredits(ctx, h.batchSize)
	if err != nil {
		return errors.Wrap(err, "unable to expire referral credits")
	}

	zerolog.Ctx(ctx).Info().Int("expired_credits", expired).Msg("referral credits expired")

	return nil
}

func (h *Handler) RefreshReferralAnalytics(ctx context.Context) error {
	refreshed, err := h.referrals.RefreshStaleAnalytics(ctx, h.batchSize)
	if err != nil {
		return errors.Wrap(err, "unable to refresh referral analytics")
	}

	zerolog.Ctx(ctx).Info().Int("refreshed", refreshed).Msg("referral analytics refreshed")

	return nil
}
