package subscription

import (
	"fmt"
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// transitions lists the statuses reachable from each status.
var transitions = map[repository.SubscriptionStatus][]repository.SubscriptionStatus{
	repository.SubscriptionStatusTrialing: {
		repository.SubscriptionStatusActive,
		repository.SubscriptionStatusCanceled,
	},
	repository.SubscriptionStatusActive: {
		repository.SubscriptionStatusActive,
		repository.SubscriptionStatusCanceled,
		repository.SubscriptionStatusExpired,
		repository.SubscriptionStatusPaused,
	},
	repository.SubscriptionStatusPaused: {
		repository.SubscriptionStatusActive,
		repository.SubscriptionStatusCanceled,
	},
	repository.SubscriptionStatusExpired: {
		repository.SubscriptionStatusActive,
		repository.SubscriptionStatusCanceled,
	},
	repository.SubscriptionStatusCanceled: {},
}

func Transition(from, to repository.SubscriptionStatus) error {
	if !lo.Contains(transitions[from], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return nil
}

// History reasons
const (
	ReasonCanceled   = "canceled"
	ReasonRenewed    = "renewed"
	ReasonPlanChange = "plan_change"
	ReasonExpired    = "expired"
)

type CreateParams struct {
	ClientID      int64
	PlanID        string
	PriceID       string
	CustomCredits *int64
	Trial         bool
	DiscountID    *int64
	DiscountCode  string
}

type Created struct {
	Subscription repository.Subscription
	AmountDue    decimal.Decimal
	DiscountID   *int64
	Reduction    decimal.Decimal
}

// Period overrides the computed billing period, e.g. with the one reported
// by the payment gateway.
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) IsZero() bool {
	return p.Start.IsZero() || p.End.IsZero()
}
