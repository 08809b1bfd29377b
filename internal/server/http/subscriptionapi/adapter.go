package subscriptionapi

import (
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/freelancehub/creditengine/internal/service/subscription"
	"github.com/shopspring/decimal"
)

const timeFormat = time.RFC3339

type PlanResponse struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	PriceID         string          `json:"price_id"`
	Price           decimal.Decimal `json:"price"`
	Credits         int64           `json:"credits"`
	BrandsLimit     int32           `json:"brands_limit"`
	BillingInterval string          `json:"billing_interval"`
	IsActive        bool            `json:"is_active"`
}

type SubscriptionResponse struct {
	ID                  int64   `json:"id"`
	UUID                string  `json:"uuid"`
	ClientID            int64   `json:"client_id"`
	PlanID              string  `json:"plan_id"`
	PriceID             string  `json:"price_id"`
	Status              string  `json:"status"`
	CustomCredits       *int64  `json:"custom_credits"`
	CurrentPeriodStart  string  `json:"current_period_start"`
	CurrentPeriodEnd    string  `json:"current_period_end"`
	BaseCreditsUsed     int64   `json:"base_credits_used"`
	ReferralCreditsUsed int64   `json:"referral_credits_used"`
	BrandsUsed          int32   `json:"brands_used"`
	CancelledAt         *string `json:"cancelled_at"`
}

type CreatedResponse struct {
	Subscription *SubscriptionResponse `json:"subscription"`
	AmountDue    decimal.Decimal       `json:"amount_due"`
	DiscountID   *int64                `json:"discount_id"`
	Reduction    decimal.Decimal       `json:"reduction"`
}

type HistoryResponse struct {
	PlanID              string `json:"plan_id"`
	Status              string `json:"status"`
	PeriodStart         string `json:"period_start"`
	PeriodEnd           string `json:"period_end"`
	BaseCreditsUsed     int64  `json:"base_credits_used"`
	ReferralCreditsUsed int64  `json:"referral_credits_used"`
	BrandsUsed          int32  `json:"brands_used"`
	Reason              string `json:"reason"`
	CreatedAt           string `json:"created_at"`
}

func planToResponse(plan repository.Plan) *PlanResponse {
	return &PlanResponse{
		ID:              plan.ID,
		Name:            plan.Name,
		PriceID:         plan.PriceID,
		Price:           plan.Price,
		Credits:         plan.Credits,
		BrandsLimit:     plan.BrandsLimit,
		BillingInterval: plan.BillingInterval,
		IsActive:        plan.IsActive,
	}
}

func subscriptionToResponse(sub repository.Subscription) *SubscriptionResponse {
	res := &SubscriptionResponse{
		ID:                  sub.ID,
		UUID:                sub.UUID.String(),
		ClientID:            sub.ClientID,
		PlanID:              sub.PlanID,
		PriceID:             sub.PriceID,
		Status:              string(sub.Status),
		CurrentPeriodStart:  sub.CurrentPeriodStart.Format(timeFormat),
		CurrentPeriodEnd:    sub.CurrentPeriodEnd.Format(timeFormat),
		BaseCreditsUsed:     sub.BaseCreditsUsed,
		ReferralCreditsUsed: sub.ReferralCreditsUsed,
		BrandsUsed:          sub.BrandsUsed,
	}

	if sub.CustomCredits.Valid {
		credits := sub.CustomCredits.Int64
		res.CustomCredits = &credits
	}

	if sub.CancelledAt.Valid {
		at := sub.CancelledAt.Time.Format(timeFormat)
		res.CancelledAt = &at
	}

	return res
}

func createdToResponse(created subscription.Created) *CreatedResponse {
	return &CreatedResponse{
		Subscription: subscriptionToResponse(created.Subscription),
		AmountDue:    created.AmountDue,
		DiscountID:   created.DiscountID,
		Reduction:    created.Reduction,
	}
}

func historyToResponse(h repository.SubscriptionHistory) *HistoryResponse {
	return &HistoryResponse{
		PlanID:              h.PlanID,
		Status:              string(h.Status),
		PeriodStart:         h.PeriodStart.Format(timeFormat),
		PeriodEnd:           h.PeriodEnd.Format(timeFormat),
		BaseCreditsUsed:     h.BaseCreditsUsed,
		ReferralCreditsUsed: h.ReferralCreditsUsed,
		BrandsUsed:          h.BrandsUsed,
		Reason:              h.Reason,
		CreatedAt:           h.CreatedAt.Format(timeFormat),
	}
}
