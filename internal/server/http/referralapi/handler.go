package referralapi

import (
	"net/http"
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/freelancehub/creditengine/internal/server/http/common"
	"github.com/freelancehub/creditengine/internal/service/referral"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	ParamReferralID = "referralId"
	ParamClientID   = "clientId"

	HeaderCountry = "X-Country"
)

type Handler struct {
	referrals *referral.Service
	logger    *zerolog.Logger
}

func New(referrals *referral.Service, logger *zerolog.Logger) *Handler {
	log := logger.With().Str("channel", "referral_api").Logger()

	return &Handler{referrals: referrals, logger: &log}
}

type CreateLinkRequest struct {
	ClientID int64  `json:"client_id"`
	Locale   string `json:"locale"`
}

type ClickRequest struct {
	Code string `json:"code"`
}

type CompleteRequest struct {
	Code             string `json:"code"`
	ReferredClientID int64  `json:"referred_client_id"`
}

type ReferralResponse struct {
	ID                int64   `json:"id"`
	UUID              string  `json:"uuid"`
	ReferringClientID int64   `json:"referring_client_id"`
	ReferredClientID  *int64  `json:"referred_client_id"`
	Code              string  `json:"code"`
	Link              string  `json:"link"`
	CouponCode        string  `json:"coupon_code"`
	Status            string  `json:"status"`
	IsCompleted       bool    `json:"is_completed"`
	DiscountApplied   bool    `json:"discount_applied"`
	DiscountCredits   int64   `json:"discount_credits"`
	RewardsEarned     int64   `json:"rewards_earned"`
	LinkClicks        int32   `json:"link_clicks"`
	Signups           int32   `json:"signups"`
	ExpiresAt         string  `json:"expires_at"`
	CompletedAt       *string `json:"completed_at"`
}

type ClickResponse struct {
	ReferralID int64          `json:"referral_id"`
	ClickID    int64          `json:"click_id"`
	LinkClicks int32          `json:"link_clicks"`
	Fraud      referral.Fraud `json:"fraud"`
}

type AnalyticsResponse struct {
	ReferralID           int64   `json:"referral_id"`
	LinkClicks           int32   `json:"link_clicks"`
	Signups              int32   `json:"signups"`
	ConversionRate       float64 `json:"conversion_rate"`
	TimeToConversionDays *int32  `json:"time_to_conversion_days"`
	UpdatedAt            string  `json:"updated_at"`
}

// CreateLink POST /api/billing/v1/referral
func (h *Handler) CreateLink(c echo.Context) error {
	var req CreateLinkRequest
	if err := c.Bind(&req); err != nil {
		return common.ValidationErrorResponse(c, "invalid request body")
	}

	if req.ClientID <= 0 {
		return common.FieldErrorResponse(c, "client_id", "is required")
	}

	link, err := h.referrals.GenerateLink(c.Request().Context(), req.ClientID, req.Locale)
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusCreated, referralToResponse(link))
}

// ListReferrals GET /api/billing/v1/referral/client/:clientId
func (h *Handler) ListReferrals(c echo.Context) error {
	clientID, ok := common.IDParam(c, ParamClientID)
	if !ok {
		return common.InvalidIDResponse(c, ParamClientID)
	}

	list, err := h.referrals.ListReferrals(c.Request().Context(), clientID)
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, lo.Map(list, func(r repository.Referral, _ int) *ReferralResponse {
		return referralToResponse(r)
	}))
}

// GetReferral GET /api/billing/v1/referral/:referralId
func (h *Handler) GetReferral(c echo.Context) error {
	id, ok := common.IDParam(c, ParamReferralID)
	if !ok {
		return common.InvalidIDResponse(c, ParamReferralID)
	}

	r, err := h.referrals.GetReferral(c.Request().Context(), id)
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, referralToResponse(r))
}

// GetAnalytics GET /api/billing/v1/referral/:referralId/analytics
func (h *Handler) GetAnalytics(c echo.Context) error {
	id, ok := common.IDParam(c, ParamReferralID)
	if !ok {
		return common.InvalidIDResponse(c, ParamReferralID)
	}

	a, err := h.referrals.GetAnalytics(c.Request().Context(), id)
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	res := &AnalyticsResponse{
		ReferralID:     a.ReferralID,
		LinkClicks:     a.LinkClicks,
		Signups:        a.Signups,
		ConversionRate: a.ConversionRate,
		UpdatedAt:      a.UpdatedAt.Format(time.RFC3339),
	}
	if a.TimeToConversionDays.Valid {
		days := a.TimeToConversionDays.Int32
		res.TimeToConversionDays = &days
	}

	return c.JSON(http.StatusOK, res)
}

// TrackClick records a visit of a referral link. The visitor address comes
// from the request, never from the body.
// POST /api/billing/v1/referral/click
func (h *Handler) TrackClick(c echo.Context) error {
	var req ClickRequest
	if err := c.Bind(&req); err != nil {
		return common.ValidationErrorResponse(c, "invalid request body")
	}

	if req.Code == "" {
		return common.FieldErrorResponse(c, "code", "is required")
	}

	result, err := h.referrals.TrackClick(c.Request().Context(), referral.Click{
		Code:      req.Code,
		IPAddress: c.RealIP(),
		UserAgent: c.Request().UserAgent(),
		Country:   c.Request().Header.Get(HeaderCountry),
	})
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, &ClickResponse{
		ReferralID: result.Referral.ID,
		ClickID:    result.Click.ID,
		LinkClicks: result.Referral.LinkClicks,
		Fraud:      result.Fraud,
	})
}

// Complete marks a referral as converted by the referred client's signup.
// POST /api/billing/v1/referral/complete
func (h *Handler) Complete(c echo.Context) error {
	var req CompleteRequest
	if err := c.Bind(&req); err != nil {
		return common.ValidationErrorResponse(c, "invalid request body")
	}

	if req.Code == "" {
		return common.FieldErrorResponse(c, "code", "is required")
	}
	if req.ReferredClientID <= 0 {
		return common.FieldErrorResponse(c, "referred_client_id", "is required")
	}

	r, err := h.referrals.CompleteReferral(c.Request().Context(), referral.Completion{
		Code:             req.Code,
		ReferredClientID: req.ReferredClientID,
		IPAddress:        c.RealIP(),
	})
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, referralToResponse(r))
}

// ProcessReward applies the reward of a completed referral.
// POST /api/billing/v1/admin/referral/:referralId/reward
func (h *Handler) ProcessReward(c echo.Context) error {
	id, ok := common.IDParam(c, ParamReferralID)
	if !ok {
		return common.InvalidIDResponse(c, ParamReferralID)
	}

	r, err := h.referrals.ProcessReferralReward(c.Request().Context(), id)
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, referralToResponse(r))
}

func referralToResponse(r repository.Referral) *ReferralResponse {
	res := &ReferralResponse{
		ID:                r.ID,
		UUID:              r.UUID.String(),
		ReferringClientID: r.ReferringClientID,
		Code:              r.ReferralCode,
		Link:              r.ReferralLink,
		CouponCode:        r.CouponCode,
		Status:            string(r.Status),
		IsCompleted:       r.IsCompleted,
		DiscountApplied:   r.DiscountApplied,
		DiscountCredits:   r.DiscountCredits,
		RewardsEarned:     r.RewardsEarned,
		LinkClicks:        r.LinkClicks,
		Signups:           r.Signups,
		ExpiresAt:         r.ExpiresAt.Format(time.RFC3339),
	}

	if r.ReferredClientID.Valid {
		id := r.ReferredClientID.Int64
		res.ReferredClientID = &id
	}

	if r.CompletedAt.Valid {
		at := r.CompletedAt.Time.Format(time.RFC3339)
		res.CompletedAt = &at
	}

	return res
}
