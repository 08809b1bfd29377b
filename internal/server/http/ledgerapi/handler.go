package ledgerapi

import (
	"net/http"
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/freelancehub/creditengine/internal/server/http/common"
	"github.com/freelancehub/creditengine/internal/service/catalog"
	"github.com/freelancehub/creditengine/internal/service/discount"
	"github.com/freelancehub/creditengine/internal/service/ledger"
	"github.com/freelancehub/creditengine/internal/util"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

const (
	ParamSubscriptionID = "subscriptionId"
	ParamCreditID       = "creditId"
)

type Handler struct {
	ledger    *ledger.Service
	catalog   *catalog.Service
	discounts *discount.Service
	logger    *zerolog.Logger
}

func New(ledgerService *ledger.Service, catalogService *catalog.Service, discounts *discount.Service, logger *zerolog.Logger) *Handler {
	log := logger.With().Str("channel", "ledger_api").Logger()

	return &Handler{
		ledger:    ledgerService,
		catalog:   catalogService,
		discounts: discounts,
		logger:    &log,
	}
}

type ConsumeRequest struct {
	ServiceType string `json:"service_type"`
	Units       int64  `json:"units"`
	Description string `json:"description"`
}

type ConsumeReferralCreditRequest struct {
	Amount int64 `json:"amount"`
}

type ConsumeResponse struct {
	ConsumptionID       int64           `json:"consumption_id"`
	ServiceType         string          `json:"service_type"`
	Units               int64           `json:"units"`
	CreditRate          decimal.Decimal `json:"credit_rate"`
	BaseCost            decimal.Decimal `json:"base_cost"`
	TierDiscountPercent decimal.Decimal `json:"tier_discount_percent"`
	TierApplied         *string         `json:"tier_applied"`
	DiscountID          *int64          `json:"discount_id"`
	DiscountReduction   int64           `json:"discount_reduction"`
	TotalCredits        int64           `json:"total_credits"`
	BaseCreditsUsed     int64           `json:"base_credits_used"`
	ReferralCreditsUsed int64           `json:"referral_credits_used"`
	CreditType          string          `json:"credit_type"`
	Balance             ledger.Balance  `json:"balance"`
}

type ConsumptionResponse struct {
	ID               int64           `json:"id"`
	ServiceType      string          `json:"service_type"`
	Units            int64           `json:"units"`
	CreditRate       decimal.Decimal `json:"credit_rate"`
	TotalCredits     int64           `json:"total_credits"`
	DiscountApplied  int64           `json:"discount_applied"`
	CreditType       string          `json:"credit_type"`
	ReferralCreditID *int64          `json:"referral_credit_id"`
	Description      string          `json:"description"`
	CreatedAt        string          `json:"created_at"`
}

type ServiceCostResponse struct {
	ServiceType        string          `json:"service_type"`
	Units              int64           `json:"units"`
	CreditRate         decimal.Decimal `json:"credit_rate"`
	BaseCost           decimal.Decimal `json:"base_cost"`
	DiscountedCost     int64           `json:"discounted_cost"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	TierApplied        *string         `json:"tier_applied"`
}

type DiscountResponse struct {
	ID             int64           `json:"id"`
	Code           *string         `json:"code"`
	Type           string          `json:"type"`
	Value          decimal.Decimal `json:"value"`
	EffectiveValue decimal.Decimal `json:"effective_value"`
	HolidayApplied bool            `json:"holiday_applied"`
	MaxDiscount    *string         `json:"max_discount"`
	AppliesTo      string          `json:"applies_to"`
}

// GetBalance GET /api/billing/v1/subscription/:subscriptionId/balance
func (h *Handler) GetBalance(c echo.Context) error {
	id, ok := common.IDParam(c, ParamSubscriptionID)
	if !ok {
		return common.InvalidIDResponse(c, ParamSubscriptionID)
	}

	balance, err := h.ledger.GetCreditBalance(c.Request().Context(), id)
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, balance)
}

// Consume POST /api/billing/v1/subscription/:subscriptionId/consume
func (h *Handler) Consume(c echo.Context) error {
	id, ok := common.IDParam(c, ParamSubscriptionID)
	if !ok {
		return common.InvalidIDResponse(c, ParamSubscriptionID)
	}

	var req ConsumeRequest
	if err := c.Bind(&req); err != nil {
		return common.ValidationErrorResponse(c, "invalid request body")
	}

	if req.ServiceType == "" {
		return common.FieldErrorResponse(c, "service_type", "is required")
	}
	if req.Units <= 0 {
		return common.FieldErrorResponse(c, "units", "must be positive")
	}

	result, err := h.ledger.ConsumeCredits(c.Request().Context(), ledger.ConsumeRequest{
		SubscriptionID: id,
		ServiceType:    req.ServiceType,
		Units:          req.Units,
		Description:    req.Description,
	})
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, &ConsumeResponse{
		ConsumptionID:       result.ConsumptionID,
		ServiceType:         result.ServiceType,
		Units:               result.Units,
		CreditRate:          result.CreditRate,
		BaseCost:            result.BaseCost,
		TierDiscountPercent: result.TierDiscountPercent,
		TierApplied:         result.TierApplied,
		DiscountID:          result.DiscountID,
		DiscountReduction:   result.DiscountReduction,
		TotalCredits:        result.TotalCredits,
		BaseCreditsUsed:     result.BaseCreditsUsed,
		ReferralCreditsUsed: result.ReferralCreditsUsed,
		CreditType:          string(result.CreditType),
		Balance:             result.Balance,
	})
}

// ConsumeReferralCredit spends a single referral credit.
// POST /api/billing/v1/subscription/:subscriptionId/referral-credit/:creditId/consume
func (h *Handler) ConsumeReferralCredit(c echo.Context) error {
	subscriptionID, ok := common.IDParam(c, ParamSubscriptionID)
	if !ok {
		return common.InvalidIDResponse(c, ParamSubscriptionID)
	}

	creditID, ok := common.IDParam(c, ParamCreditID)
	if !ok {
		return common.InvalidIDResponse(c, ParamCreditID)
	}

	var req ConsumeReferralCreditRequest
	if err := c.Bind(&req); err != nil {
		return common.ValidationErrorResponse(c, "invalid request body")
	}

	if req.Amount <= 0 {
		return common.FieldErrorResponse(c, "amount", "must be positive")
	}

	consumption, err := h.ledger.ConsumeReferralCredit(c.Request().Context(), subscriptionID, creditID, req.Amount)
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, consumptionToResponse(consumption))
}

// ListConsumptions GET /api/billing/v1/subscription/:subscriptionId/consumptions?limit=
func (h *Handler) ListConsumptions(c echo.Context) error {
	id, ok := common.IDParam(c, ParamSubscriptionID)
	if !ok {
		return common.InvalidIDResponse(c, ParamSubscriptionID)
	}

	limit := int(util.Strings.ToInt64(c.QueryParam("limit")))

	list, err := h.ledger.ListConsumptions(c.Request().Context(), id, limit)
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, lo.Map(list, func(item repository.CreditConsumption, _ int) *ConsumptionResponse {
		return consumptionToResponse(item)
	}))
}

// GetServiceCost GET /api/billing/v1/service-cost?service_type=&units=
func (h *Handler) GetServiceCost(c echo.Context) error {
	serviceType := c.QueryParam("service_type")
	if serviceType == "" {
		return common.FieldErrorResponse(c, "service_type", "is required")
	}

	units := util.Strings.ToInt64(c.QueryParam("units"))
	if units <= 0 {
		return common.FieldErrorResponse(c, "units", "must be positive")
	}

	cost, err := h.catalog.GetServiceCost(c.Request().Context(), serviceType, units)
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, &ServiceCostResponse{
		ServiceType:        cost.ServiceType,
		Units:              cost.Units,
		CreditRate:         cost.CreditRate,
		BaseCost:           cost.BaseCost,
		DiscountedCost:     cost.DiscountedCost,
		DiscountPercentage: cost.DiscountPercentage,
		TierApplied:        cost.TierApplied,
	})
}

// GetApplicableDiscounts lists discounts usable right now.
// GET /api/billing/v1/discounts?client_id=&target=&plan_id=&service_type=&code=
func (h *Handler) GetApplicableDiscounts(c echo.Context) error {
	target := repository.DiscountTarget(c.QueryParam("target"))
	if target != repository.DiscountTargetPlans && target != repository.DiscountTargetServices {
		return common.FieldErrorResponse(c, "target", "must be PLANS or SERVICES")
	}

	clientID := util.Strings.ToInt64(c.QueryParam("client_id"))
	if clientID <= 0 {
		return common.FieldErrorResponse(c, "client_id", "is required")
	}

	list, err := h.discounts.GetApplicableDiscounts(c.Request().Context(), discount.Context{
		ClientID:    clientID,
		TargetType:  target,
		PlanID:      c.QueryParam("plan_id"),
		ServiceType: c.QueryParam("service_type"),
		Code:        c.QueryParam("code"),
	})
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, lo.Map(list, func(a discount.Applicable, _ int) *DiscountResponse {
		res := &DiscountResponse{
			ID:             a.Discount.ID,
			Type:           string(a.Discount.Type),
			Value:          a.Discount.Value,
			EffectiveValue: a.EffectiveValue,
			HolidayApplied: a.HolidayApplied,
			AppliesTo:      string(a.Discount.AppliesTo),
		}

		if a.Discount.Code.Valid {
			res.Code = util.Strings.Nullable(a.Discount.Code.String)
		}
		if a.Discount.MaxDiscount.Valid {
			res.MaxDiscount = util.Strings.Nullable(a.Discount.MaxDiscount.Decimal.String())
		}

		return res
	}))
}

func consumptionToResponse(c repository.CreditConsumption) *ConsumptionResponse {
	res := &ConsumptionResponse{
		ID:              c.ID,
		ServiceType:     c.ServiceType,
		Units:           c.Units,
		CreditRate:      c.CreditRate,
		TotalCredits:    c.TotalCredits,
		DiscountApplied: c.DiscountApplied,
		CreditType:      string(c.CreditType),
		Description:     c.Description,
		CreatedAt:       c.CreatedAt.Format(time.RFC3339),
	}

	if c.ReferralCreditID.Valid {
		id := c.ReferralCreditID.Int64
		res.ReferralCreditID = &id
	}

	return res
}
