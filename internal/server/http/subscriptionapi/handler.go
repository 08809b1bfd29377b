package subscriptionapi

import (
	"context"
	"io"
	"net/http"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/freelancehub/creditengine/internal/server/http/common"
	"github.com/freelancehub/creditengine/internal/service/catalog"
	"github.com/freelancehub/creditengine/internal/service/processing"
	"github.com/freelancehub/creditengine/internal/service/subscription"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	ParamSubscriptionID = "subscriptionId"
	HeaderSignature     = "X-Signature"

	maxWebhookBody = 1 << 20
)

type Handler struct {
	subscriptionService *subscription.Service
	catalogService      *catalog.Service
	processingService   *processing.Service
	logger              *zerolog.Logger
}

func New(
	subscriptionService *subscription.Service,
	catalogService *catalog.Service,
	processingService *processing.Service,
	logger *zerolog.Logger,
) *Handler {
	log := logger.With().Str("channel", "subscription_api").Logger()

	return &Handler{
		subscriptionService: subscriptionService,
		catalogService:      catalogService,
		processingService:   processingService,
		logger:              &log,
	}
}

type CreateRequest struct {
	ClientID      int64  `json:"client_id"`
	PlanID        string `json:"plan_id"`
	PriceID       string `json:"price_id"`
	CustomCredits *int64 `json:"custom_credits"`
	Trial         bool   `json:"trial"`
	DiscountID    *int64 `json:"discount_id"`
	DiscountCode  string `json:"discount_code"`
}

type ChangePlanRequest struct {
	PlanID  string `json:"plan_id"`
	PriceID string `json:"price_id"`
}

// ListPlans returns active plans
// GET /api/billing/v1/plans
func (h *Handler) ListPlans(c echo.Context) error {
	plans, err := h.catalogService.ListPlans(c.Request().Context(), true)
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, lo.Map(plans, func(p repository.Plan, _ int) *PlanResponse { return planToResponse(p) }))
}

// CreateSubscription POST /api/billing/v1/subscription
func (h *Handler) CreateSubscription(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return common.ValidationErrorResponse(c, "invalid request body")
	}

	if req.ClientID <= 0 {
		return common.FieldErrorResponse(c, "client_id", "is required")
	}
	if req.PlanID == "" {
		return common.FieldErrorResponse(c, "plan_id", "is required")
	}
	if req.CustomCredits != nil && *req.CustomCredits < 0 {
		return common.FieldErrorResponse(c, "custom_credits", "must not be negative")
	}

	created, err := h.subscriptionService.CreateSubscription(c.Request().Context(), subscription.CreateParams{
		ClientID:      req.ClientID,
		PlanID:        req.PlanID,
		PriceID:       req.PriceID,
		CustomCredits: req.CustomCredits,
		Trial:         req.Trial,
		DiscountID:    req.DiscountID,
		DiscountCode:  req.DiscountCode,
	})
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusCreated, createdToResponse(created))
}

// GetSubscription GET /api/billing/v1/subscription/:subscriptionId
func (h *Handler) GetSubscription(c echo.Context) error {
	id, ok := common.IDParam(c, ParamSubscriptionID)
	if !ok {
		return common.InvalidIDResponse(c, ParamSubscriptionID)
	}

	sub, err := h.subscriptionService.GetSubscription(c.Request().Context(), id)
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, subscriptionToResponse(sub))
}

// CancelSubscription POST /api/billing/v1/subscription/:subscriptionId/cancel
func (h *Handler) CancelSubscription(c echo.Context) error {
	return h.transition(c, h.subscriptionService.Cancel)
}

// PauseSubscription POST /api/billing/v1/subscription/:subscriptionId/pause
func (h *Handler) PauseSubscription(c echo.Context) error {
	return h.transition(c, h.subscriptionService.Pause)
}

// ResumeSubscription POST /api/billing/v1/subscription/:subscriptionId/resume
func (h *Handler) ResumeSubscription(c echo.Context) error {
	return h.transition(c, h.subscriptionService.Resume)
}

// RenewSubscription starts a new period computed from the plan.
// POST /api/billing/v1/subscription/:subscriptionId/renew
func (h *Handler) RenewSubscription(c echo.Context) error {
	return h.transition(c, func(ctx context.Context, id int64) (repository.Subscription, error) {
		return h.subscriptionService.Renew(ctx, id, subscription.Period{})
	})
}

// ChangePlan POST /api/billing/v1/subscription/:subscriptionId/change-plan
func (h *Handler) ChangePlan(c echo.Context) error {
	var req ChangePlanRequest
	if err := c.Bind(&req); err != nil {
		return common.ValidationErrorResponse(c, "invalid request body")
	}

	if req.PlanID == "" {
		return common.FieldErrorResponse(c, "plan_id", "is required")
	}

	return h.transition(c, func(ctx context.Context, id int64) (repository.Subscription, error) {
		return h.subscriptionService.ChangePlan(ctx, id, req.PlanID, req.PriceID)
	})
}

// GetHistory GET /api/billing/v1/subscription/:subscriptionId/history
func (h *Handler) GetHistory(c echo.Context) error {
	id, ok := common.IDParam(c, ParamSubscriptionID)
	if !ok {
		return common.InvalidIDResponse(c, ParamSubscriptionID)
	}

	history, err := h.subscriptionService.ListHistory(c.Request().Context(), id)
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, lo.Map(history, func(item repository.SubscriptionHistory, _ int) *HistoryResponse {
		return historyToResponse(item)
	}))
}

// ReceivePaymentEvent accepts signed payment gateway webhooks.
// POST /api/billing/v1/payment-event
func (h *Handler) ReceivePaymentEvent(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return common.ValidationErrorResponse(c, "unable to read request body")
	}

	outcome, err := h.processingService.ProcessIncomingWebhook(
		c.Request().Context(),
		body,
		c.Request().Header.Get(HeaderSignature),
	)
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, outcome)
}

func (h *Handler) transition(
	c echo.Context,
	fn func(ctx context.Context, id int64) (repository.Subscription, error),
) error {
	id, ok := common.IDParam(c, ParamSubscriptionID)
	if !ok {
		return common.InvalidIDResponse(c, ParamSubscriptionID)
	}

	sub, err := fn(c.Request().Context(), id)
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, subscriptionToResponse(sub))
}
