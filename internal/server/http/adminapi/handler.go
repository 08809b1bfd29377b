package adminapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/freelancehub/creditengine/internal/scheduler"
	"github.com/freelancehub/creditengine/internal/server/http/common"
	"github.com/freelancehub/creditengine/internal/service/catalog"
	"github.com/freelancehub/creditengine/internal/service/discount"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

const (
	ParamPlanID      = "planId"
	ParamServiceType = "serviceType"
)

type Jobs interface {
	RunJob(ctx context.Context, name string) error
	Stats() []scheduler.JobStats
}

type Handler struct {
	catalog   *catalog.Service
	discounts *discount.Service
	jobs      Jobs
	logger    *zerolog.Logger
}

func New(catalogService *catalog.Service, discounts *discount.Service, jobs Jobs, logger *zerolog.Logger) *Handler {
	log := logger.With().Str("channel", "admin_api").Logger()

	return &Handler{
		catalog:   catalogService,
		discounts: discounts,
		jobs:      jobs,
		logger:    &log,
	}
}

type PlanRequest struct {
	Name            string          `json:"name"`
	PriceID         string          `json:"price_id"`
	Price           decimal.Decimal `json:"price"`
	Credits         int64           `json:"credits"`
	BrandsLimit     int32           `json:"brands_limit"`
	BillingInterval string          `json:"billing_interval"`
	IsActive        bool            `json:"is_active"`
}

type CreditValueRequest struct {
	CreditsPerUnit decimal.Decimal          `json:"credits_per_unit"`
	BaseUnit       string                   `json:"base_unit"`
	MinUnits       int64                    `json:"min_units"`
	MaxUnits       *int64                   `json:"max_units"`
	TieredPricing  []repository.PricingTier `json:"tiered_pricing"`
	IsActive       bool                     `json:"is_active"`
}

type DiscountRequest struct {
	Code         *string                  `json:"code"`
	Type         string                   `json:"type"`
	Value        decimal.Decimal          `json:"value"`
	MaxDiscount  *decimal.Decimal         `json:"max_discount"`
	AppliesTo    string                   `json:"applies_to"`
	PlanIDs      []string                 `json:"plan_ids"`
	ServiceTypes []string                 `json:"service_types"`
	ValidFrom    *time.Time               `json:"valid_from"`
	ValidUntil   *time.Time               `json:"valid_until"`
	MaxUses      *int32                   `json:"max_uses"`
	UserMaxUses  *int32                   `json:"user_max_uses"`
	HolidayRules []repository.HolidayRule `json:"holiday_rules"`
	IsActive     bool                     `json:"is_active"`
}

type RunJobRequest struct {
	Job string `json:"job"`
}

type JobResponse struct {
	Name      string  `json:"name"`
	Spec      string  `json:"spec"`
	Runs      int64   `json:"runs"`
	Failures  int64   `json:"failures"`
	LastRunAt *string `json:"last_run_at"`
	LastError string  `json:"last_error,omitempty"`
}

// UpsertPlan PUT /api/billing/v1/admin/plan/:planId
func (h *Handler) UpsertPlan(c echo.Context) error {
	var req PlanRequest
	if err := c.Bind(&req); err != nil {
		return common.ValidationErrorResponse(c, "invalid request body")
	}

	plan, err := h.catalog.UpsertPlan(c.Request().Context(), repository.Plan{
		ID:              c.Param(ParamPlanID),
		Name:            req.Name,
		PriceID:         req.PriceID,
		Price:           req.Price,
		Credits:         req.Credits,
		BrandsLimit:     req.BrandsLimit,
		BillingInterval: req.BillingInterval,
		IsActive:        req.IsActive,
	})
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, map[string]any{"id": plan.ID, "updated_at": plan.UpdatedAt})
}

// ListCreditValues GET /api/billing/v1/admin/credit-value
func (h *Handler) ListCreditValues(c echo.Context) error {
	values, err := h.catalog.ListCreditValues(c.Request().Context(), false)
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, lo.Map(values, func(cv repository.CreditValue, _ int) map[string]any {
		return map[string]any{
			"service_type":     cv.ServiceType,
			"credits_per_unit": cv.CreditsPerUnit,
			"base_unit":        cv.BaseUnit,
			"min_units":        cv.MinUnits,
			"tiered_pricing":   cv.TieredPricing,
			"is_active":        cv.IsActive,
		}
	}))
}

// UpsertCreditValue PUT /api/billing/v1/admin/credit-value/:serviceType
func (h *Handler) UpsertCreditValue(c echo.Context) error {
	var req CreditValueRequest
	if err := c.Bind(&req); err != nil {
		return common.ValidationErrorResponse(c, "invalid request body")
	}

	cv := repository.CreditValue{
		ServiceType:    c.Param(ParamServiceType),
		CreditsPerUnit: req.CreditsPerUnit,
		BaseUnit:       req.BaseUnit,
		MinUnits:       req.MinUnits,
		TieredPricing:  req.TieredPricing,
		IsActive:       req.IsActive,
	}
	if req.MaxUnits != nil {
		cv.MaxUnits = sql.NullInt64{Int64: *req.MaxUnits, Valid: true}
	}

	saved, err := h.catalog.UpsertCreditValue(c.Request().Context(), cv)
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, map[string]any{"id": saved.ID, "service_type": saved.ServiceType})
}

// CreateDiscount POST /api/billing/v1/admin/discount
func (h *Handler) CreateDiscount(c echo.Context) error {
	var req DiscountRequest
	if err := c.Bind(&req); err != nil {
		return common.ValidationErrorResponse(c, "invalid request body")
	}

	d := repository.Discount{
		Type:         repository.DiscountType(req.Type),
		Value:        req.Value,
		AppliesTo:    repository.DiscountTarget(req.AppliesTo),
		PlanIDs:      req.PlanIDs,
		ServiceTypes: req.ServiceTypes,
		HolidayRules: req.HolidayRules,
		IsActive:     req.IsActive,
	}

	if req.Code != nil {
		d.Code = sql.NullString{String: *req.Code, Valid: true}
	}
	if req.MaxDiscount != nil {
		d.MaxDiscount = decimal.NullDecimal{Decimal: *req.MaxDiscount, Valid: true}
	}
	if req.ValidFrom != nil {
		d.ValidFrom = sql.NullTime{Time: *req.ValidFrom, Valid: true}
	}
	if req.ValidUntil != nil {
		d.ValidUntil = sql.NullTime{Time: *req.ValidUntil, Valid: true}
	}
	if req.MaxUses != nil {
		d.MaxUses = sql.NullInt32{Int32: *req.MaxUses, Valid: true}
	}
	if req.UserMaxUses != nil {
		d.UserMaxUses = sql.NullInt32{Int32: *req.UserMaxUses, Valid: true}
	}

	created, err := h.discounts.CreateDiscount(c.Request().Context(), d)
	if err != nil {
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.JSON(http.StatusCreated, map[string]any{"id": created.ID})
}

// ListJobs GET /api/billing/v1/admin/job
func (h *Handler) ListJobs(c echo.Context) error {
	return c.JSON(http.StatusOK, lo.Map(h.jobs.Stats(), func(s scheduler.JobStats, _ int) *JobResponse {
		res := &JobResponse{
			Name:      s.Name,
			Spec:      s.Spec,
			Runs:      s.Runs,
			Failures:  s.Failures,
			LastError: s.LastError,
		}
		if !s.LastRunAt.IsZero() {
			res.LastRunAt = lo.ToPtr(s.LastRunAt.Format(time.RFC3339))
		}

		return res
	}))
}

// RunSchedulerJob POST /api/billing/v1/admin/job
func (h *Handler) RunSchedulerJob(c echo.Context) error {
	var req RunJobRequest
	if err := c.Bind(&req); err != nil {
		return common.ValidationErrorResponse(c, "invalid request body")
	}

	err := h.jobs.RunJob(c.Request().Context(), req.Job)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		return common.FieldErrorResponse(c, "job", "unknown job")
	case err != nil:
		return common.ErrorFrom(c, h.logger, err)
	}

	return c.NoContent(http.StatusNoContent)
}
