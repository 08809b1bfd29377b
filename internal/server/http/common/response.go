package common

import (
	"net/http"

	"github.com/freelancehub/creditengine/internal/service/catalog"
	"github.com/freelancehub/creditengine/internal/service/discount"
	"github.com/freelancehub/creditengine/internal/service/ledger"
	"github.com/freelancehub/creditengine/internal/service/processing"
	"github.com/freelancehub/creditengine/internal/service/referral"
	"github.com/freelancehub/creditengine/internal/service/subscription"
	"github.com/freelancehub/creditengine/internal/util"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Response statuses
const (
	StatusNotFound           = "not_found"
	StatusConflict           = "conflict"
	StatusValidation         = "validation_error"
	StatusPaymentRequired    = "insufficient_credits"
	StatusUnauthorized       = "unauthorized"
	StatusInternalError      = "internal_error"
	StatusServiceUnavailable = "service_unavailable"
)

type ErrorResponse struct {
	Errors  []FieldError `json:"errors,omitempty"`
	Message string       `json:"message"`
	Status  string       `json:"status"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type mapping struct {
	code   int
	status string
}

var (
	notFound    = mapping{http.StatusNotFound, StatusNotFound}
	conflict    = mapping{http.StatusConflict, StatusConflict}
	invalid     = mapping{http.StatusUnprocessableEntity, StatusValidation}
	noCredits   = mapping{http.StatusPaymentRequired, StatusPaymentRequired}
	unsigned    = mapping{http.StatusUnauthorized, StatusUnauthorized}
	knownErrors = []struct {
		err error
		mapping
	}{
		{ledger.ErrSubscriptionNotFound, notFound},
		{ledger.ErrInsufficientCredits, noCredits},
		{ledger.ErrSubscriptionInactive, invalid},
		{ledger.ErrInvalidOrExpiredCredit, invalid},
		{ledger.ErrInvalidAmount, invalid},
		{catalog.ErrNotFound, notFound},
		{catalog.ErrInvalidUnits, invalid},
		{catalog.ErrInvalidCreditValue, invalid},
		{catalog.ErrInvalidPlan, invalid},
		{discount.ErrNotFound, notFound},
		{discount.ErrUsageCapReached, conflict},
		{discount.ErrInvalidDiscount, invalid},
		{referral.ErrNotFound, notFound},
		{referral.ErrClientNotFound, notFound},
		{referral.ErrAlreadyCompleted, conflict},
		{referral.ErrAlreadyApplied, conflict},
		{referral.ErrInvalidTransition, conflict},
		{referral.ErrLinkExpired, invalid},
		{referral.ErrNotCompleted, invalid},
		{referral.ErrNoActiveSubscription, invalid},
		{referral.ErrSelfReferral, invalid},
		{referral.ErrMissingAddress, invalid},
		{subscription.ErrNotFound, notFound},
		{subscription.ErrClientNotFound, notFound},
		{subscription.ErrPlanNotFound, notFound},
		{subscription.ErrDuplicateSubscription, conflict},
		{subscription.ErrInvalidTransition, conflict},
		{subscription.ErrDiscountNotApplicable, invalid},
		{subscription.ErrInvalidPaymentEvent, invalid},
		{processing.ErrSignatureVerification, unsigned},
	}
)

// ErrorFrom responds with the status matching a service error. Unknown
// errors are logged and reported as internal errors without details.
func ErrorFrom(c echo.Context, logger *zerolog.Logger, err error) error {
	for _, known := range knownErrors {
		if errors.Is(err, known.err) {
			return c.JSON(known.code, &ErrorResponse{Message: err.Error(), Status: known.status})
		}
	}

	logger.Error().Err(err).Str("path", c.Path()).Msg("unexpected error")

	return c.JSON(http.StatusInternalServerError, &ErrorResponse{Message: "internal error", Status: StatusInternalError})
}

func NotFoundResponse(c echo.Context, message string) error {
	return c.JSON(http.StatusNotFound, &ErrorResponse{Message: message, Status: StatusNotFound})
}

func ValidationErrorResponse(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, &ErrorResponse{Message: message, Status: StatusValidation})
}

func FieldErrorResponse(c echo.Context, field, message string) error {
	return c.JSON(http.StatusBadRequest, &ErrorResponse{
		Errors:  []FieldError{{Field: field, Message: message}},
		Message: "invalid request",
		Status:  StatusValidation,
	})
}

// IDParam reads a positive id path parameter. ok is false when the
// parameter is not a positive integer.
func IDParam(c echo.Context, name string) (int64, bool) {
	id := util.Strings.ToInt64(c.Param(name))

	return id, id > 0
}

func InvalidIDResponse(c echo.Context, name string) error {
	return FieldErrorResponse(c, name, "must be a positive integer")
}
