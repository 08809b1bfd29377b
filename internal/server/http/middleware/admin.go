package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/freelancehub/creditengine/internal/server/http/common"
	"github.com/labstack/echo/v4"
)

const HeaderAdminKey = "X-Admin-Key"

// GuardsAdmin ensures the request carries the configured admin API key.
// Admin routes are closed entirely when no key is configured.
func GuardsAdmin(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return c.JSON(http.StatusServiceUnavailable, &common.ErrorResponse{
					Message: "Admin API is disabled",
					Status:  common.StatusServiceUnavailable,
				})
			}

			given := c.Request().Header.Get(HeaderAdminKey)
			if given == "" {
				return c.JSON(http.StatusUnauthorized, &common.ErrorResponse{
					Message: "Authentication required",
					Status:  common.StatusUnauthorized,
				})
			}

			if subtle.ConstantTimeCompare([]byte(given), []byte(apiKey)) != 1 {
				return c.JSON(http.StatusForbidden, &common.ErrorResponse{
					Message: "Admin access required",
					Status:  "forbidden",
				})
			}

			return next(c)
		}
	}
}
