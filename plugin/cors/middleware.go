package cors

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// preflightMaxAge is how long browsers may cache a preflight answer,
// in seconds.
const preflightMaxAge = "3600"

// PreflightHandler answers OPTIONS on the chat route. A preflight carries
// no body, so the plugin id is unknown and the origin is matched against
// every live registration. Unmatched origins still get 204, just without
// the allow headers, and the browser blocks the actual request.
func PreflightHandler(registry *Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Response().Header()
		h.Add(echo.HeaderVary, echo.HeaderOrigin)

		origin := c.Request().Header.Get(echo.HeaderOrigin)
		if registry != nil && origin != "" {
			if _, ok := registry.MatchAnyOrigin(origin); ok {
				h.Set(echo.HeaderAccessControlAllowOrigin, origin)
				h.Set(echo.HeaderAccessControlAllowMethods, "POST, OPTIONS")
				h.Set(echo.HeaderAccessControlAllowHeaders, "Content-Type, X-API-Key")
				h.Set(echo.HeaderAccessControlMaxAge, preflightMaxAge)
			}
		}
		return c.NoContent(http.StatusNoContent)
	}
}
