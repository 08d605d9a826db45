package v1

import (
	"crypto/subtle"

	"github.com/labstack/echo/v4"

	"github.com/saleschat/aiservice/internal/apierr"
)

// secretEqual compares a presented secret against the configured one in
// constant time. An unset configured secret rejects everything: a blank
// INTERNAL_API_KEY must never mean open access.
func secretEqual(presented, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// requireAPIKey guards the admin and ingestion endpoints.
func (s *APIV1Service) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !secretEqual(c.Request().Header.Get(headerAPIKey), s.profile.InternalAPIKey) {
			return apierr.New(apierr.CodeInvalidAPIKey, "invalid or missing API key")
		}
		return next(c)
	}
}

// requireInternalKey guards the internal CORS management endpoints.
func (s *APIV1Service) requireInternalKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !secretEqual(c.Request().Header.Get(headerInternalKey), s.profile.InternalAPIKey) {
			return apierr.New(apierr.CodeInvalidInternalKey, "invalid or missing internal key")
		}
		return next(c)
	}
}
