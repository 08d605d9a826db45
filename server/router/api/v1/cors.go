package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/plugin/cors"
)

// updateDomainsRequest is the push body from the tenant backend. Field
// names are camelCase to match the backend's plugin API.
type updateDomainsRequest struct {
	PluginID       string   `json:"pluginId"`
	CompanyID      string   `json:"companyId"`
	AllowedDomains []string `json:"allowedDomains"`
}

type updateDomainsResponse struct {
	Success      bool               `json:"success"`
	Registration *cors.Registration `json:"registration"`
}

// handleCORSUpdateDomains replaces one plugin's allowed origins so the
// change takes effect without waiting for the TTL to lapse.
func (s *APIV1Service) handleCORSUpdateDomains(c echo.Context) error {
	var req updateDomainsRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Wrap(err, apierr.CodeMissingRequiredField, "malformed request body")
	}
	if req.PluginID == "" {
		return apierr.New(apierr.CodeMissingRequiredField, "pluginId is required")
	}

	reg := s.registry.Update(req.PluginID, req.CompanyID, req.AllowedDomains)
	return c.JSON(http.StatusOK, updateDomainsResponse{
		Success:      true,
		Registration: reg,
	})
}

type invalidatePluginResponse struct {
	Success     bool   `json:"success"`
	PluginID    string `json:"plugin_id"`
	Invalidated bool   `json:"invalidated"`
}

// handleCORSInvalidate drops one plugin's cached registration. Dropping an
// unknown plugin succeeds with invalidated=false.
func (s *APIV1Service) handleCORSInvalidate(c echo.Context) error {
	pluginID := c.Param("plugin_id")
	return c.JSON(http.StatusOK, invalidatePluginResponse{
		Success:     true,
		PluginID:    pluginID,
		Invalidated: s.registry.Invalidate(pluginID),
	})
}

type clearCacheResponse struct {
	Success bool `json:"success"`
	Cleared int  `json:"cleared"`
}

func (s *APIV1Service) handleCORSClear(c echo.Context) error {
	return c.JSON(http.StatusOK, clearCacheResponse{
		Success: true,
		Cleared: s.registry.Clear(),
	})
}

type corsStatusResponse struct {
	Success bool       `json:"success"`
	Stats   cors.Stats `json:"stats"`
}

func (s *APIV1Service) handleCORSStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, corsStatusResponse{
		Success: true,
		Stats:   s.registry.Stats(),
	})
}
