package v1

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/saleschat/aiservice/ai/vector"
	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/store"
)

type registerCompanyRequest struct {
	CompanyID   string `json:"company_id"`
	CompanyName string `json:"company_name"`
	Industry    string `json:"industry"`
}

type companyPayload struct {
	ID        string `json:"company_id"`
	Name      string `json:"company_name,omitempty"`
	Industry  string `json:"industry"`
	CreatedTs int64  `json:"created_ts"`
	UpdatedTs int64  `json:"updated_ts"`
}

type registerCompanyResponse struct {
	Success bool           `json:"success"`
	Company companyPayload `json:"company"`
}

// handleCompanyRegister registers a tenant. Re-registering an existing id
// refreshes the name and keeps the original industry tag.
func (s *APIV1Service) handleCompanyRegister(c echo.Context) error {
	var req registerCompanyRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Wrap(err, apierr.CodeMissingRequiredField, "malformed request body")
	}
	if req.CompanyID == "" {
		return apierr.New(apierr.CodeMissingRequiredField, "company_id is required")
	}

	company, err := s.store.CreateCompany(c.Request().Context(), &store.Company{
		ID:       req.CompanyID,
		Name:     req.CompanyName,
		Industry: store.Industry(req.Industry),
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, registerCompanyResponse{
		Success: true,
		Company: companyPayload{
			ID:        company.ID,
			Name:      company.Name,
			Industry:  string(company.Industry),
			CreatedTs: company.CreatedTs,
			UpdatedTs: company.UpdatedTs,
		},
	})
}

type deleteCompanyResponse struct {
	Success       bool   `json:"success"`
	CompanyID     string `json:"company_id"`
	DeletedPoints int    `json:"deleted_points"`
	DeletedTasks  int    `json:"deleted_tasks"`
}

// handleCompanyDelete tears a tenant down: vector entries first, then
// queued tasks, then the row itself. Only the final row delete flips
// later calls to 404, so a partially failed call can be retried.
func (s *APIV1Service) handleCompanyDelete(c echo.Context) error {
	companyID := c.Param("company_id")
	ctx := c.Request().Context()

	if _, err := s.store.GetCompany(ctx, companyID); err != nil {
		return err
	}

	deletedPoints := 0
	if s.vectors != nil {
		var err error
		deletedPoints, err = s.vectors.Delete(ctx, vector.Filter{CompanyID: companyID})
		if err != nil {
			return apierr.Wrap(err, apierr.CodeVectorStoreFailed, "delete company vectors")
		}
	}
	deletedTasks, err := s.store.DeleteTasksByCompany(ctx, companyID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteCompany(ctx, companyID); err != nil {
		return err
	}
	s.invalidateTenant(companyID)

	s.logger.Info("Company deleted",
		slog.String("company_id", companyID),
		slog.Int("deleted_points", deletedPoints),
		slog.Int("deleted_tasks", deletedTasks))

	return c.JSON(http.StatusOK, deleteCompanyResponse{
		Success:       true,
		CompanyID:     companyID,
		DeletedPoints: deletedPoints,
		DeletedTasks:  deletedTasks,
	})
}
