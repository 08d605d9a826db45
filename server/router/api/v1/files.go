package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/saleschat/aiservice/ai/vector"
	"github.com/saleschat/aiservice/internal/apierr"
)

// handleFileProcess enqueues ingestion for a file owned by the company in
// the path. The path id wins over any company_id in the body.
func (s *APIV1Service) handleFileProcess(c echo.Context) error {
	var req extractRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Wrap(err, apierr.CodeMissingRequiredField, "malformed request body")
	}
	req.CompanyID = c.Param("company_id")
	if err := req.validate(); err != nil {
		return err
	}

	ctx := c.Request().Context()
	if _, err := s.store.GetCompany(ctx, req.CompanyID); err != nil {
		return err
	}
	task, deduplicated, err := s.store.EnqueueTask(ctx, req.toTask())
	if err != nil {
		return apierr.Wrap(err, apierr.CodeQueueUnavailable, "enqueue extraction task")
	}

	return c.JSON(http.StatusAccepted, enqueueResponse{
		Success:              true,
		TaskID:               task.ID,
		Status:               string(task.Status),
		EstimatedTimeSeconds: s.store.EstimateSeconds(ctx),
		Deduplicated:         deduplicated,
	})
}

type deletePointsResponse struct {
	Success       bool   `json:"success"`
	CompanyID     string `json:"company_id"`
	FileID        string `json:"file_id,omitempty"`
	ProductID     string `json:"product_id,omitempty"`
	ServiceID     string `json:"service_id,omitempty"`
	DeletedPoints int    `json:"deleted_points"`
}

// handleExtractionDelete drops every chunk ingested from one file,
// catalog items included. Registered twice: the files and extractions
// paths are aliases.
func (s *APIV1Service) handleExtractionDelete(c echo.Context) error {
	return s.deletePoints(c, vector.Filter{
		CompanyID: c.Param("company_id"),
		FileID:    c.Param("file_id"),
	})
}

func (s *APIV1Service) handleProductDelete(c echo.Context) error {
	return s.deletePoints(c, vector.Filter{
		CompanyID: c.Param("company_id"),
		ProductID: c.Param("product_id"),
	})
}

func (s *APIV1Service) handleServiceDelete(c echo.Context) error {
	return s.deletePoints(c, vector.Filter{
		CompanyID: c.Param("company_id"),
		ServiceID: c.Param("service_id"),
	})
}

// deletePoints removes the filtered selection. Deletes are idempotent: a
// selection that matches nothing still succeeds with a zero count, so
// callers can repeat a delete after a timeout without special-casing.
func (s *APIV1Service) deletePoints(c echo.Context, filter vector.Filter) error {
	if s.vectors == nil {
		return apierr.New(apierr.CodeInternal, "vector store is not configured")
	}
	deleted, err := s.vectors.Delete(c.Request().Context(), filter)
	if err != nil {
		return apierr.Wrap(err, apierr.CodeVectorStoreFailed, "delete vector entries")
	}

	return c.JSON(http.StatusOK, deletePointsResponse{
		Success:       true,
		CompanyID:     filter.CompanyID,
		FileID:        filter.FileID,
		ProductID:     filter.ProductID,
		ServiceID:     filter.ServiceID,
		DeletedPoints: deleted,
	})
}
