package v1

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/store"
)

// extractRequest is the enqueue body shared by the sync and async
// ingestion endpoints.
type extractRequest struct {
	CompanyID    string         `json:"company_id"`
	FileID       string         `json:"file_id,omitempty"`
	FileURL      string         `json:"file_url"`
	Industry     string         `json:"industry,omitempty"`
	DataType     string         `json:"data_type,omitempty"`
	CallbackURL  string         `json:"callback_url,omitempty"`
	FileMetadata map[string]any `json:"file_metadata,omitempty"`
}

func (r *extractRequest) validate() error {
	if r.CompanyID == "" {
		return apierr.New(apierr.CodeMissingRequiredField, "company_id is required")
	}
	if r.FileURL == "" {
		return apierr.New(apierr.CodeMissingRequiredField, "file_url is required")
	}
	return nil
}

func (r *extractRequest) toTask() *store.Task {
	return &store.Task{
		CompanyID:    r.CompanyID,
		FileID:       r.FileID,
		FileURL:      r.FileURL,
		Industry:     r.Industry,
		DataType:     r.DataType,
		CallbackURL:  r.CallbackURL,
		FileMetadata: r.FileMetadata,
	}
}

type enqueueResponse struct {
	Success              bool   `json:"success"`
	TaskID               string `json:"task_id"`
	Status               string `json:"status"`
	EstimatedTimeSeconds int    `json:"estimated_time_seconds"`
	Deduplicated         bool   `json:"deduplicated,omitempty"`
}

// handleExtractProcessAsync enqueues an ingestion task for the worker
// pool. Re-enqueueing a file whose task is still pending or processing
// returns the original task instead of a second one.
func (s *APIV1Service) handleExtractProcessAsync(c echo.Context) error {
	var req extractRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Wrap(err, apierr.CodeMissingRequiredField, "malformed request body")
	}
	if err := req.validate(); err != nil {
		return err
	}

	task, deduplicated, err := s.store.EnqueueTask(c.Request().Context(), req.toTask())
	if err != nil {
		return apierr.Wrap(err, apierr.CodeQueueUnavailable, "enqueue extraction task")
	}

	return c.JSON(http.StatusAccepted, enqueueResponse{
		Success:              true,
		TaskID:               task.ID,
		Status:               string(task.Status),
		EstimatedTimeSeconds: s.store.EstimateSeconds(c.Request().Context()),
		Deduplicated:         deduplicated,
	})
}

type syncExtractResponse struct {
	Success               bool    `json:"success"`
	TaskID                string  `json:"task_id"`
	Status                string  `json:"status"`
	ChunksCreated         int     `json:"chunks_created"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
	Collection            string  `json:"collection,omitempty"`
	VectorDimensions      int     `json:"vector_dimensions,omitempty"`
	EmbeddingModel        string  `json:"embedding_model,omitempty"`
}

// handleExtractProcess runs the ingestion pipeline inline and returns the
// completed summary. The inline fetcher carries a reduced size gate, so
// large files must go through the async path.
func (s *APIV1Service) handleExtractProcess(c echo.Context) error {
	if s.sync == nil {
		return apierr.New(apierr.CodeInternal, "sync extraction is not configured")
	}

	var req extractRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Wrap(err, apierr.CodeMissingRequiredField, "malformed request body")
	}
	if err := req.validate(); err != nil {
		return err
	}

	task := req.toTask()
	task.ID = uuid.NewString()
	result, err := s.sync.Run(c.Request().Context(), task)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, syncExtractResponse{
		Success:               true,
		TaskID:                task.ID,
		Status:                string(store.TaskCompleted),
		ChunksCreated:         result.ChunksCreated,
		ProcessingTimeSeconds: result.ProcessingTimeSeconds,
		Collection:            result.Collection,
		VectorDimensions:      result.VectorDimensions,
		EmbeddingModel:        result.EmbeddingModel,
	})
}

type taskStatusResponse struct {
	Success               bool    `json:"success"`
	TaskID                string  `json:"task_id"`
	Status                string  `json:"status"`
	ChunksCreated         int     `json:"chunks_created,omitempty"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds,omitempty"`
	Error                 string  `json:"error,omitempty"`
	CreatedTs             int64   `json:"created_ts"`
	UpdatedTs             int64   `json:"updated_ts"`
}

// handleTaskStatus reports an extraction task's state. Terminal tasks stay
// queryable until the GC retention window passes, after which the id is a
// plain 404.
func (s *APIV1Service) handleTaskStatus(c echo.Context) error {
	task, err := s.store.GetTask(c.Request().Context(), c.Param("task_id"))
	if err != nil {
		return err
	}

	resp := taskStatusResponse{
		Success:   true,
		TaskID:    task.ID,
		Status:    string(task.Status),
		Error:     task.Error,
		CreatedTs: task.CreatedTs,
		UpdatedTs: task.UpdatedTs,
	}
	if task.Result != nil {
		resp.ChunksCreated = task.Result.ChunksCreated
		resp.ProcessingTimeSeconds = task.Result.ProcessingTimeSeconds
	}
	return c.JSON(http.StatusOK, resp)
}
