package v1

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/saleschat/aiservice/ai/vector"
	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/store"
)

// contextWriteRequest is the set-all body. Item ids are optional; records
// without one get a fresh id, records with one keep it so repeated
// replaces stay stable.
type contextWriteRequest struct {
	Items []contextItem `json:"items"`
}

type contextListResponse struct {
	Success bool          `json:"success"`
	Kind    string        `json:"kind"`
	Count   int           `json:"count"`
	Items   []contextItem `json:"items"`
}

type contextAddResponse struct {
	Success bool        `json:"success"`
	Kind    string      `json:"kind"`
	Item    contextItem `json:"item"`
}

type contextDeleteResponse struct {
	Success        bool   `json:"success"`
	Kind           string `json:"kind"`
	DeletedRecords int    `json:"deleted_records"`
	DeletedPoints  int    `json:"deleted_points"`
}

// contextParams resolves the two route params shared by the four context
// handlers. Writes require the company to exist so a mistyped id cannot
// seed orphan vector entries; reads and deletes stay idempotent.
func (s *APIV1Service) contextParams(c echo.Context, mustExist bool) (string, store.ContextKind, error) {
	kind, err := store.ParseContextKind(c.Param("kind"))
	if err != nil {
		return "", "", err
	}
	companyID := c.Param("company_id")
	if companyID == "" {
		return "", "", apierr.New(apierr.CodeMissingRequiredField, "company_id is required")
	}
	if mustExist {
		if _, err := s.store.GetCompany(c.Request().Context(), companyID); err != nil {
			return "", "", err
		}
	}
	return companyID, kind, nil
}

func contextRecord(companyID string, kind store.ContextKind, item contextItem) *store.ContextRecord {
	return &store.ContextRecord{
		ID:        item.ID,
		CompanyID: companyID,
		Kind:      kind,
		Title:     item.Title,
		Content:   item.Content,
		Language:  item.Language,
	}
}

// handleContextReplace swaps the whole collection: structured rows first,
// then the vector mirror. An empty items list clears the collection.
func (s *APIV1Service) handleContextReplace(c echo.Context) error {
	companyID, kind, err := s.contextParams(c, true)
	if err != nil {
		return err
	}

	var req contextWriteRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Wrap(err, apierr.CodeMissingRequiredField, "malformed request body")
	}
	records := make([]*store.ContextRecord, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Content == "" && item.Title == "" {
			return apierr.New(apierr.CodeMissingRequiredField, "every item needs a title or content")
		}
		records = append(records, contextRecord(companyID, kind, item))
	}

	ctx := c.Request().Context()
	records, err = s.store.ReplaceContext(ctx, companyID, kind, records)
	if err != nil {
		return err
	}
	if err := s.mirrorContext(ctx, companyID, kind, records); err != nil {
		return err
	}
	if kind == store.ContextBasicInfo {
		s.invalidateTenant(companyID)
	}

	return c.JSON(http.StatusOK, renderContextList(kind, records))
}

func (s *APIV1Service) handleContextList(c echo.Context) error {
	companyID, kind, err := s.contextParams(c, false)
	if err != nil {
		return err
	}
	records, err := s.store.ListContext(c.Request().Context(), companyID, kind)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, renderContextList(kind, records))
}

// handleContextAdd appends one record, then rebuilds the mirror from the
// stored collection so the delete-by-filter step cannot strand siblings.
func (s *APIV1Service) handleContextAdd(c echo.Context) error {
	companyID, kind, err := s.contextParams(c, true)
	if err != nil {
		return err
	}

	var item contextItem
	if err := c.Bind(&item); err != nil {
		return apierr.Wrap(err, apierr.CodeMissingRequiredField, "malformed request body")
	}
	if item.Content == "" && item.Title == "" {
		return apierr.New(apierr.CodeMissingRequiredField, "title or content is required")
	}

	ctx := c.Request().Context()
	record, err := s.store.AddContext(ctx, companyID, kind, contextRecord(companyID, kind, item))
	if err != nil {
		return err
	}
	records, err := s.store.ListContext(ctx, companyID, kind)
	if err != nil {
		return err
	}
	if err := s.mirrorContext(ctx, companyID, kind, records); err != nil {
		return err
	}
	if kind == store.ContextBasicInfo {
		s.invalidateTenant(companyID)
	}

	return c.JSON(http.StatusOK, contextAddResponse{
		Success: true,
		Kind:    string(kind),
		Item:    renderContextItem(record),
	})
}

// handleContextDelete drops the collection and its vector mirror. Both
// counts are reported so operators can spot drift between the two.
func (s *APIV1Service) handleContextDelete(c echo.Context) error {
	companyID, kind, err := s.contextParams(c, false)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	removed, err := s.store.DeleteContext(ctx, companyID, kind)
	if err != nil {
		return err
	}
	deletedPoints := 0
	if s.vectors != nil {
		deletedPoints, err = s.vectors.Delete(ctx, vector.Filter{CompanyID: companyID, DataType: kind.DataType()})
		if err != nil {
			return apierr.Wrap(err, apierr.CodeVectorStoreFailed, "delete context vectors")
		}
	}
	if kind == store.ContextBasicInfo {
		s.invalidateTenant(companyID)
	}

	return c.JSON(http.StatusOK, contextDeleteResponse{
		Success:        true,
		Kind:           string(kind),
		DeletedRecords: removed,
		DeletedPoints:  deletedPoints,
	})
}

// mirrorContext rebuilds one collection's vector mirror: drop the
// (company, data_type) selection, then re-embed and upsert the current
// records. Point ids reuse the record ids, keeping rebuilds idempotent.
func (s *APIV1Service) mirrorContext(ctx context.Context, companyID string, kind store.ContextKind, records []*store.ContextRecord) error {
	if s.vectors == nil {
		return nil
	}
	if _, err := s.vectors.Delete(ctx, vector.Filter{CompanyID: companyID, DataType: kind.DataType()}); err != nil {
		return apierr.Wrap(err, apierr.CodeVectorStoreFailed, "clear context vectors")
	}
	if len(records) == 0 {
		return nil
	}
	if s.embedder == nil {
		return apierr.New(apierr.CodeInternal, "embedding service is not configured")
	}

	texts := make([]string, len(records))
	for i, record := range records {
		texts[i] = record.EmbeddingText()
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return apierr.Wrap(err, apierr.CodeEmbeddingFailed, "embed context records")
	}
	if len(vecs) != len(records) {
		return apierr.Newf(apierr.CodeEmbeddingFailed, "embedder returned %d vectors for %d records", len(vecs), len(records))
	}

	entries := make([]vector.Entry, len(records))
	for i, record := range records {
		entries[i] = vector.Entry{
			PointID:             record.ID,
			CompanyID:           companyID,
			DataType:            kind.DataType(),
			Language:            record.Language,
			ContentForEmbedding: texts[i],
			StructuredData: map[string]any{
				"title":   record.Title,
				"content": record.Content,
			},
			Vector: vecs[i],
		}
	}
	if err := s.vectors.Upsert(ctx, entries); err != nil {
		return apierr.Wrap(err, apierr.CodeVectorStoreFailed, "upsert context vectors")
	}
	return nil
}

func renderContextList(kind store.ContextKind, records []*store.ContextRecord) contextListResponse {
	items := make([]contextItem, 0, len(records))
	for _, record := range records {
		items = append(items, renderContextItem(record))
	}
	return contextListResponse{
		Success: true,
		Kind:    string(kind),
		Count:   len(items),
		Items:   items,
	}
}
