package v1

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saleschat/aiservice/ai/vector"
	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/store"
)

func TestContextReplaceAndList(t *testing.T) {
	f := newFixture(t, nil)
	f.createCompany(t, "comp-1", store.IndustryHotel)

	body := map[string]any{"items": []map[string]any{
		{"title": "Giờ mở cửa?", "content": "Mở cửa từ 9h đến 22h.", "language": "vi"},
		{"title": "Có chỗ đậu xe không?", "content": "Có hầm giữ xe miễn phí.", "language": "vi"},
	}}
	rec := f.admin(t, http.MethodPost, "/api/admin/companies/comp-1/context/faqs", body)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "faqs", resp["kind"])
	assert.Equal(t, float64(2), resp["count"])

	listed := decodeBody(t, f.admin(t, http.MethodGet, "/api/admin/companies/comp-1/context/faqs", nil))
	assert.Equal(t, float64(2), listed["count"])

	// The mirror rebuild drops the old selection, then upserts the records
	// under their own ids with the Q/A embedding text.
	require.Len(t, f.vectors.deletes, 1)
	assert.Equal(t, vector.Filter{CompanyID: "comp-1", DataType: vector.DataTypeFAQ}, f.vectors.deletes[0])
	entries := f.vectors.lastUpsert()
	require.Len(t, entries, 2)
	assert.Equal(t, vector.DataTypeFAQ, entries[0].DataType)
	assert.Equal(t, "comp-1", entries[0].CompanyID)
	assert.NotEmpty(t, entries[0].PointID)
	assert.Equal(t, "Q: Giờ mở cửa?\nA: Mở cửa từ 9h đến 22h.", entries[0].ContentForEmbedding)
}

func TestContextReplaceEmptyClears(t *testing.T) {
	f := newFixture(t, nil)
	f.createCompany(t, "comp-1", store.IndustryHotel)

	seed := map[string]any{"items": []map[string]any{{"content": "Nội dung cũ."}}}
	require.Equal(t, http.StatusOK, f.admin(t, http.MethodPost, "/api/admin/companies/comp-1/context/scenarios", seed).Code)
	upserts := len(f.vectors.upserts)

	rec := f.admin(t, http.MethodPost, "/api/admin/companies/comp-1/context/scenarios", map[string]any{"items": []map[string]any{}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["count"])
	assert.Len(t, f.vectors.upserts, upserts, "an empty collection must not upsert")

	listed := decodeBody(t, f.admin(t, http.MethodGet, "/api/admin/companies/comp-1/context/scenarios", nil))
	assert.Equal(t, float64(0), listed["count"])
}

func TestContextAddRebuildsMirror(t *testing.T) {
	f := newFixture(t, nil)
	f.createCompany(t, "comp-1", store.IndustryHotel)

	// The hyphenated URL segment maps onto the stored kind. Explicit ids
	// keep the collection order stable within one second.
	first := f.admin(t, http.MethodPut, "/api/admin/companies/comp-1/context/basic-info",
		map[string]any{"id": "ctx-a", "title": "Địa chỉ", "content": "12 Lý Thường Kiệt, Hà Nội", "language": "vi"})
	require.Equal(t, http.StatusOK, first.Code)
	item := decodeBody(t, first)["item"].(map[string]any)
	assert.Equal(t, "ctx-a", item["id"])

	second := f.admin(t, http.MethodPut, "/api/admin/companies/comp-1/context/basic-info",
		map[string]any{"id": "ctx-b", "title": "Hotline", "content": "1900 1234"})
	require.Equal(t, http.StatusOK, second.Code)

	entries := f.vectors.lastUpsert()
	require.Len(t, entries, 2, "add must re-mirror the whole collection")
	assert.Equal(t, vector.DataTypeCompanyInfo, entries[0].DataType)
	assert.Equal(t, "Địa chỉ: 12 Lý Thường Kiệt, Hà Nội", entries[0].ContentForEmbedding)

	listed := decodeBody(t, f.admin(t, http.MethodGet, "/api/admin/companies/comp-1/context/basic-info", nil))
	assert.Equal(t, float64(2), listed["count"])
}

func TestContextDelete(t *testing.T) {
	f := newFixture(t, nil)
	f.createCompany(t, "comp-1", store.IndustryHotel)

	seed := map[string]any{"items": []map[string]any{
		{"content": "Kịch bản chào hỏi."},
		{"content": "Kịch bản chốt đơn."},
	}}
	require.Equal(t, http.StatusOK, f.admin(t, http.MethodPost, "/api/admin/companies/comp-1/context/scenarios", seed).Code)

	f.vectors.deleteN = 2
	rec := f.admin(t, http.MethodDelete, "/api/admin/companies/comp-1/context/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody(t, rec)
	assert.Equal(t, float64(2), resp["deleted_records"])
	assert.Equal(t, float64(2), resp["deleted_points"])
	assert.Equal(t, vector.Filter{CompanyID: "comp-1", DataType: vector.DataTypeKnowledgeBase},
		f.vectors.deletes[len(f.vectors.deletes)-1])

	listed := decodeBody(t, f.admin(t, http.MethodGet, "/api/admin/companies/comp-1/context/scenarios", nil))
	assert.Equal(t, float64(0), listed["count"])
}

func TestContextUnknownKind(t *testing.T) {
	f := newFixture(t, nil)
	f.createCompany(t, "comp-1", store.IndustryHotel)

	rec := f.admin(t, http.MethodGet, "/api/admin/companies/comp-1/context/rumors", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apierr.CodeMissingRequiredField, decodeBody(t, rec)["error"])
}

func TestContextWriteUnknownCompany(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.admin(t, http.MethodPost, "/api/admin/companies/comp-404/context/faqs",
		map[string]any{"items": []map[string]any{{"content": "x"}}})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apierr.CodeCompanyNotFound, decodeBody(t, rec)["error"])
	assert.Empty(t, f.vectors.upserts)
}
