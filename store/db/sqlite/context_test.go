package sqlite

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/store"
)

func newContextRecord(companyID string, kind store.ContextKind, title, content string, createdTs int64) *store.ContextRecord {
	return &store.ContextRecord{
		ID:        uuid.NewString(),
		CompanyID: companyID,
		Kind:      kind,
		Title:     title,
		Content:   content,
		Language:  "vi",
		CreatedTs: createdTs,
		UpdatedTs: createdTs,
	}
}

func TestContextLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.ReplaceContext(ctx, "comp-1", store.ContextFAQs, []*store.ContextRecord{
		newContextRecord("comp-1", store.ContextFAQs, "Giờ mở cửa?", "9h đến 22h hằng ngày.", 100),
		newContextRecord("comp-1", store.ContextFAQs, "Có giao hàng không?", "Có, trong bán kính 5km.", 200),
	}))

	records, err := db.ListContext(ctx, "comp-1", store.ContextFAQs)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Giờ mở cửa?", records[0].Title)
	assert.Equal(t, "Có giao hàng không?", records[1].Title)

	t.Run("replace swaps the whole collection", func(t *testing.T) {
		require.NoError(t, db.ReplaceContext(ctx, "comp-1", store.ContextFAQs, []*store.ContextRecord{
			newContextRecord("comp-1", store.ContextFAQs, "Còn chỗ không?", "Vui lòng đặt bàn trước.", 300),
		}))
		records, err := db.ListContext(ctx, "comp-1", store.ContextFAQs)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "Còn chỗ không?", records[0].Title)
	})

	t.Run("add appends without touching siblings", func(t *testing.T) {
		require.NoError(t, db.AddContext(ctx, newContextRecord("comp-1", store.ContextFAQs, "Có chỗ đậu xe?", "Có hầm gửi xe.", 400)))
		records, err := db.ListContext(ctx, "comp-1", store.ContextFAQs)
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("kinds are independent", func(t *testing.T) {
		require.NoError(t, db.AddContext(ctx, newContextRecord("comp-1", store.ContextBasicInfo, "Địa chỉ", "36 Hàng Mành, Hà Nội", 100)))
		records, err := db.ListContext(ctx, "comp-1", store.ContextBasicInfo)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "Địa chỉ", records[0].Title)
	})

	t.Run("delete reports the removed count and is idempotent", func(t *testing.T) {
		n, err := db.DeleteContext(ctx, "comp-1", store.ContextFAQs)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = db.DeleteContext(ctx, "comp-1", store.ContextFAQs)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestDeleteCompanyDropsContext(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	_, err := db.CreateCompany(ctx, &store.Company{
		ID: "comp-ctx", Name: "Nhà hàng Mành", Industry: store.IndustryRestaurant, CreatedTs: 1, UpdatedTs: 1,
	})
	require.NoError(t, err)
	require.NoError(t, db.AddContext(ctx, newContextRecord("comp-ctx", store.ContextBasicInfo, "Địa chỉ", "36 Hàng Mành", 100)))

	require.NoError(t, db.DeleteCompany(ctx, "comp-ctx"))

	records, err := db.ListContext(ctx, "comp-ctx", store.ContextBasicInfo)
	require.NoError(t, err)
	assert.Empty(t, records)

	assert.ErrorIs(t, db.DeleteCompany(ctx, "comp-ctx"), apierr.ErrCompanyNotFound)
}
