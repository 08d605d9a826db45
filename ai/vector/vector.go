// Package vector defines the vector store contract shared by the retrieval
// pipeline, the ingestion workers, and the admin context endpoints.
// Drivers live under store/vector.
package vector

import (
	"context"
	"strings"
)

// Data type tags carried by stored entries.
const (
	DataTypeProducts      = "products"
	DataTypeServices      = "services"
	DataTypeFAQ           = "faq"
	DataTypeKnowledgeBase = "knowledge_base"
	DataTypeCompanyInfo   = "company_info"
)

// NormalizeDataType maps request-side aliases (PRODUCTS, FAQ, ...) onto the
// stored lowercase tags. Unknown values pass through lowercased so a new tag
// does not require a code change to be searchable.
func NormalizeDataType(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Entry is one stored point with its full payload. ContentForEmbedding is
// the exact text the vector was produced from; StructuredData is returned to
// callers but never searched.
type Entry struct {
	PointID             string
	CompanyID           string
	DataType            string
	Language            string
	Industry            string
	FileID              string
	ProductID           string
	ServiceID           string
	Tags                []string
	ContentForEmbedding string
	StructuredData      map[string]any
	Vector              []float32
}

// SearchQuery scopes a similarity search to one tenant.
// An empty Language skips the language filter (callers map "auto" to empty).
// DataTypes raise the score of matching entries without excluding others.
type SearchQuery struct {
	CompanyID string
	Vector    []float32
	Language  string
	DataTypes []string
	Limit     int
	MinScore  float64
}

// SearchResult is one scored entry. The entry's Vector is not populated.
type SearchResult struct {
	Entry Entry
	Score float64
}

// Filter selects entries for deletion. CompanyID is required; the remaining
// fields narrow the selection and combine with AND.
type Filter struct {
	CompanyID string
	DataType  string
	FileID    string
	ProductID string
	ServiceID string
	Tag       string
}

// Store is implemented by vector store drivers (qdrant, pgvector).
type Store interface {
	// Init ensures the collection exists with the configured dimension.
	Init(ctx context.Context) error

	// Upsert writes all entries in a single batch call. Either every entry
	// is written or none is.
	Upsert(ctx context.Context, entries []Entry) error

	// Search runs a similarity search honoring the query's filters and
	// boost, dropping results below MinScore.
	Search(ctx context.Context, query SearchQuery) ([]SearchResult, error)

	// Delete removes all entries matching the filter and returns how many
	// points were removed. Deleting an empty selection is not an error.
	Delete(ctx context.Context, filter Filter) (int, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
