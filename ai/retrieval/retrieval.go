// Package retrieval turns a natural-language query into the ranked entry
// list and the bounded context block carried into the chat prompt.
package retrieval

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/saleschat/aiservice/ai/vector"
	"github.com/saleschat/aiservice/internal/apierr"
)

const (
	// DefaultLimit is the top-K applied when the caller leaves Limit unset.
	DefaultLimit = 5

	// DefaultMinScore is the similarity threshold applied when the caller
	// leaves MinScore unset.
	DefaultMinScore = 0.7

	// MaxContextBytes bounds the formatted context block. Entries past the
	// budget are dropped; the entry crossing it is cut at a sentence
	// boundary.
	MaxContextBytes = 8 * 1024

	// maxQueryLength bounds the embedded query text.
	maxQueryLength = 1000

	snippetSeparator = "\n\n"
)

// Embedder is the slice of the embedding service this package needs. Both
// the raw service and the caching wrapper satisfy it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever runs the query-to-entries half of retrieval-augmented
// generation: embed the query, search the tenant's vectors, hand back the
// ranked hits.
type Retriever struct {
	embedder Embedder
	store    vector.Store
}

// Options parametrizes one retrieval.
type Options struct {
	Logger    *slog.Logger
	CompanyID string
	Query     string
	// Language filters entries to one language. "auto" or empty disables
	// the filter.
	Language string
	// DataTypes raise the score of matching entries without excluding
	// others.
	DataTypes []string
	RequestID string
	// Limit caps the result list; <= 0 means DefaultLimit.
	Limit int
	// MinScore drops weaker hits; <= 0 means DefaultMinScore.
	MinScore float64
}

func NewRetriever(embedder Embedder, store vector.Store) *Retriever {
	return &Retriever{
		embedder: embedder,
		store:    store,
	}
}

// Retrieve embeds the query and returns the tenant's matching entries,
// ordered by score descending. An embedder failure surfaces as
// EMBEDDING_FAILED; there is no degraded lexical or hash-vector path.
func (r *Retriever) Retrieve(ctx context.Context, opts *Options) ([]vector.SearchResult, error) {
	if opts == nil || opts.CompanyID == "" {
		return nil, errors.New("company id required")
	}
	if strings.TrimSpace(opts.Query) == "" {
		return nil, errors.New("query required")
	}
	if len(opts.Query) > maxQueryLength {
		return nil, errors.Errorf("query too long: %d characters (max %d)", len(opts.Query), maxQueryLength)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = DefaultMinScore
	}

	queryVector, err := r.embedder.Embed(ctx, opts.Query)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to embed query",
			"request_id", opts.RequestID,
			"company_id", opts.CompanyID,
			"query_length", len(opts.Query),
			"error", err,
		)
		return nil, apierr.Wrap(err, apierr.CodeEmbeddingFailed, "embed query failed")
	}

	results, err := r.store.Search(ctx, vector.SearchQuery{
		CompanyID: opts.CompanyID,
		Vector:    queryVector,
		Language:  normalizeLanguage(opts.Language),
		DataTypes: opts.DataTypes,
		Limit:     limit,
		MinScore:  minScore,
	})
	if err != nil {
		logger.ErrorContext(ctx, "Vector search failed",
			"request_id", opts.RequestID,
			"company_id", opts.CompanyID,
			"error", err,
		)
		return nil, apierr.Wrap(err, apierr.CodeVectorStoreFailed, "vector search failed")
	}

	topScore := 0.0
	if len(results) > 0 {
		topScore = results[0].Score
	}
	logger.InfoContext(ctx, "Retrieval completed",
		"request_id", opts.RequestID,
		"company_id", opts.CompanyID,
		"result_count", len(results),
		"top_score", topScore,
	)

	return results, nil
}

// FormatContext renders results into the prompt's context block: each
// entry's text under a provenance marker, separated by a blank line, at
// most MaxContextBytes in total. The entry crossing the budget is cut at a
// sentence boundary and everything after it is dropped.
func FormatContext(results []vector.SearchResult) string {
	var b strings.Builder
	for _, res := range results {
		content := res.Entry.ContentForEmbedding
		if strings.TrimSpace(content) == "" {
			continue
		}

		head := provenanceMarker(res.Entry) + "\n"
		if b.Len() > 0 {
			head = snippetSeparator + head
		}

		remaining := MaxContextBytes - b.Len() - len(head)
		if remaining <= 0 {
			break
		}
		if len(content) > remaining {
			content = truncateAtSentence(content, remaining)
			if content == "" {
				break
			}
			b.WriteString(head)
			b.WriteString(content)
			break
		}

		b.WriteString(head)
		b.WriteString(content)
	}
	return b.String()
}

// provenanceMarker labels a snippet with its data type and the most
// specific source id available.
func provenanceMarker(e vector.Entry) string {
	id := e.ProductID
	if id == "" {
		id = e.ServiceID
	}
	if id == "" {
		id = e.FileID
	}
	if id == "" {
		return "[" + e.DataType + "]"
	}
	return "[" + e.DataType + " · " + id + "]"
}

// truncateAtSentence returns the longest prefix of s within max bytes that
// ends on a sentence boundary, falling back to the last word boundary. The
// result is never cut mid-word; when not even one word fits it is empty.
func truncateAtSentence(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}

	sentence, word := -1, -1
	for i, r := range s {
		end := i + utf8.RuneLen(r)
		if end > max {
			break
		}
		switch r {
		case '\n', '。', '！', '？':
			sentence = end
		case '.', '!', '?':
			// A terminator inside a token ("65.000 VND") is not a
			// boundary; require trailing whitespace.
			if s[end] == ' ' || s[end] == '\n' {
				sentence = end
			}
		case ' ', '\t':
			word = i
		}
	}

	cut := sentence
	if cut <= 0 {
		cut = word
	}
	if cut <= 0 {
		return ""
	}
	return strings.TrimRight(s[:cut], " \t\n")
}

// normalizeLanguage maps the request's auto marker onto the empty string
// the store drivers read as "no language filter".
func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "auto" {
		return ""
	}
	return lang
}
