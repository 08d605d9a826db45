package store

import (
	"strings"

	"github.com/saleschat/aiservice/ai/vector"
	"github.com/saleschat/aiservice/internal/apierr"
)

// ContextKind selects one of the three tenant context collections exposed
// by the admin API. Every write to a collection is mirrored into vector
// entries tagged with the kind's data type.
type ContextKind string

const (
	ContextBasicInfo ContextKind = "basic_info"
	ContextFAQs      ContextKind = "faqs"
	ContextScenarios ContextKind = "scenarios"
)

// ParseContextKind maps the URL segment (hyphenated) and the storage form
// (underscored) onto the kind.
func ParseContextKind(s string) (ContextKind, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "basic_info":
		return ContextBasicInfo, nil
	case "faqs", "faq":
		return ContextFAQs, nil
	case "scenarios", "scenario":
		return ContextScenarios, nil
	default:
		return "", apierr.Newf(apierr.CodeMissingRequiredField, "unknown context kind: %q", s)
	}
}

// DataType returns the vector data_type tag mirrored entries carry.
func (k ContextKind) DataType() string {
	switch k {
	case ContextFAQs:
		return vector.DataTypeFAQ
	case ContextScenarios:
		return vector.DataTypeKnowledgeBase
	default:
		return vector.DataTypeCompanyInfo
	}
}

// ContextRecord is one structured context item. Title holds the question
// for FAQs and the field or section name otherwise; Content holds the
// answer or body text.
type ContextRecord struct {
	ID        string
	CompanyID string
	Kind      ContextKind
	Title     string
	Content   string
	Language  string
	CreatedTs int64
	UpdatedTs int64
}

// EmbeddingText renders the record into the sentence that is embedded and
// stored as content_for_embedding.
func (r *ContextRecord) EmbeddingText() string {
	title := strings.TrimSpace(r.Title)
	content := strings.TrimSpace(r.Content)
	switch {
	case title == "":
		return content
	case content == "":
		return title
	case r.Kind == ContextFAQs:
		return "Q: " + title + "\nA: " + content
	default:
		return title + ": " + content
	}
}
