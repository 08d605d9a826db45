package ingest

import (
	"github.com/saleschat/aiservice/ai/vector"
	"github.com/saleschat/aiservice/store"
)

// Mode separates the two extraction contracts: catalog extraction
// enumerates items, knowledge extraction returns a cleaned markdown
// document.
type Mode int

const (
	ModeCatalog Mode = iota
	ModeKnowledge
)

// ModeFor maps a data type tag onto its extraction contract. Products and
// services are catalogs; everything else is knowledge.
func ModeFor(dataType string) Mode {
	switch vector.NormalizeDataType(dataType) {
	case vector.DataTypeProducts, vector.DataTypeServices:
		return ModeCatalog
	}
	return ModeKnowledge
}

// Template is one extraction recipe: the instruction block sent to the
// model and the JSON shape it must emit.
type Template interface {
	// Name identifies the template in logs.
	Name() string
	// Prompt is the complete system prompt, schema included.
	Prompt() string
	// Schema is the JSON contract the model must satisfy.
	Schema() string
}

type template struct {
	name   string
	prompt string
	schema string
}

func (t *template) Name() string   { return t.name }
func (t *template) Prompt() string { return t.prompt }
func (t *template) Schema() string { return t.schema }

var _ Template = (*template)(nil)

const catalogSchema = `{"language": "vi", "items": [{"name": "", "category": "", "price": 0, "unit": "", "description": "", "attributes": {}}]}`

const knowledgeSchema = `{"language": "vi", "document": ""}`

const catalogRules = `Rules:
- "category" groups related items; reuse the document's own section names when present.
- "price" is a plain number in VND without separators; omit it when no price is stated.
- "attributes" holds remaining key details as short strings.
- "language" is the dominant language of the document ("vi" or "en").
- Never invent items or values.`

const genericCatalogPrompt = `You are a data extraction engine. Enumerate every product or service the document lists.
Reply with a single JSON object and nothing else, using exactly this schema:`

const restaurantMenuPrompt = `You are a data extraction engine. The document is a restaurant menu. Enumerate every dish and drink, keeping the menu's own sections (khai vị, món chính, tráng miệng, đồ uống, ...) as categories.
Reply with a single JSON object and nothing else, using exactly this schema:`

const hotelServicesPrompt = `You are a data extraction engine. The document describes hotel rooms and services. Enumerate every room type and bookable service with its rate; use room class or service group as the category.
Reply with a single JSON object and nothing else, using exactly this schema:`

const insurancePoliciesPrompt = `You are a data extraction engine. The document describes insurance products. Enumerate every policy or package; put coverage, term, and premium details into "attributes".
Reply with a single JSON object and nothing else, using exactly this schema:`

const bankingProductsPrompt = `You are a data extraction engine. The document describes banking products. Enumerate every product (accounts, cards, loans, deposits); put interest rates, terms, and fees into "attributes".
Reply with a single JSON object and nothing else, using exactly this schema:`

const genericKnowledgePrompt = `You are a data extraction engine. Rewrite the document as clean markdown that reads well on its own.
Reply with a single JSON object and nothing else, using exactly this schema:`

const knowledgeRules = `Rules:
- Keep every fact, number, and name exactly as written; never summarize away details.
- Keep the document's original language.
- Start each topic with a "## " heading; keep related paragraphs under it.
- For question-and-answer content, make each question a "## " heading with the answer below it.
- Drop page numbers, navigation text, and other boilerplate.
- "language" is the dominant language of the document ("vi" or "en").`

type templateKey struct {
	industry store.Industry
	dataType string
}

// TemplateSet resolves (industry, data type) to a template, falling back
// to the mode's generic template when no specialization exists.
type TemplateSet struct {
	byKey            map[templateKey]Template
	genericCatalog   Template
	genericKnowledge Template
}

// DefaultTemplates builds the stock registry.
func DefaultTemplates() *TemplateSet {
	catalog := func(name, prompt string) Template {
		return &template{name: name, prompt: prompt + "\n" + catalogSchema + "\n" + catalogRules, schema: catalogSchema}
	}
	s := &TemplateSet{
		byKey:          make(map[templateKey]Template),
		genericCatalog: catalog("generic_catalog", genericCatalogPrompt),
		genericKnowledge: &template{
			name:   "generic_knowledge",
			prompt: genericKnowledgePrompt + "\n" + knowledgeSchema + "\n" + knowledgeRules,
			schema: knowledgeSchema,
		},
	}
	s.register(store.IndustryRestaurant, vector.DataTypeProducts, catalog("restaurant_menu", restaurantMenuPrompt))
	s.register(store.IndustryHotel, vector.DataTypeServices, catalog("hotel_services", hotelServicesPrompt))
	s.register(store.IndustryInsurance, vector.DataTypeProducts, catalog("insurance_policies", insurancePoliciesPrompt))
	s.register(store.IndustryBanking, vector.DataTypeProducts, catalog("banking_products", bankingProductsPrompt))
	return s
}

func (s *TemplateSet) register(industry store.Industry, dataType string, t Template) {
	s.byKey[templateKey{industry: industry, dataType: dataType}] = t
}

// Select picks the template for a task. Industry and data type are
// normalized, so request-side aliases resolve to the same template.
func (s *TemplateSet) Select(industry store.Industry, dataType string) Template {
	key := templateKey{
		industry: store.NormalizeIndustry(string(industry)),
		dataType: vector.NormalizeDataType(dataType),
	}
	if t, ok := s.byKey[key]; ok {
		return t
	}
	if ModeFor(key.dataType) == ModeCatalog {
		return s.genericCatalog
	}
	return s.genericKnowledge
}
