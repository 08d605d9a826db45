package ingest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	// minCatalogChunkItems is the grouping threshold: a category with at
	// least this many items becomes its own chunk, smaller categories pool.
	minCatalogChunkItems = 20

	// maxKnowledgeChunkBytes bounds one knowledge chunk. Longer sections
	// split at paragraph boundaries with the heading repeated so every
	// chunk stays self-describing.
	maxKnowledgeChunkBytes = 3000

	uncategorizedTag = "uncategorized"
)

// Chunk is one vector entry in the making: the text that will be embedded
// and stored verbatim, plus the structured record kept for rendering.
type Chunk struct {
	Content    string
	Structured map[string]any
	Tags       []string
}

// CatalogItem is one extracted product or service.
type CatalogItem struct {
	Name        string         `json:"name"`
	Category    string         `json:"category,omitempty"`
	Price       float64        `json:"price,omitempty"`
	Unit        string         `json:"unit,omitempty"`
	Description string         `json:"description,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

func (i CatalogItem) record() map[string]any {
	r := map[string]any{"name": i.Name}
	if i.Category != "" {
		r["category"] = i.Category
	}
	if i.Price > 0 {
		r["price"] = i.Price
	}
	if i.Unit != "" {
		r["unit"] = i.Unit
	}
	if i.Description != "" {
		r["description"] = i.Description
	}
	if len(i.Attributes) > 0 {
		r["attributes"] = i.Attributes
	}
	return r
}

// BuildCatalogChunks groups items into chunks. A category holding at
// least minCatalogChunkItems items becomes its own chunk; smaller
// categories merge into an uncategorized pool that is batched by the same
// threshold, with a smaller final batch allowed when it is the only
// remainder.
func BuildCatalogChunks(items []CatalogItem, language string) []Chunk {
	if len(items) == 0 {
		return nil
	}

	// Group by category, keeping first-appearance order.
	groups := make(map[string][]CatalogItem)
	var order []string
	for _, item := range items {
		cat := strings.TrimSpace(item.Category)
		if _, ok := groups[cat]; !ok {
			order = append(order, cat)
		}
		groups[cat] = append(groups[cat], item)
	}

	var chunks []Chunk
	var pool []CatalogItem
	for _, cat := range order {
		group := groups[cat]
		if cat != "" && len(group) >= minCatalogChunkItems {
			chunks = append(chunks, catalogChunk(group, cat, language))
			continue
		}
		pool = append(pool, group...)
	}
	for start := 0; start < len(pool); start += minCatalogChunkItems {
		end := start + minCatalogChunkItems
		if end > len(pool) {
			end = len(pool)
		}
		chunks = append(chunks, catalogChunk(pool[start:end], "", language))
	}
	return chunks
}

func catalogChunk(items []CatalogItem, category, language string) Chunk {
	sentences := make([]string, 0, len(items))
	records := make([]map[string]any, 0, len(items))
	for _, item := range items {
		sentences = append(sentences, RenderItemSentence(item, language))
		records = append(records, item.record())
	}

	structured := map[string]any{"items": records}
	tag := uncategorizedTag
	if category != "" {
		structured["category"] = category
		tag = category
	}
	return Chunk{
		Content:    strings.Join(sentences, "\n"),
		Structured: structured,
		Tags:       []string{tag},
	}
}

// RenderItemSentence renders a structured record into the natural-language
// sentence that is embedded and stored. Vietnamese is the default form;
// an "en" language tag renders the English one.
func RenderItemSentence(item CatalogItem, language string) string {
	vi := language != "en"

	var b strings.Builder
	b.WriteString(strings.TrimSpace(item.Name))
	if cat := strings.TrimSpace(item.Category); cat != "" {
		if vi {
			b.WriteString(" thuộc nhóm " + cat)
		} else {
			b.WriteString(" in category " + cat)
		}
	}
	if item.Price > 0 {
		price := strconv.FormatFloat(item.Price, 'f', -1, 64)
		if vi {
			b.WriteString(", giá " + price + " VND")
		} else {
			b.WriteString(", priced at " + price + " VND")
		}
		if unit := strings.TrimSpace(item.Unit); unit != "" {
			b.WriteString("/" + unit)
		}
	}
	b.WriteString(".")

	if desc := strings.TrimRight(strings.TrimSpace(item.Description), "."); desc != "" {
		b.WriteString(" " + desc + ".")
	}
	if len(item.Attributes) > 0 {
		keys := make([]string, 0, len(item.Attributes))
		for k := range item.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %v", k, item.Attributes[k]))
		}
		if vi {
			b.WriteString(" Chi tiết: " + strings.Join(parts, "; ") + ".")
		} else {
			b.WriteString(" Details: " + strings.Join(parts, "; ") + ".")
		}
	}
	return b.String()
}

// BuildKnowledgeChunks splits a markdown document into standalone
// sections. Every heading starts a section; a section longer than
// maxKnowledgeChunkBytes splits at block boundaries with the heading
// repeated at the top of each continuation.
func BuildKnowledgeChunks(document string) []Chunk {
	source := []byte(document)
	root := goldmark.DefaultParser().Parse(text.NewReader(source))

	type section struct {
		heading string
		blocks  []string
	}
	var sections []section
	var cur section
	flush := func() {
		if cur.heading != "" || len(cur.blocks) > 0 {
			sections = append(sections, cur)
		}
		cur = section{}
	}
	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok {
			flush()
			cur.heading = strings.TrimSpace(blockText(h, source))
			continue
		}
		if t := blockText(n, source); t != "" {
			cur.blocks = append(cur.blocks, t)
		}
	}
	flush()

	var chunks []Chunk
	for _, sec := range sections {
		chunks = append(chunks, sectionChunks(sec.heading, sec.blocks)...)
	}
	return chunks
}

func sectionChunks(heading string, blocks []string) []Chunk {
	newChunk := func(body []string) Chunk {
		parts := body
		if heading != "" {
			parts = append([]string{heading}, body...)
		}
		c := Chunk{Content: strings.Join(parts, "\n\n")}
		if heading != "" {
			c.Structured = map[string]any{"heading": heading}
		}
		return c
	}

	if len(blocks) == 0 {
		if heading == "" {
			return nil
		}
		return []Chunk{newChunk(nil)}
	}

	var chunks []Chunk
	var body []string
	size := len(heading)
	for _, block := range blocks {
		if len(body) > 0 && size+len(block) > maxKnowledgeChunkBytes {
			chunks = append(chunks, newChunk(body))
			body = nil
			size = len(heading)
		}
		body = append(body, block)
		size += len(block) + 2
	}
	return append(chunks, newChunk(body))
}

// blockText collects the raw text of a block node. Leaf blocks own their
// source lines; container blocks (lists, quotes) are walked recursively.
func blockText(n ast.Node, source []byte) string {
	if n.Type() != ast.TypeBlock {
		return ""
	}
	if lines := n.Lines(); lines != nil && lines.Len() > 0 {
		var b strings.Builder
		for i := 0; i < lines.Len(); i++ {
			if i > 0 {
				b.WriteString("\n")
			}
			seg := lines.At(i)
			b.WriteString(strings.TrimRight(string(seg.Value(source)), "\r\n"))
		}
		return strings.TrimSpace(b.String())
	}

	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t := blockText(c, source); t != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(t)
		}
	}
	return b.String()
}
