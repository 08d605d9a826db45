// Package ingest turns uploaded source files into vector entries: fetch,
// extract through an industry template, chunk, embed, and upsert, with a
// callback when the task reaches a terminal state. Workers claim tasks
// from the shared queue with at-least-once semantics.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/saleschat/aiservice/ai/core/embedding"
	"github.com/saleschat/aiservice/ai/vector"
	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/store"
)

// maxSubstepAttempts bounds in-process retries of one pipeline substep.
const maxSubstepAttempts = 3

// PipelineConfig wires the pipeline's ports. Zero durations take
// defaults.
type PipelineConfig struct {
	Fetcher     *Fetcher
	Extractor   *Extractor
	Embedder    embedding.Service
	Vectors     vector.Store
	Templates   *TemplateSet  // nil takes DefaultTemplates
	Collection  string        // echoed in results and callbacks
	Model       string        // embedding model name echoed in results
	BackoffBase time.Duration // first retry delay (default: 1s)
	Logger      *slog.Logger
}

// Pipeline processes one claimed task end to end. Every transient substep
// failure is retried internally, so an error from Run is terminal.
type Pipeline struct {
	fetcher     *Fetcher
	extractor   *Extractor
	embedder    embedding.Service
	vectors     vector.Store
	templates   *TemplateSet
	collection  string
	model       string
	backoffBase time.Duration
	logger      *slog.Logger
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Templates == nil {
		cfg.Templates = DefaultTemplates()
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		fetcher:     cfg.Fetcher,
		extractor:   cfg.Extractor,
		embedder:    cfg.Embedder,
		vectors:     cfg.Vectors,
		templates:   cfg.Templates,
		collection:  cfg.Collection,
		model:       cfg.Model,
		backoffBase: cfg.BackoffBase,
		logger:      cfg.Logger,
	}
}

// Run executes the ingestion steps for one task and returns the result
// recorded on completion.
func (p *Pipeline) Run(ctx context.Context, task *store.Task) (*store.TaskResult, error) {
	start := time.Now()
	logger := p.logger.With(
		slog.String("task_id", task.ID),
		slog.String("company_id", task.CompanyID),
		slog.String("file_id", task.FileID),
	)

	var file *SourceFile
	if _, err := p.retry(ctx, logger, "fetch", func(ctx context.Context) error {
		var err error
		file, err = p.fetcher.Fetch(ctx, task.FileURL)
		return err
	}); err != nil {
		return nil, err
	}

	kind, err := DetectKind(file.ContentType, file.Name)
	if err != nil {
		return nil, err
	}

	tmpl := p.templates.Select(store.Industry(task.Industry), task.DataType)
	logger.InfoContext(ctx, "Ingest extraction starting",
		slog.String("template", tmpl.Name()),
		slog.String("file_name", file.Name),
		slog.Int("bytes", len(file.Data)),
	)

	var imageURI string
	if kind == KindImage {
		if imageURI, err = ImageDataURI(file.Data); err != nil {
			return nil, err
		}
	}

	var docText string
	if _, err := p.retry(ctx, logger, "extract_text", func(ctx context.Context) error {
		var err error
		docText, err = p.extractor.Text(ctx, file, kind)
		return err
	}); err != nil {
		return nil, err
	}
	if kind != KindImage && strings.TrimSpace(docText) == "" {
		return nil, apierr.New(apierr.CodeExtractionDataNotFound, "source file has no extractable text")
	}

	language := metadataLanguage(task.FileMetadata)
	var chunks []Chunk
	if ModeFor(task.DataType) == ModeCatalog {
		var doc *CatalogDocument
		if _, err := p.retry(ctx, logger, "extract_catalog", func(ctx context.Context) error {
			var err error
			doc, err = p.extractor.Catalog(ctx, tmpl, docText, imageURI)
			return err
		}); err != nil {
			return nil, err
		}
		if doc.Language != "" {
			language = strings.ToLower(doc.Language)
		}
		chunks = BuildCatalogChunks(doc.Items, language)
	} else {
		var doc *KnowledgeDocument
		if _, err := p.retry(ctx, logger, "extract_knowledge", func(ctx context.Context) error {
			var err error
			doc, err = p.extractor.Knowledge(ctx, tmpl, docText, imageURI)
			return err
		}); err != nil {
			return nil, err
		}
		if doc.Language != "" {
			language = strings.ToLower(doc.Language)
		}
		chunks = BuildKnowledgeChunks(doc.Document)
	}
	if len(chunks) == 0 {
		return nil, apierr.New(apierr.CodeExtractionDataNotFound, "extraction produced no chunks")
	}

	// All chunks embed or none: a partial batch would leave entries whose
	// text was never vectorized.
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	var vecs [][]float32
	if _, err := p.retry(ctx, logger, "embed", func(ctx context.Context) error {
		var err error
		vecs, err = p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return apierr.Wrap(err, apierr.CodeEmbeddingFailed, "embed chunks")
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if len(vecs) != len(chunks) {
		return nil, apierr.Newf(apierr.CodeEmbeddingFailed, "embedder returned %d vectors for %d chunks", len(vecs), len(chunks))
	}

	entries := p.buildEntries(task, chunks, vecs, language)

	// Replace the file's previous entries; stable point ids overwrite the
	// overlap, the delete clears any leftover tail from a longer run.
	if task.FileID != "" {
		if _, err := p.retry(ctx, logger, "delete_previous", func(ctx context.Context) error {
			if _, err := p.vectors.Delete(ctx, vector.Filter{CompanyID: task.CompanyID, FileID: task.FileID}); err != nil {
				return apierr.Wrap(err, apierr.CodeVectorStoreFailed, "delete previous file entries")
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if _, err := p.retry(ctx, logger, "upsert", func(ctx context.Context) error {
		if err := p.vectors.Upsert(ctx, entries); err != nil {
			return apierr.Wrap(err, apierr.CodeVectorStoreFailed, "upsert chunks")
		}
		return nil
	}); err != nil {
		return nil, err
	}

	result := &store.TaskResult{
		ChunksCreated:         len(chunks),
		ProcessingTimeSeconds: math.Round(time.Since(start).Seconds()*100) / 100,
		Collection:            p.collection,
		VectorDimensions:      p.embedder.Dimensions(),
		EmbeddingModel:        p.model,
	}
	logger.InfoContext(ctx, "Ingest completed",
		slog.Int("chunks_created", result.ChunksCreated),
		slog.Float64("processing_time_seconds", result.ProcessingTimeSeconds),
	)
	return result, nil
}

func (p *Pipeline) buildEntries(task *store.Task, chunks []Chunk, vecs [][]float32, language string) []vector.Entry {
	fileKey := task.FileID
	if fileKey == "" {
		fileKey = task.ID
	}
	dataType := vector.NormalizeDataType(task.DataType)
	industry := string(store.NormalizeIndustry(task.Industry))

	entries := make([]vector.Entry, len(chunks))
	for i, chunk := range chunks {
		entries[i] = vector.Entry{
			PointID:             PointID(task.CompanyID, fileKey, i),
			CompanyID:           task.CompanyID,
			DataType:            dataType,
			Language:            language,
			Industry:            industry,
			FileID:              task.FileID,
			Tags:                chunk.Tags,
			ContentForEmbedding: chunk.Content,
			StructuredData:      chunk.Structured,
			Vector:              vecs[i],
		}
	}
	return entries
}

// PointID derives a stable point id so re-ingesting a file overwrites its
// previous chunks instead of duplicating them.
func PointID(companyID, fileKey string, index int) string {
	name := fmt.Sprintf("%s/%s/%d", companyID, fileKey, index)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// retry runs one substep, retrying transient failures with exponential
// backoff. It reports how many attempts were made.
func (p *Pipeline) retry(ctx context.Context, logger *slog.Logger, name string, fn func(context.Context) error) (int, error) {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if attempt >= maxSubstepAttempts || !apierr.FromError(err).IsRetryable() {
			return attempt, err
		}
		delay := p.backoffBase << (attempt - 1)
		logger.WarnContext(ctx, "Ingest substep failed, retrying",
			slog.String("substep", name),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return attempt, err
		case <-time.After(delay):
		}
	}
}

func metadataLanguage(meta map[string]any) string {
	if lang, ok := meta["language"].(string); ok && lang != "" {
		return strings.ToLower(strings.TrimSpace(lang))
	}
	return "vi"
}
