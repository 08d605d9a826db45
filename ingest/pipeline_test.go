package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saleschat/aiservice/ai/core/embedding"
	"github.com/saleschat/aiservice/ai/vector"
	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/store"
)

type stubEmbeddings struct {
	dims  int
	err   error
	calls int
	texts []string
}

func (s *stubEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *stubEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.calls++
	s.texts = texts
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, s.dims)
		vec[0] = float32(i + 1)
		out[i] = vec
	}
	return out, nil
}

func (s *stubEmbeddings) Dimensions() int { return s.dims }

type captureVectorStore struct {
	upserts     [][]vector.Entry
	deletes     []vector.Filter
	upsertErr   error
	upsertCalls int
}

func (c *captureVectorStore) Init(ctx context.Context) error { return nil }

func (c *captureVectorStore) Upsert(ctx context.Context, entries []vector.Entry) error {
	c.upsertCalls++
	if c.upsertErr != nil {
		return c.upsertErr
	}
	c.upserts = append(c.upserts, entries)
	return nil
}

func (c *captureVectorStore) Search(ctx context.Context, query vector.SearchQuery) ([]vector.SearchResult, error) {
	return nil, nil
}

func (c *captureVectorStore) Delete(ctx context.Context, filter vector.Filter) (int, error) {
	c.deletes = append(c.deletes, filter)
	return 0, nil
}

func (c *captureVectorStore) Ping(ctx context.Context) error { return nil }
func (c *captureVectorStore) Close() error                   { return nil }

func serveFile(t *testing.T, contentType string, body []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestPipeline(chat, vision JSONChatter, serviceURL string, emb embedding.Service, vectors vector.Store) *Pipeline {
	return NewPipeline(PipelineConfig{
		Fetcher:     NewFetcher(FetcherConfig{}),
		Extractor:   NewExtractor(ExtractorConfig{Chat: chat, Vision: vision, ServiceURL: serviceURL}),
		Embedder:    emb,
		Vectors:     vectors,
		Collection:  "saleschat_vectors",
		Model:       "text-embedding-3-small",
		BackoffBase: time.Millisecond,
	})
}

func TestPipelineCatalogRun(t *testing.T) {
	files := serveFile(t, "text/plain; charset=utf-8", []byte("Phở bò 65k\nTrà đá 5k"))
	chat := &stubChatter{response: `{"language": "vi", "items": [
		{"name": "Phở bò", "category": "Món chính", "price": 65000, "unit": "tô"},
		{"name": "Trà đá", "category": "Đồ uống", "price": 5000}
	]}`}
	emb := &stubEmbeddings{dims: 4}
	vectors := &captureVectorStore{}

	p := newTestPipeline(chat, nil, "", emb, vectors)
	task := &store.Task{
		ID:           "task-1",
		CompanyID:    "comp-1",
		FileID:       "file-9",
		FileURL:      files.URL + "/menu.txt",
		Industry:     "restaurant",
		DataType:     "products",
		FileMetadata: map[string]any{"language": "vi"},
	}

	result, err := p.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ChunksCreated)
	assert.Equal(t, "saleschat_vectors", result.Collection)
	assert.Equal(t, 4, result.VectorDimensions)
	assert.Equal(t, "text-embedding-3-small", result.EmbeddingModel)

	require.Len(t, vectors.deletes, 1)
	assert.Equal(t, vector.Filter{CompanyID: "comp-1", FileID: "file-9"}, vectors.deletes[0])

	require.Len(t, vectors.upserts, 1)
	entries := vectors.upserts[0]
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, PointID("comp-1", "file-9", 0), entry.PointID)
	assert.Equal(t, "comp-1", entry.CompanyID)
	assert.Equal(t, "products", entry.DataType)
	assert.Equal(t, "vi", entry.Language)
	assert.Equal(t, "restaurant", entry.Industry)
	assert.Equal(t, "file-9", entry.FileID)
	assert.Equal(t, []string{"uncategorized"}, entry.Tags)
	assert.Contains(t, entry.ContentForEmbedding, "Phở bò")
	assert.Contains(t, entry.ContentForEmbedding, "65000 VND")
	assert.Equal(t, []float32{1, 0, 0, 0}, entry.Vector)

	assert.Equal(t, []string{entry.ContentForEmbedding}, emb.texts)
}

func TestPipelineKnowledgeRun(t *testing.T) {
	files := serveFile(t, "text/markdown", []byte("# Về chúng tôi\n..."))
	chat := &stubChatter{response: `{"language": "vi", "document": "Giới thiệu.\n\n## Giờ mở cửa\n\nMở cửa 9h-22h."}`}
	emb := &stubEmbeddings{dims: 3}
	vectors := &captureVectorStore{}

	p := newTestPipeline(chat, nil, "", emb, vectors)
	task := &store.Task{
		ID:        "task-2",
		CompanyID: "comp-1",
		FileURL:   files.URL + "/about.md",
		Industry:  "restaurant",
		DataType:  "knowledge_base",
	}

	result, err := p.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ChunksCreated)

	// No file id: nothing to replace, point ids key off the task id.
	assert.Empty(t, vectors.deletes)
	require.Len(t, vectors.upserts, 1)
	entries := vectors.upserts[0]
	require.Len(t, entries, 2)
	assert.Equal(t, PointID("comp-1", "task-2", 0), entries[0].PointID)
	assert.Equal(t, "knowledge_base", entries[0].DataType)
	assert.Nil(t, entries[0].StructuredData)
	assert.Equal(t, "Giờ mở cửa", entries[1].StructuredData["heading"])
}

func TestPipelineEmbedFailure(t *testing.T) {
	files := serveFile(t, "text/plain", []byte("menu"))
	chat := &stubChatter{response: `{"language": "vi", "items": [{"name": "Phở bò"}]}`}
	emb := &stubEmbeddings{dims: 4, err: context.DeadlineExceeded}
	vectors := &captureVectorStore{}

	p := newTestPipeline(chat, nil, "", emb, vectors)
	task := &store.Task{ID: "task-3", CompanyID: "comp-1", FileID: "file-1", FileURL: files.URL + "/menu.txt", DataType: "products"}

	_, err := p.Run(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeEmbeddingFailed, apierr.FromError(err).Code)
	assert.Equal(t, 3, emb.calls)
	assert.Empty(t, vectors.deletes)
	assert.Zero(t, vectors.upsertCalls)
}

func TestPipelineExtractorServiceRecovers(t *testing.T) {
	files := serveFile(t, "application/pdf", []byte("%PDF-1.7 fake"))

	var hits atomic.Int32
	extractSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"text": "Quyền lợi bảo hiểm chi trả 100% viện phí."}`))
	}))
	defer extractSrv.Close()

	chat := &stubChatter{response: `{"language": "vi", "document": "## Quyền lợi\n\nChi trả 100% viện phí."}`}
	emb := &stubEmbeddings{dims: 4}
	vectors := &captureVectorStore{}

	p := newTestPipeline(chat, nil, extractSrv.URL, emb, vectors)
	task := &store.Task{ID: "task-4", CompanyID: "comp-2", FileID: "file-2", FileURL: files.URL + "/policy.pdf", Industry: "insurance", DataType: "knowledge_base"}

	result, err := p.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 1, chat.calls)
	assert.Equal(t, 1, result.ChunksCreated)
}

func TestPipelineMalformedExtraction(t *testing.T) {
	files := serveFile(t, "text/plain", []byte("menu"))
	chat := &stubChatter{response: "sorry, no items here"}
	vectors := &captureVectorStore{}

	p := newTestPipeline(chat, nil, "", &stubEmbeddings{dims: 4}, vectors)
	task := &store.Task{ID: "task-5", CompanyID: "comp-1", FileURL: files.URL + "/menu.txt", DataType: "products"}

	_, err := p.Run(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInternal, apierr.FromError(err).Code)
	assert.Equal(t, 1, chat.calls)
	assert.Zero(t, vectors.upsertCalls)
}

func TestPipelineNoItems(t *testing.T) {
	files := serveFile(t, "text/plain", []byte("trang trống"))
	chat := &stubChatter{response: `{"language": "vi", "items": []}`}

	p := newTestPipeline(chat, nil, "", &stubEmbeddings{dims: 4}, &captureVectorStore{})
	task := &store.Task{ID: "task-6", CompanyID: "comp-1", FileURL: files.URL + "/menu.txt", DataType: "products"}

	_, err := p.Run(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeExtractionDataNotFound, apierr.FromError(err).Code)
}

func TestPipelineBlankDocument(t *testing.T) {
	files := serveFile(t, "text/plain", []byte("   \n  "))
	chat := &stubChatter{response: `{"items": []}`}

	p := newTestPipeline(chat, nil, "", &stubEmbeddings{dims: 4}, &captureVectorStore{})
	task := &store.Task{ID: "task-7", CompanyID: "comp-1", FileURL: files.URL + "/empty.txt", DataType: "products"}

	_, err := p.Run(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeExtractionDataNotFound, apierr.FromError(err).Code)
	assert.Zero(t, chat.calls)
}

func TestPipelineUnsupportedType(t *testing.T) {
	files := serveFile(t, "application/zip", []byte("PK\x03\x04"))
	chat := &stubChatter{response: `{"items": []}`}

	p := newTestPipeline(chat, nil, "", &stubEmbeddings{dims: 4}, &captureVectorStore{})
	task := &store.Task{ID: "task-8", CompanyID: "comp-1", FileURL: files.URL + "/archive.zip", DataType: "products"}

	_, err := p.Run(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeUnsupportedFileType, apierr.FromError(err).Code)
	assert.Zero(t, chat.calls)
}

func TestPipelineUpsertFailure(t *testing.T) {
	files := serveFile(t, "text/plain", []byte("menu"))
	chat := &stubChatter{response: `{"language": "vi", "items": [{"name": "Phở bò"}]}`}
	vectors := &captureVectorStore{upsertErr: context.DeadlineExceeded}

	p := newTestPipeline(chat, nil, "", &stubEmbeddings{dims: 4}, vectors)
	task := &store.Task{ID: "task-9", CompanyID: "comp-1", FileID: "file-3", FileURL: files.URL + "/menu.txt", DataType: "products"}

	_, err := p.Run(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeVectorStoreFailed, apierr.FromError(err).Code)
	assert.Equal(t, 3, vectors.upsertCalls)
	assert.Len(t, vectors.deletes, 1)
}

func TestPipelineImageRun(t *testing.T) {
	files := serveFile(t, "image/png", pngBytes(t, 8, 8))
	chat := &stubChatter{response: `{"items": []}`}
	vision := &stubChatter{response: `{"language": "vi", "items": [{"name": "Cơm tấm", "price": 45000}]}`}
	emb := &stubEmbeddings{dims: 4}
	vectors := &captureVectorStore{}

	p := newTestPipeline(chat, vision, "", emb, vectors)
	task := &store.Task{ID: "task-10", CompanyID: "comp-1", FileID: "file-4", FileURL: files.URL + "/menu.png", Industry: "restaurant", DataType: "products"}

	result, err := p.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ChunksCreated)
	assert.Equal(t, 1, vision.calls)
	assert.Zero(t, chat.calls)
	require.Len(t, vision.messages, 2)
	assert.True(t, len(vision.messages[1].ImageURL) > len("data:image/jpeg;base64,"))
}
