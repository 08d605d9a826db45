package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/saleschat/aiservice/ai/core/llm"
	"github.com/saleschat/aiservice/ai/engine"
	"github.com/saleschat/aiservice/ai/session"
	"github.com/saleschat/aiservice/ai/vector"
	"github.com/saleschat/aiservice/internal/profile"
	"github.com/saleschat/aiservice/plugin/cors"
	"github.com/saleschat/aiservice/plugin/webhook"
	"github.com/saleschat/aiservice/store"
	"github.com/saleschat/aiservice/store/db/sqlite"
)

const (
	testSecret = "secret-key"

	sampleFrame  = `{"thinking": {"intent": "SALES_INQUIRY", "persona": "sales", "reasoning": "Asks about room price.", "language": "vi"}, "intent": "SALES_INQUIRY", "language": "vi", "final_answer": "Phòng Deluxe giá 1.200.000 VND/đêm ạ."}`
	sampleAnswer = "Phòng Deluxe giá 1.200.000 VND/đêm ạ."
)

// stubLLM streams the scripted chunks, then either the error or stats.
type stubLLM struct {
	mu     sync.Mutex
	chunks []string
	err    error
	calls  int
}

func (s *stubLLM) Chat(context.Context, []llm.Message) (string, *llm.LLMCallStats, error) {
	return "", nil, errors.New("not implemented")
}

func (s *stubLLM) ChatJSON(context.Context, []llm.Message) (string, *llm.LLMCallStats, error) {
	return "", nil, errors.New("not implemented")
}

func (s *stubLLM) ChatStream(ctx context.Context, _ []llm.Message) (<-chan string, <-chan *llm.LLMCallStats, <-chan error) {
	s.mu.Lock()
	s.calls++
	chunks, failWith := s.chunks, s.err
	s.mu.Unlock()

	contentCh := make(chan string, 10)
	statsCh := make(chan *llm.LLMCallStats, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(contentCh)
		defer close(statsCh)
		defer close(errCh)

		for _, chunk := range chunks {
			if ctx.Err() != nil {
				errCh <- ctx.Err()
				return
			}
			select {
			case contentCh <- chunk:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if failWith != nil {
			errCh <- failWith
			return
		}
		statsCh <- &llm.LLMCallStats{TotalTokens: 42}
	}()

	return contentCh, statsCh, errCh
}

func (s *stubLLM) Warmup(context.Context) {}

func (s *stubLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type captureDispatcher struct {
	mu      sync.Mutex
	sends   []webhook.Delivery
	fanouts []webhook.Delivery
}

func (c *captureDispatcher) Send(_ context.Context, d webhook.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, d)
	return nil
}

func (c *captureDispatcher) SendAsync(d webhook.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, d)
}

func (c *captureDispatcher) Fanout(_ context.Context, ds []webhook.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fanouts = append(c.fanouts, ds...)
}

func (c *captureDispatcher) Sends() []webhook.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webhook.Delivery(nil), c.sends...)
}

// captureVectorStore records writes and answers deletes with deleteN.
type captureVectorStore struct {
	upserts [][]vector.Entry
	deletes []vector.Filter
	deleteN int
}

func (c *captureVectorStore) Init(context.Context) error { return nil }

func (c *captureVectorStore) Upsert(_ context.Context, entries []vector.Entry) error {
	c.upserts = append(c.upserts, entries)
	return nil
}

func (c *captureVectorStore) Search(context.Context, vector.SearchQuery) ([]vector.SearchResult, error) {
	return nil, nil
}

func (c *captureVectorStore) Delete(_ context.Context, filter vector.Filter) (int, error) {
	c.deletes = append(c.deletes, filter)
	return c.deleteN, nil
}

func (c *captureVectorStore) Ping(context.Context) error { return nil }
func (c *captureVectorStore) Close() error               { return nil }

func (c *captureVectorStore) lastUpsert() []vector.Entry {
	if len(c.upserts) == 0 {
		return nil
	}
	return c.upserts[len(c.upserts)-1]
}

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

func (s *stubEmbeddings) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
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

type stubRunner struct {
	mu     sync.Mutex
	tasks  []*store.Task
	result *store.TaskResult
	err    error
}

func (r *stubRunner) Run(_ context.Context, task *store.Task) (*store.TaskResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	if r.err != nil {
		return nil, r.err
	}
	if r.result != nil {
		return r.result, nil
	}
	return &store.TaskResult{
		ChunksCreated:         3,
		ProcessingTimeSeconds: 0.4,
		Collection:            "aiservice",
		VectorDimensions:      3,
		EmbeddingModel:        "text-embedding-3-small",
	}, nil
}

// fixture wires a service onto a fresh Echo with a sqlite store and stubbed
// collaborators. Requests go through e.ServeHTTP so routing, group auth,
// and the error handler are all exercised.
type fixture struct {
	service    *APIV1Service
	echo       *echo.Echo
	store      *store.Store
	vectors    *captureVectorStore
	embedder   *stubEmbeddings
	registry   *cors.Registry
	dispatcher *captureDispatcher
	llm        *stubLLM
	runner     *stubRunner
	profile    *profile.Profile
}

func newFixture(t *testing.T, mutateProfile func(*profile.Profile)) *fixture {
	t.Helper()

	p := &profile.Profile{
		Mode:           "dev",
		InternalAPIKey: testSecret,
		QueueDSN:       filepath.Join(t.TempDir(), "queue.db"),
	}
	if mutateProfile != nil {
		mutateProfile(p)
	}

	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	chatter := &stubLLM{chunks: []string{sampleFrame}}
	dispatcher := &captureDispatcher{}
	eng, err := engine.New(engine.Config{
		LLM:        chatter,
		Sessions:   session.NewStore(100, 20, time.Hour),
		Dispatcher: dispatcher,
		Store:      st,
		BackendURL: "https://backend.test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(5 * time.Second) })

	f := &fixture{
		store:      st,
		vectors:    &captureVectorStore{},
		embedder:   &stubEmbeddings{dims: 3},
		registry:   cors.NewRegistry(nil, time.Minute),
		dispatcher: dispatcher,
		llm:        chatter,
		runner:     &stubRunner{},
		profile:    p,
	}
	f.service = NewAPIV1Service(Config{
		Profile:  p,
		Store:    st,
		Engine:   eng,
		Vectors:  f.vectors,
		Embedder: f.embedder,
		Registry: f.registry,
		Sync:     f.runner,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	f.echo = echo.New()
	f.service.Register(f.echo)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, method, path, map[string]string{headerAPIKey: testSecret}, body)
}

func (f *fixture) internal(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, method, path, map[string]string{headerInternalKey: testSecret}, body)
}

func (f *fixture) createCompany(t *testing.T, id string, industry store.Industry) {
	t.Helper()
	_, err := f.store.CreateCompany(context.Background(), &store.Company{
		ID:       id,
		Name:     "Khách sạn Hoa Sen",
		Industry: industry,
	})
	require.NoError(t, err)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

// sseFrames splits an event-stream body into its data payloads, the
// terminator included.
func sseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, line := range strings.Split(body, "\n") {
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			frames = append(frames, payload)
		}
	}
	require.NotEmpty(t, frames, "no data frames in body: %q", body)
	return frames
}

func sseEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	frames := sseFrames(t, body)
	require.Equal(t, "[DONE]", frames[len(frames)-1], "stream must end with the terminator")

	events := make([]map[string]any, 0, len(frames)-1)
	for _, frame := range frames[:len(frames)-1] {
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(frame), &ev), "frame: %s", frame)
		events = append(events, ev)
	}
	return events
}
