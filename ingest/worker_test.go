package ingest

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/internal/profile"
	"github.com/saleschat/aiservice/plugin/webhook"
	"github.com/saleschat/aiservice/store"
	"github.com/saleschat/aiservice/store/db/sqlite"
)

type stubRunner struct {
	result *store.TaskResult
	err    error

	mu    sync.Mutex
	calls int
	tasks []*store.Task
}

func (r *stubRunner) Run(ctx context.Context, task *store.Task) (*store.TaskResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.tasks = append(r.tasks, task)
	return r.result, r.err
}

func (r *stubRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type captureDispatcher struct {
	mu         sync.Mutex
	deliveries []webhook.Delivery
}

func (d *captureDispatcher) record(del webhook.Delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, del)
}

func (d *captureDispatcher) Send(ctx context.Context, del webhook.Delivery) error {
	d.record(del)
	return nil
}

func (d *captureDispatcher) SendAsync(del webhook.Delivery) { d.record(del) }

func (d *captureDispatcher) Fanout(ctx context.Context, deliveries []webhook.Delivery) {
	for _, del := range deliveries {
		d.record(del)
	}
}

func (d *captureDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deliveries)
}

func (d *captureDispatcher) last() webhook.Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deliveries[len(d.deliveries)-1]
}

func newWorkerStore(t *testing.T) *store.Store {
	t.Helper()
	p := &profile.Profile{QueueDSN: filepath.Join(t.TempDir(), "queue.db")}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func waitForStatus(t *testing.T, st *store.Store, taskID string, want store.TaskStatus) *store.Task {
	t.Helper()
	var got *store.Task
	require.Eventually(t, func() bool {
		task, err := st.GetTask(context.Background(), taskID)
		if err != nil || task.Status != want {
			return false
		}
		got = task
		return true
	}, 3*time.Second, 10*time.Millisecond)
	return got
}

func TestPoolCompletesTask(t *testing.T) {
	st := newWorkerStore(t)
	runner := &stubRunner{result: &store.TaskResult{
		ChunksCreated:         3,
		ProcessingTimeSeconds: 1.25,
		Collection:            "saleschat_vectors",
		VectorDimensions:      1536,
		EmbeddingModel:        "text-embedding-3-small",
	}}
	dispatcher := &captureDispatcher{}

	task, _, err := st.EnqueueTask(context.Background(), &store.Task{
		CompanyID:   "comp-1",
		FileID:      "file-1",
		FileURL:     "http://files.local/menu.pdf",
		Industry:    "restaurant",
		DataType:    "products",
		CallbackURL: "http://backend.local/api/webhooks/ai/file",
	})
	require.NoError(t, err)

	pool := NewPool(st, runner, dispatcher, PoolConfig{Workers: 1, PollInterval: 10 * time.Millisecond}, nil)
	pool.Start()
	defer pool.Close(time.Second)

	got := waitForStatus(t, st, task.ID, store.TaskCompleted)
	require.NotNil(t, got.Result)
	assert.Equal(t, 3, got.Result.ChunksCreated)
	assert.Equal(t, 1, runner.callCount())

	require.Eventually(t, func() bool { return dispatcher.count() == 1 }, time.Second, 10*time.Millisecond)
	del := dispatcher.last()
	assert.Equal(t, http.MethodPost, del.Method)
	assert.Equal(t, "http://backend.local/api/webhooks/ai/file", del.URL)
	assert.Equal(t, webhook.EventFileUploaded, del.Envelope.Event)
	assert.Equal(t, "comp-1", del.Envelope.CompanyID)

	data := del.Envelope.Data.(callbackData)
	assert.Equal(t, "completed", data.Status)
	assert.Equal(t, task.ID, data.TaskID)
	assert.Equal(t, "file-1", data.FileID)
	assert.Equal(t, 3, data.ChunksCreated)
	assert.Equal(t, 1.25, data.ProcessingTime)
	assert.Equal(t, "saleschat_vectors", data.QdrantCollection)
	assert.Equal(t, 1536, data.VectorDimensions)
	assert.Equal(t, "text-embedding-3-small", data.EmbeddingModel)
	assert.Empty(t, data.Error)
}

func TestPoolFailsTask(t *testing.T) {
	st := newWorkerStore(t)
	runner := &stubRunner{err: apierr.New(apierr.CodeEmbeddingFailed, "embed chunks")}
	dispatcher := &captureDispatcher{}

	task, _, err := st.EnqueueTask(context.Background(), &store.Task{
		CompanyID:   "comp-1",
		FileID:      "file-2",
		FileURL:     "http://files.local/menu.pdf",
		DataType:    "products",
		CallbackURL: "http://backend.local/api/webhooks/ai/file",
	})
	require.NoError(t, err)

	pool := NewPool(st, runner, dispatcher, PoolConfig{Workers: 1, PollInterval: 10 * time.Millisecond}, nil)
	pool.Start()
	defer pool.Close(time.Second)

	got := waitForStatus(t, st, task.ID, store.TaskFailed)
	assert.Contains(t, got.Error, "EMBEDDING_FAILED")
	assert.Nil(t, got.Result)

	require.Eventually(t, func() bool { return dispatcher.count() == 1 }, time.Second, 10*time.Millisecond)
	data := dispatcher.last().Envelope.Data.(callbackData)
	assert.Equal(t, "failed", data.Status)
	assert.Contains(t, data.Error, "EMBEDDING_FAILED")
	assert.Zero(t, data.ChunksCreated)
}

func TestPoolDropsPoisonedTask(t *testing.T) {
	st := newWorkerStore(t)
	runner := &stubRunner{result: &store.TaskResult{ChunksCreated: 1}}

	task, _, err := st.EnqueueTask(context.Background(), &store.Task{
		CompanyID: "comp-1",
		FileID:    "file-3",
		FileURL:   "http://files.local/menu.pdf",
		DataType:  "products",
	})
	require.NoError(t, err)

	// Simulate a worker that claimed the task and crashed.
	claimed, err := st.ClaimTask(context.Background(), "crashed-worker", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, st.FailTask(context.Background(), claimed.ID, "worker crashed", true))

	pool := NewPool(st, runner, &captureDispatcher{}, PoolConfig{Workers: 1, PollInterval: 10 * time.Millisecond, MaxClaims: 1}, nil)
	pool.Start()
	defer pool.Close(time.Second)

	got := waitForStatus(t, st, task.ID, store.TaskFailed)
	assert.Contains(t, got.Error, "exceeded 1 claims")
	assert.Zero(t, runner.callCount())
}

func TestPoolClose(t *testing.T) {
	st := newWorkerStore(t)
	pool := NewPool(st, &stubRunner{}, &captureDispatcher{}, PoolConfig{Workers: 2, PollInterval: 10 * time.Millisecond}, nil)
	pool.Start()

	require.NoError(t, pool.Close(time.Second))
	assert.NoError(t, pool.Close(time.Second))
}
