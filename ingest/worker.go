package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saleschat/aiservice/ai/metrics"
	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/plugin/webhook"
	"github.com/saleschat/aiservice/store"
)

// Runner executes one claimed task. *Pipeline is the production runner.
type Runner interface {
	Run(ctx context.Context, task *store.Task) (*store.TaskResult, error)
}

var _ Runner = (*Pipeline)(nil)

// PoolConfig tunes the worker pool. Zero values take defaults.
type PoolConfig struct {
	Workers        int           // concurrent claim loops (default: 4)
	Visibility     time.Duration // claim lease, extended by heartbeats (default: 5m)
	PollInterval   time.Duration // idle wait after an empty claim (default: 2s)
	TaskTimeout    time.Duration // hard deadline for one task (default: 10m)
	OrphanInterval time.Duration // orphan recovery sweep period (default: 1m)
	GCInterval     time.Duration // terminal task GC sweep period (default: 1h)
	GCRetention    time.Duration // how long terminal tasks stay queryable (default: 24h)
	MaxClaims      int           // claims before a task is dropped as poisoned (default: 3)

	Metrics *metrics.PrometheusExporter
}

func (c *PoolConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Visibility <= 0 {
		c.Visibility = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
	if c.OrphanInterval <= 0 {
		c.OrphanInterval = time.Minute
	}
	if c.GCInterval <= 0 {
		c.GCInterval = time.Hour
	}
	if c.GCRetention <= 0 {
		c.GCRetention = 24 * time.Hour
	}
	if c.MaxClaims <= 0 {
		c.MaxClaims = 3
	}
}

// Pool runs the ingestion claim loops plus the recovery and GC sweeps.
// Tasks are processed by at most one worker at a time; a crashed claim
// becomes claimable again once its visibility deadline passes.
type Pool struct {
	store      *store.Store
	runner     Runner
	dispatcher webhook.Dispatcher
	cfg        PoolConfig
	logger     *slog.Logger
	host       string

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

func NewPool(st *store.Store, runner Runner, dispatcher webhook.Dispatcher, cfg PoolConfig, logger *slog.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return &Pool{
		store:      st,
		runner:     runner,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		host:       host,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the claim loops and the janitor. Starting a running pool
// is a no-op.
func (p *Pool) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s:%d:w%d", p.host, os.Getpid(), i)
		p.wg.Add(1)
		go p.runWorker(workerID)
	}
	p.wg.Add(1)
	go p.runJanitor()
	p.logger.Info("Ingest pool started",
		slog.Int("workers", p.cfg.Workers),
		slog.Duration("visibility", p.cfg.Visibility),
	)
}

// Close stops claiming and waits for in-flight tasks to finish.
func (p *Pool) Close(timeout time.Duration) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Ingest pool stopped")
		return nil
	case <-time.After(timeout):
		p.logger.Warn("Ingest pool shutdown timed out")
		return context.DeadlineExceeded
	}
}

// Running reports whether the claim loops are active.
func (p *Pool) Running() bool {
	return p.running.Load()
}

// Workers returns the configured claim loop count.
func (p *Pool) Workers() int {
	return p.cfg.Workers
}

func (p *Pool) runWorker(workerID string) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		claimCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		task, err := p.store.ClaimTask(claimCtx, workerID, p.cfg.Visibility)
		cancel()
		if err != nil {
			p.logger.Error("Task claim failed",
				slog.String("worker_id", workerID),
				slog.String("error", err.Error()))
			p.idle()
			continue
		}
		if task == nil {
			p.idle()
			continue
		}
		p.processTask(task, workerID)
	}
}

func (p *Pool) idle() {
	select {
	case <-p.stopCh:
	case <-time.After(p.cfg.PollInterval):
	}
}

func (p *Pool) processTask(task *store.Task, workerID string) {
	logger := p.logger.With(
		slog.String("task_id", task.ID),
		slog.String("worker_id", workerID),
		slog.String("company_id", task.CompanyID),
	)
	logger.Info("Task claimed", slog.Int("claim", task.Attempts))

	// A task that keeps orphaning its claims is poisoned; drop it before
	// it wedges the pool again.
	if task.Attempts > p.cfg.MaxClaims {
		p.finish(task, nil, apierr.Newf(apierr.CodeInternal, "task exceeded %d claims", p.cfg.MaxClaims), 0, logger)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TaskTimeout)
	defer cancel()

	var claimLost atomic.Bool
	hbStop := make(chan struct{})
	p.wg.Add(1)
	go p.heartbeatLoop(task.ID, workerID, hbStop, cancel, &claimLost)

	started := time.Now()
	result, err := p.runner.Run(ctx, task)
	close(hbStop)

	if claimLost.Load() {
		logger.Warn("Claim lost during processing, skipping terminal write")
		return
	}
	p.finish(task, result, err, time.Since(started), logger)
}

// heartbeatLoop extends the claim while the pipeline runs. A failed
// heartbeat means the claim was requeued and possibly re-claimed, so the
// pipeline is cancelled to avoid double writes.
func (p *Pool) heartbeatLoop(taskID, workerID string, stop <-chan struct{}, cancel context.CancelFunc, lost *atomic.Bool) {
	defer p.wg.Done()
	interval := p.cfg.Visibility / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, hbCancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.store.HeartbeatTask(ctx, taskID, workerID, p.cfg.Visibility)
			hbCancel()
			if err != nil {
				p.logger.Warn("Heartbeat failed, abandoning task",
					slog.String("task_id", taskID),
					slog.String("worker_id", workerID),
					slog.String("error", err.Error()))
				lost.Store(true)
				cancel()
				return
			}
		}
	}
}

func (p *Pool) finish(task *store.Task, result *store.TaskResult, runErr error, elapsed time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if runErr == nil {
		if err := p.store.CompleteTask(ctx, task.ID, result); err != nil {
			logger.Error("Completion write failed", slog.String("error", err.Error()))
			return
		}
		logger.Info("Task completed",
			slog.Int("chunks_created", result.ChunksCreated),
			slog.Float64("processing_time_seconds", result.ProcessingTimeSeconds))
		p.cfg.Metrics.RecordIngestTask(string(store.TaskCompleted), elapsed)
		p.sendCallback(task, result, "")
		return
	}

	msg := apierr.FromError(runErr).Error()
	if err := p.store.FailTask(ctx, task.ID, msg, false); err != nil {
		logger.Error("Failure write failed", slog.String("error", err.Error()))
		return
	}
	logger.Warn("Task failed", slog.String("error", msg))
	p.cfg.Metrics.RecordIngestTask(string(store.TaskFailed), elapsed)
	p.sendCallback(task, nil, msg)
}

// callbackData is the file.uploaded payload. Field names are part of the
// deployed contract, qdrantCollection included whatever the driver.
type callbackData struct {
	FileID           string  `json:"fileId"`
	TaskID           string  `json:"taskId"`
	Status           string  `json:"status"`
	ChunksCreated    int     `json:"chunksCreated,omitempty"`
	ProcessingTime   float64 `json:"processingTime,omitempty"`
	QdrantCollection string  `json:"qdrantCollection,omitempty"`
	VectorDimensions int     `json:"vectorDimensions,omitempty"`
	EmbeddingModel   string  `json:"embeddingModel,omitempty"`
	Error            string  `json:"error,omitempty"`
}

// sendCallback notifies the task's callback URL of the terminal state.
// Delivery is async with the dispatcher's own retries; the task record
// stays the source of truth either way.
func (p *Pool) sendCallback(task *store.Task, result *store.TaskResult, errMsg string) {
	if task.CallbackURL == "" {
		return
	}
	data := callbackData{
		FileID: task.FileID,
		TaskID: task.ID,
		Status: string(store.TaskCompleted),
		Error:  errMsg,
	}
	if errMsg != "" {
		data.Status = string(store.TaskFailed)
	}
	if result != nil {
		data.ChunksCreated = result.ChunksCreated
		data.ProcessingTime = result.ProcessingTimeSeconds
		data.QdrantCollection = result.Collection
		data.VectorDimensions = result.VectorDimensions
		data.EmbeddingModel = result.EmbeddingModel
	}
	p.dispatcher.SendAsync(webhook.Delivery{
		Method:   http.MethodPost,
		URL:      task.CallbackURL,
		Envelope: webhook.NewEnvelope(webhook.EventFileUploaded, task.CompanyID, data, nil),
	})
}

func (p *Pool) runJanitor() {
	defer p.wg.Done()
	// Recover claims stranded by a previous crash before the first tick.
	p.sweepOrphans()
	orphanTicker := time.NewTicker(p.cfg.OrphanInterval)
	defer orphanTicker.Stop()
	gcTicker := time.NewTicker(p.cfg.GCInterval)
	defer gcTicker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-orphanTicker.C:
			p.sweepOrphans()
		case <-gcTicker.C:
			p.sweepTerminal()
		}
	}
}

func (p *Pool) sweepOrphans() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := p.store.RequeueOrphanTasks(ctx)
	if err != nil {
		p.logger.Error("Orphan sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		p.logger.Info("Requeued orphan tasks", slog.Int("count", n))
		for i := 0; i < n; i++ {
			p.cfg.Metrics.RecordIngestTask("requeued", 0)
		}
	}
}

func (p *Pool) sweepTerminal() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := p.store.GCTerminalTasks(ctx, p.cfg.GCRetention)
	if err != nil {
		p.logger.Error("Terminal task GC failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		p.logger.Info("Dropped expired terminal tasks", slog.Int("count", n))
	}
}
