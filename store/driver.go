package store

import (
	"context"
	"time"
)

// Driver is the storage backend behind the Store facade. SQLite serves
// development; Redis serves production where workers on several instances
// share one queue.
type Driver interface {
	// Task queue. EnqueueTask deduplicates on (company_id, file_id): when a
	// non-terminal task for the pair exists, it is returned with
	// deduped=true and nothing is inserted.
	EnqueueTask(ctx context.Context, task *Task) (result *Task, deduped bool, err error)

	// ClaimTask atomically moves the oldest pending task to processing and
	// stamps the claim. It returns (nil, nil) when the queue is empty.
	ClaimTask(ctx context.Context, workerID string, visibility time.Duration) (*Task, error)

	// HeartbeatTask extends the visibility deadline of a claimed task. It
	// fails when the claim was lost to an orphan requeue.
	HeartbeatTask(ctx context.Context, taskID, workerID string, visibility time.Duration) error

	CompleteTask(ctx context.Context, taskID string, result *TaskResult) error

	// FailTask records the error. With requeue=true the task returns to
	// pending (attempts preserved); otherwise it fails terminally.
	FailTask(ctx context.Context, taskID, message string, requeue bool) error

	GetTask(ctx context.Context, taskID string) (*Task, error)

	// RequeueOrphanTasks returns processing tasks whose visibility deadline
	// passed to the pending queue and reports how many were recovered.
	RequeueOrphanTasks(ctx context.Context) (int, error)

	// GCTerminalTasks deletes terminal tasks older than the retention
	// window and reports how many were dropped.
	GCTerminalTasks(ctx context.Context, olderThan time.Duration) (int, error)

	DeleteTasksByCompany(ctx context.Context, companyID string) (int, error)

	PendingTaskCount(ctx context.Context) (int, error)

	// Companies. DeleteCompany drops the tenant's context records with it.
	CreateCompany(ctx context.Context, company *Company) (*Company, error)
	GetCompany(ctx context.Context, companyID string) (*Company, error)
	DeleteCompany(ctx context.Context, companyID string) error

	// Tenant context records (basic info, FAQs, scenarios). ReplaceContext
	// swaps the whole collection; ListContext returns records oldest first.
	ReplaceContext(ctx context.Context, companyID string, kind ContextKind, records []*ContextRecord) error
	AddContext(ctx context.Context, record *ContextRecord) error
	ListContext(ctx context.Context, companyID string, kind ContextKind) ([]*ContextRecord, error)
	DeleteContext(ctx context.Context, companyID string, kind ContextKind) (int, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
