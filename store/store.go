package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/saleschat/aiservice/internal/profile"
)

// perTaskSeconds is the rough per-document processing estimate used for
// enqueue responses.
const perTaskSeconds = 15

// Store provides access to extraction tasks and tenants over the
// configured driver.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.driver.Ping(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// EnqueueTask assigns identity and timestamps, then defers to the driver
// for the dedup check and insert.
func (s *Store) EnqueueTask(ctx context.Context, task *Task) (*Task, bool, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().Unix()
	if task.CreatedTs == 0 {
		task.CreatedTs = now
	}
	task.UpdatedTs = now
	if task.Status == "" {
		task.Status = TaskPending
	}
	task.Industry = string(NormalizeIndustry(task.Industry))
	return s.driver.EnqueueTask(ctx, task)
}

// EstimateSeconds predicts the queue wait for a fresh enqueue from the
// current backlog and worker count.
func (s *Store) EstimateSeconds(ctx context.Context) int {
	pending, err := s.driver.PendingTaskCount(ctx)
	if err != nil {
		return perTaskSeconds
	}
	workers := 1
	if s.profile != nil && s.profile.IngestWorkers > 0 {
		workers = s.profile.IngestWorkers
	}
	return perTaskSeconds * (1 + pending/workers)
}

func (s *Store) ClaimTask(ctx context.Context, workerID string, visibility time.Duration) (*Task, error) {
	return s.driver.ClaimTask(ctx, workerID, visibility)
}

func (s *Store) HeartbeatTask(ctx context.Context, taskID, workerID string, visibility time.Duration) error {
	return s.driver.HeartbeatTask(ctx, taskID, workerID, visibility)
}

func (s *Store) CompleteTask(ctx context.Context, taskID string, result *TaskResult) error {
	return s.driver.CompleteTask(ctx, taskID, result)
}

func (s *Store) FailTask(ctx context.Context, taskID, message string, requeue bool) error {
	return s.driver.FailTask(ctx, taskID, message, requeue)
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	return s.driver.GetTask(ctx, taskID)
}

func (s *Store) RequeueOrphanTasks(ctx context.Context) (int, error) {
	return s.driver.RequeueOrphanTasks(ctx)
}

func (s *Store) GCTerminalTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.driver.GCTerminalTasks(ctx, olderThan)
}

func (s *Store) DeleteTasksByCompany(ctx context.Context, companyID string) (int, error) {
	return s.driver.DeleteTasksByCompany(ctx, companyID)
}

func (s *Store) PendingTaskCount(ctx context.Context) (int, error) {
	return s.driver.PendingTaskCount(ctx)
}

func (s *Store) CreateCompany(ctx context.Context, company *Company) (*Company, error) {
	if company.ID == "" {
		company.ID = uuid.NewString()
	}
	now := time.Now().Unix()
	if company.CreatedTs == 0 {
		company.CreatedTs = now
	}
	company.UpdatedTs = now
	company.Industry = NormalizeIndustry(string(company.Industry))
	return s.driver.CreateCompany(ctx, company)
}

func (s *Store) GetCompany(ctx context.Context, companyID string) (*Company, error) {
	return s.driver.GetCompany(ctx, companyID)
}

func (s *Store) DeleteCompany(ctx context.Context, companyID string) error {
	return s.driver.DeleteCompany(ctx, companyID)
}

// ReplaceContext swaps a tenant's whole context collection, assigning
// identity and timestamps to the incoming records.
func (s *Store) ReplaceContext(ctx context.Context, companyID string, kind ContextKind, records []*ContextRecord) ([]*ContextRecord, error) {
	now := time.Now().Unix()
	for _, record := range records {
		stampContext(record, companyID, kind, now)
	}
	if err := s.driver.ReplaceContext(ctx, companyID, kind, records); err != nil {
		return nil, err
	}
	return records, nil
}

// AddContext appends one record to a tenant's context collection.
func (s *Store) AddContext(ctx context.Context, companyID string, kind ContextKind, record *ContextRecord) (*ContextRecord, error) {
	stampContext(record, companyID, kind, time.Now().Unix())
	if err := s.driver.AddContext(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// ListContext returns a tenant's context collection, oldest first.
func (s *Store) ListContext(ctx context.Context, companyID string, kind ContextKind) ([]*ContextRecord, error) {
	return s.driver.ListContext(ctx, companyID, kind)
}

// DeleteContext drops a tenant's whole context collection and reports how
// many records were removed.
func (s *Store) DeleteContext(ctx context.Context, companyID string, kind ContextKind) (int, error) {
	return s.driver.DeleteContext(ctx, companyID, kind)
}

func stampContext(record *ContextRecord, companyID string, kind ContextKind, now int64) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.CompanyID = companyID
	record.Kind = kind
	if record.CreatedTs == 0 {
		record.CreatedTs = now
	}
	record.UpdatedTs = now
}
