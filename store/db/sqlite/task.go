package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/store"
)

const taskColumns = "id, company_id, file_id, file_url, industry, data_type, callback_url, file_metadata, status, attempts, claimed_by, visibility_deadline, error, result, created_ts, updated_ts"

func (d *DB) EnqueueTask(ctx context.Context, task *store.Task) (*store.Task, bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if task.FileID != "" {
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM task
			WHERE company_id = ? AND file_id = ? AND status IN ('pending', 'processing')
			ORDER BY created_ts
			LIMIT 1`,
			task.CompanyID, task.FileID,
		)
		existing, err := scanTask(row)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, errors.Wrap(err, "failed to check for duplicate task")
		}
	}

	metadata, err := marshalMetadata(task.FileMetadata)
	if err != nil {
		return nil, false, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		task.ID, task.CompanyID, task.FileID, task.FileURL, task.Industry, task.DataType,
		task.CallbackURL, metadata, task.Status, task.Attempts, task.ClaimedBy,
		task.VisibilityDeadline, task.Error, task.CreatedTs, task.UpdatedTs,
	); err != nil {
		return nil, false, errors.Wrap(err, "failed to insert task")
	}

	if err := tx.Commit(); err != nil {
		return nil, false, errors.Wrap(err, "failed to commit transaction")
	}

	return task, false, nil
}

func (d *DB) ClaimTask(ctx context.Context, workerID string, visibility time.Duration) (*store.Task, error) {
	now := time.Now().Unix()
	deadline := now + int64(visibility.Seconds())

	// The nested select picks the oldest pending task and the update claims it.
	// With a single write connection this is atomic without SELECT ... FOR UPDATE.
	row := d.db.QueryRowContext(ctx, `
		UPDATE task
		SET status = 'processing', claimed_by = ?, visibility_deadline = ?, attempts = attempts + 1, updated_ts = ?
		WHERE id = (SELECT id FROM task WHERE status = 'pending' ORDER BY created_ts, id LIMIT 1)
		RETURNING `+taskColumns,
		workerID, deadline, now,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim task")
	}
	return task, nil
}

func (d *DB) HeartbeatTask(ctx context.Context, taskID, workerID string, visibility time.Duration) error {
	deadline := time.Now().Unix() + int64(visibility.Seconds())
	result, err := d.db.ExecContext(ctx, `
		UPDATE task
		SET visibility_deadline = ?, updated_ts = ?
		WHERE id = ? AND claimed_by = ? AND status = 'processing'`,
		deadline, time.Now().Unix(), taskID, workerID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to extend task visibility")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Errorf("task %s is no longer claimed by %s", taskID, workerID)
	}
	return nil
}

func (d *DB) CompleteTask(ctx context.Context, taskID string, result *store.TaskResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to marshal task result")
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE task
		SET status = 'completed', result = ?, claimed_by = '', visibility_deadline = 0, error = '', updated_ts = ?
		WHERE id = ?`,
		string(encoded), time.Now().Unix(), taskID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to complete task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.ErrTaskNotFound
	}
	return nil
}

func (d *DB) FailTask(ctx context.Context, taskID, message string, requeue bool) error {
	status := store.TaskFailed
	if requeue {
		status = store.TaskPending
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE task
		SET status = ?, claimed_by = '', visibility_deadline = 0, error = ?, updated_ts = ?
		WHERE id = ?`,
		status, message, time.Now().Unix(), taskID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to fail task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.ErrTaskNotFound
	}
	return nil
}

func (d *DB) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.ErrTaskNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task")
	}
	return task, nil
}

func (d *DB) RequeueOrphanTasks(ctx context.Context) (int, error) {
	result, err := d.db.ExecContext(ctx, `
		UPDATE task
		SET status = 'pending', claimed_by = '', visibility_deadline = 0, updated_ts = ?
		WHERE status = 'processing' AND visibility_deadline > 0 AND visibility_deadline < ?`,
		time.Now().Unix(), time.Now().Unix(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue orphan tasks")
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (d *DB) GCTerminalTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	result, err := d.db.ExecContext(ctx, `
		DELETE FROM task
		WHERE status IN ('completed', 'failed') AND updated_ts < ?`,
		cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete terminal tasks")
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (d *DB) DeleteTasksByCompany(ctx context.Context, companyID string) (int, error) {
	result, err := d.db.ExecContext(ctx, `DELETE FROM task WHERE company_id = ?`, companyID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete tasks by company")
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (d *DB) PendingTaskCount(ctx context.Context) (int, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task WHERE status = 'pending'`).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count pending tasks")
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.Task, error) {
	task := &store.Task{}
	var metadata string
	var result sql.NullString
	if err := row.Scan(
		&task.ID,
		&task.CompanyID,
		&task.FileID,
		&task.FileURL,
		&task.Industry,
		&task.DataType,
		&task.CallbackURL,
		&metadata,
		&task.Status,
		&task.Attempts,
		&task.ClaimedBy,
		&task.VisibilityDeadline,
		&task.Error,
		&result,
		&task.CreatedTs,
		&task.UpdatedTs,
	); err != nil {
		return nil, err
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &task.FileMetadata); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal file metadata")
		}
	}
	if result.Valid && result.String != "" {
		task.Result = &store.TaskResult{}
		if err := json.Unmarshal([]byte(result.String), task.Result); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal task result")
		}
	}
	return task, nil
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal file metadata")
	}
	return string(encoded), nil
}
