package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/store"
)

// claimScript pops the oldest pending task, marks it processing and returns
// the full hash. Running it as one script is what makes the claim atomic
// across instances.
//
// KEYS[1] pending zset, KEYS[2] processing zset.
// ARGV[1] visibility deadline, ARGV[2] task key prefix, ARGV[3] worker id, ARGV[4] now.
var claimScript = goredis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	return false
end
local id = popped[1]
redis.call('ZADD', KEYS[2], ARGV[1], id)
local key = ARGV[2] .. id
redis.call('HSET', key, 'status', 'processing', 'claimed_by', ARGV[3], 'visibility_deadline', ARGV[1], 'updated_ts', ARGV[4])
redis.call('HINCRBY', key, 'attempts', 1)
return redis.call('HGETALL', key)
`)

// requeueScript moves every task whose visibility deadline has passed back to
// the pending zset, keyed by its original enqueue time so queue order holds.
//
// KEYS[1] processing zset, KEYS[2] pending zset.
// ARGV[1] now, ARGV[2] task key prefix.
var requeueScript = goredis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[1], id)
	local key = ARGV[2] .. id
	local created = redis.call('HGET', key, 'created_ts')
	if created then
		redis.call('ZADD', KEYS[2], tonumber(created), id)
		redis.call('HSET', key, 'status', 'pending', 'claimed_by', '', 'visibility_deadline', 0, 'updated_ts', ARGV[1])
	end
end
return #expired
`)

// heartbeatScript extends a claim only while the caller still owns it.
//
// KEYS[1] task hash, KEYS[2] processing zset.
// ARGV[1] worker id, ARGV[2] new deadline, ARGV[3] now, ARGV[4] task id.
var heartbeatScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'claimed_by') ~= ARGV[1] then
	return 0
end
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then
	return 0
end
redis.call('HSET', KEYS[1], 'visibility_deadline', ARGV[2], 'updated_ts', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[4])
return 1
`)

func (d *DB) EnqueueTask(ctx context.Context, task *store.Task) (*store.Task, bool, error) {
	fields, err := taskFields(task)
	if err != nil {
		return nil, false, err
	}

	// Write the hash first. The task stays invisible to workers until the
	// id lands in the pending zset below.
	if err := d.rdb.HSet(ctx, taskKey(task.ID), fields...).Err(); err != nil {
		return nil, false, errors.Wrap(err, "failed to write task hash")
	}

	if task.FileID != "" {
		existing, deduped, err := d.claimDedupSlot(ctx, task)
		if err != nil {
			return nil, false, err
		}
		if deduped {
			return existing, true, nil
		}
	}

	pipe := d.rdb.TxPipeline()
	pipe.ZAdd(ctx, pendingKey, goredis.Z{Score: float64(task.CreatedTs), Member: task.ID})
	pipe.SAdd(ctx, companyTasksKey(task.CompanyID), task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, errors.Wrap(err, "failed to enqueue task")
	}

	return task, false, nil
}

// claimDedupSlot reserves the per-file slot for this task. When another live
// task already holds the slot, the new hash is dropped and the holder is
// returned. Slots pointing at finished tasks are taken over.
func (d *DB) claimDedupSlot(ctx context.Context, task *store.Task) (*store.Task, bool, error) {
	slot := dedupKey(task.CompanyID, task.FileID)

	ok, err := d.rdb.SetNX(ctx, slot, task.ID, 0).Result()
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to reserve dedup slot")
	}
	if ok {
		return nil, false, nil
	}

	holderID, err := d.rdb.Get(ctx, slot).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, false, errors.Wrap(err, "failed to read dedup slot")
	}
	if holderID != "" && holderID != task.ID {
		holder, err := d.GetTask(ctx, holderID)
		if err == nil && !holder.Status.Terminal() {
			_ = d.rdb.Del(ctx, taskKey(task.ID)).Err()
			return holder, true, nil
		}
		if err != nil && !errors.Is(err, apierr.ErrTaskNotFound) {
			return nil, false, err
		}
	}

	// The slot holder is gone or finished, take the slot over.
	if err := d.rdb.Set(ctx, slot, task.ID, 0).Err(); err != nil {
		return nil, false, errors.Wrap(err, "failed to take over dedup slot")
	}
	return nil, false, nil
}

func (d *DB) ClaimTask(ctx context.Context, workerID string, visibility time.Duration) (*store.Task, error) {
	now := time.Now().Unix()
	deadline := now + int64(visibility.Seconds())

	reply, err := claimScript.Run(ctx, d.rdb, []string{pendingKey, processingKey}, deadline, taskKeyPrefix, workerID, now).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim task")
	}

	values, err := scriptReplyToMap(reply)
	if err != nil {
		return nil, err
	}
	return taskFromMap(values)
}

func (d *DB) HeartbeatTask(ctx context.Context, taskID, workerID string, visibility time.Duration) error {
	now := time.Now().Unix()
	deadline := now + int64(visibility.Seconds())

	extended, err := heartbeatScript.Run(ctx, d.rdb, []string{taskKey(taskID), processingKey}, workerID, deadline, now, taskID).Int()
	if err != nil {
		return errors.Wrap(err, "failed to extend task visibility")
	}
	if extended == 0 {
		return errors.Errorf("task %s is no longer claimed by %s", taskID, workerID)
	}
	return nil
}

func (d *DB) CompleteTask(ctx context.Context, taskID string, result *store.TaskResult) error {
	task, err := d.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to marshal task result")
	}

	now := time.Now().Unix()
	pipe := d.rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(taskID),
		"status", string(store.TaskCompleted),
		"result", string(encoded),
		"claimed_by", "",
		"visibility_deadline", 0,
		"error", "",
		"updated_ts", now,
	)
	pipe.ZRem(ctx, pendingKey, taskID)
	pipe.ZRem(ctx, processingKey, taskID)
	pipe.ZAdd(ctx, terminalKey, goredis.Z{Score: float64(now), Member: taskID})
	if task.FileID != "" {
		pipe.Del(ctx, dedupKey(task.CompanyID, task.FileID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to complete task")
	}
	return nil
}

func (d *DB) FailTask(ctx context.Context, taskID, message string, requeue bool) error {
	task, err := d.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	pipe := d.rdb.TxPipeline()
	pipe.ZRem(ctx, processingKey, taskID)
	if requeue {
		pipe.HSet(ctx, taskKey(taskID),
			"status", string(store.TaskPending),
			"claimed_by", "",
			"visibility_deadline", 0,
			"error", message,
			"updated_ts", now,
		)
		pipe.ZAdd(ctx, pendingKey, goredis.Z{Score: float64(task.CreatedTs), Member: taskID})
	} else {
		pipe.HSet(ctx, taskKey(taskID),
			"status", string(store.TaskFailed),
			"claimed_by", "",
			"visibility_deadline", 0,
			"error", message,
			"updated_ts", now,
		)
		pipe.ZRem(ctx, pendingKey, taskID)
		pipe.ZAdd(ctx, terminalKey, goredis.Z{Score: float64(now), Member: taskID})
		if task.FileID != "" {
			pipe.Del(ctx, dedupKey(task.CompanyID, task.FileID))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to fail task")
	}
	return nil
}

func (d *DB) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	values, err := d.rdb.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task")
	}
	if len(values) == 0 {
		return nil, apierr.ErrTaskNotFound
	}
	return taskFromMap(values)
}

func (d *DB) RequeueOrphanTasks(ctx context.Context) (int, error) {
	now := time.Now().Unix()
	requeued, err := requeueScript.Run(ctx, d.rdb, []string{processingKey, pendingKey}, now, taskKeyPrefix).Int()
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue orphan tasks")
	}
	return requeued, nil
}

func (d *DB) GCTerminalTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	ids, err := d.rdb.ZRangeByScore(ctx, terminalKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to list terminal tasks")
	}

	removed := 0
	for _, id := range ids {
		task, err := d.GetTask(ctx, id)
		if errors.Is(err, apierr.ErrTaskNotFound) {
			_ = d.rdb.ZRem(ctx, terminalKey, id).Err()
			continue
		}
		if err != nil {
			return removed, err
		}

		pipe := d.rdb.TxPipeline()
		pipe.Del(ctx, taskKey(id))
		pipe.ZRem(ctx, terminalKey, id)
		pipe.SRem(ctx, companyTasksKey(task.CompanyID), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, errors.Wrap(err, "failed to delete terminal task")
		}
		removed++
	}
	return removed, nil
}

func (d *DB) DeleteTasksByCompany(ctx context.Context, companyID string) (int, error) {
	ids, err := d.rdb.SMembers(ctx, companyTasksKey(companyID)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to list company tasks")
	}

	deleted := 0
	for _, id := range ids {
		task, err := d.GetTask(ctx, id)
		if errors.Is(err, apierr.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return deleted, err
		}

		pipe := d.rdb.TxPipeline()
		pipe.Del(ctx, taskKey(id))
		pipe.ZRem(ctx, pendingKey, id)
		pipe.ZRem(ctx, processingKey, id)
		pipe.ZRem(ctx, terminalKey, id)
		if task.FileID != "" {
			pipe.Del(ctx, dedupKey(companyID, task.FileID))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, errors.Wrap(err, "failed to delete company task")
		}
		deleted++
	}

	if err := d.rdb.Del(ctx, companyTasksKey(companyID)).Err(); err != nil {
		return deleted, errors.Wrap(err, "failed to drop company task index")
	}
	return deleted, nil
}

func (d *DB) PendingTaskCount(ctx context.Context) (int, error) {
	count, err := d.rdb.ZCard(ctx, pendingKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count pending tasks")
	}
	return int(count), nil
}

func taskFields(task *store.Task) ([]any, error) {
	metadata := "{}"
	if len(task.FileMetadata) > 0 {
		encoded, err := json.Marshal(task.FileMetadata)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal file metadata")
		}
		metadata = string(encoded)
	}

	fields := []any{
		"id", task.ID,
		"company_id", task.CompanyID,
		"file_id", task.FileID,
		"file_url", task.FileURL,
		"industry", string(task.Industry),
		"data_type", task.DataType,
		"callback_url", task.CallbackURL,
		"file_metadata", metadata,
		"status", string(task.Status),
		"attempts", task.Attempts,
		"claimed_by", task.ClaimedBy,
		"visibility_deadline", task.VisibilityDeadline,
		"error", task.Error,
		"created_ts", task.CreatedTs,
		"updated_ts", task.UpdatedTs,
	}
	if task.Result != nil {
		encoded, err := json.Marshal(task.Result)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal task result")
		}
		fields = append(fields, "result", string(encoded))
	}
	return fields, nil
}

func taskFromMap(values map[string]string) (*store.Task, error) {
	task := &store.Task{
		ID:          values["id"],
		CompanyID:   values["company_id"],
		FileID:      values["file_id"],
		FileURL:     values["file_url"],
		Industry:    store.Industry(values["industry"]),
		DataType:    values["data_type"],
		CallbackURL: values["callback_url"],
		Status:      store.TaskStatus(values["status"]),
		ClaimedBy:   values["claimed_by"],
		Error:       values["error"],
	}

	var err error
	if task.Attempts, err = intField(values, "attempts"); err != nil {
		return nil, err
	}
	if task.VisibilityDeadline, err = int64Field(values, "visibility_deadline"); err != nil {
		return nil, err
	}
	if task.CreatedTs, err = int64Field(values, "created_ts"); err != nil {
		return nil, err
	}
	if task.UpdatedTs, err = int64Field(values, "updated_ts"); err != nil {
		return nil, err
	}

	if raw := values["file_metadata"]; raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &task.FileMetadata); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal file metadata")
		}
	}
	if raw := values["result"]; raw != "" {
		task.Result = &store.TaskResult{}
		if err := json.Unmarshal([]byte(raw), task.Result); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal task result")
		}
	}
	return task, nil
}

func intField(values map[string]string, field string) (int, error) {
	n, err := int64Field(values, field)
	return int(n), err
}

func int64Field(values map[string]string, field string) (int64, error) {
	raw, ok := values[field]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", field)
	}
	return n, nil
}

func scriptReplyToMap(reply any) (map[string]string, error) {
	flat, ok := reply.([]any)
	if !ok {
		return nil, errors.Errorf("unexpected claim script reply type %T", reply)
	}
	values := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		field, ok := flat[i].(string)
		if !ok {
			return nil, errors.Errorf("unexpected claim script field type %T", flat[i])
		}
		value, ok := flat[i+1].(string)
		if !ok {
			return nil, errors.Errorf("unexpected claim script value type %T", flat[i+1])
		}
		values[field] = value
	}
	return values, nil
}
