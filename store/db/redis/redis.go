package redis

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/saleschat/aiservice/internal/profile"
	"github.com/saleschat/aiservice/store"
)

// Redis backs the task queue when multiple service instances share one
// backlog. Claims and orphan requeues run as Lua scripts so that two
// instances can never hold the same task at the same time.

type DB struct {
	rdb     *goredis.Client
	profile *profile.Profile
}

// NewDB connects to the Redis instance at the profile's queue URL.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.QueueURL == "" {
		return nil, errors.New("redis url required")
	}
	opt, err := goredis.ParseURL(profile.QueueURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse redis url: %s", profile.QueueURL)
	}

	driver := DB{rdb: goredis.NewClient(opt), profile: profile}

	return &driver, nil
}

func (d *DB) GetClient() *goredis.Client {
	return d.rdb
}

func (d *DB) Close() error {
	return d.rdb.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.rdb.Ping(ctx).Err()
}

// Migrate is a no-op, the keyspace is created lazily.
func (d *DB) Migrate(ctx context.Context) error {
	return nil
}

// All keys live under one prefix so a shared Redis instance can host
// other applications without collisions.
const keyPrefix = "aiservice:"

const (
	pendingKey    = keyPrefix + "tasks:pending"
	processingKey = keyPrefix + "tasks:processing"
	terminalKey   = keyPrefix + "tasks:terminal"
	taskKeyPrefix = keyPrefix + "task:"
)

func taskKey(taskID string) string {
	return taskKeyPrefix + taskID
}

func dedupKey(companyID, fileID string) string {
	return fmt.Sprintf("%sfile_task:%s:%s", keyPrefix, companyID, fileID)
}

func companyKey(companyID string) string {
	return fmt.Sprintf("%scompany:%s", keyPrefix, companyID)
}

func contextKey(companyID string, kind store.ContextKind) string {
	return fmt.Sprintf("%scontext:%s:%s", keyPrefix, companyID, kind)
}

func companyTasksKey(companyID string) string {
	return fmt.Sprintf("%scompany_tasks:%s", keyPrefix, companyID)
}
