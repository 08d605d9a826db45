package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/saleschat/aiservice/internal/profile"
	"github.com/saleschat/aiservice/store"
)

// SQLite backs the task queue and tenant registry in development and
// single-instance deployments. Claims serialize over the single write
// connection, which is what gives the single-claimant guarantee here;
// multi-instance deployments use the Redis driver instead.

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the queue database at the profile's DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.QueueDSN == "" {
		return nil, errors.New("dsn required")
	}

	// Connect with explicit pragmas:
	// - foreign keys stay off to be explicit about SQLite's default.
	// - busy_timeout absorbs writer contention instead of failing fast.
	// - WAL journal mode prevents reader/writer locking issues.
	// With the `modernc.org/sqlite` driver each pragma is passed as `_pragma=`.
	sqliteDB, err := sql.Open("sqlite", profile.QueueDSN+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.QueueDSN)
	}

	// A single connection is optimal for SQLite with WAL and makes claim
	// updates serialize without explicit locking.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	driver := DB{db: sqliteDB, profile: profile}

	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS task (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		file_id TEXT NOT NULL DEFAULT '',
		file_url TEXT NOT NULL DEFAULT '',
		industry TEXT NOT NULL DEFAULT 'other',
		data_type TEXT NOT NULL DEFAULT '',
		callback_url TEXT NOT NULL DEFAULT '',
		file_metadata TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		claimed_by TEXT NOT NULL DEFAULT '',
		visibility_deadline INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		result TEXT,
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_status ON task (status, created_ts)`,
	`CREATE INDEX IF NOT EXISTS idx_task_company ON task (company_id)`,
	`CREATE INDEX IF NOT EXISTS idx_task_dedup ON task (company_id, file_id, status)`,
	`CREATE TABLE IF NOT EXISTS company (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		industry TEXT NOT NULL DEFAULT 'other',
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS company_context (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_company_context ON company_context (company_id, kind, created_ts)`,
}

func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply migration")
		}
	}
	return nil
}
