package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/saleschat/aiservice/store"
)

// execer covers *sql.DB and *sql.Tx so inserts run standalone or inside
// the replace transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (d *DB) ReplaceContext(ctx context.Context, companyID string, kind store.ContextKind, records []*store.ContextRecord) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin context replace")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM company_context WHERE company_id = ? AND kind = ?`,
		companyID, kind,
	); err != nil {
		return errors.Wrap(err, "failed to clear context")
	}
	for _, record := range records {
		if err := insertContext(ctx, tx, record); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit context replace")
}

func (d *DB) AddContext(ctx context.Context, record *store.ContextRecord) error {
	return insertContext(ctx, d.db, record)
}

func insertContext(ctx context.Context, db execer, record *store.ContextRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO company_context (id, company_id, kind, title, content, language, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.CompanyID, record.Kind, record.Title, record.Content, record.Language, record.CreatedTs, record.UpdatedTs,
	)
	return errors.Wrap(err, "failed to insert context record")
}

func (d *DB) ListContext(ctx context.Context, companyID string, kind store.ContextKind) ([]*store.ContextRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, company_id, kind, title, content, language, created_ts, updated_ts
		FROM company_context
		WHERE company_id = ? AND kind = ?
		ORDER BY created_ts, id`,
		companyID, kind,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list context records")
	}
	defer rows.Close()

	var records []*store.ContextRecord
	for rows.Next() {
		record := &store.ContextRecord{}
		if err := rows.Scan(&record.ID, &record.CompanyID, &record.Kind, &record.Title, &record.Content, &record.Language, &record.CreatedTs, &record.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan context record")
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (d *DB) DeleteContext(ctx context.Context, companyID string, kind store.ContextKind) (int, error) {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM company_context WHERE company_id = ? AND kind = ?`,
		companyID, kind,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete context records")
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
