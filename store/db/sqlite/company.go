package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/store"
)

func (d *DB) CreateCompany(ctx context.Context, company *store.Company) (*store.Company, error) {
	// Registration is idempotent. A re-register refreshes the name but keeps
	// the original industry, since ingested data is already shaped by it.
	row := d.db.QueryRowContext(ctx, `
		INSERT INTO company (id, name, industry, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, updated_ts = excluded.updated_ts
		RETURNING id, name, industry, created_ts, updated_ts`,
		company.ID, company.Name, company.Industry, company.CreatedTs, company.UpdatedTs,
	)
	created := &store.Company{}
	if err := row.Scan(&created.ID, &created.Name, &created.Industry, &created.CreatedTs, &created.UpdatedTs); err != nil {
		return nil, errors.Wrap(err, "failed to upsert company")
	}
	return created, nil
}

func (d *DB) GetCompany(ctx context.Context, companyID string) (*store.Company, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, name, industry, created_ts, updated_ts
		FROM company
		WHERE id = ?`,
		companyID,
	)
	company := &store.Company{}
	if err := row.Scan(&company.ID, &company.Name, &company.Industry, &company.CreatedTs, &company.UpdatedTs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.ErrCompanyNotFound
		}
		return nil, errors.Wrap(err, "failed to get company")
	}
	return company, nil
}

func (d *DB) DeleteCompany(ctx context.Context, companyID string) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM company WHERE id = ?`, companyID)
	if err != nil {
		return errors.Wrap(err, "failed to delete company")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apierr.ErrCompanyNotFound
	}
	_, err = d.db.ExecContext(ctx, `DELETE FROM company_context WHERE company_id = ?`, companyID)
	return errors.Wrap(err, "failed to delete company context")
}
