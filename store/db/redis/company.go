package redis

import (
	"context"

	"github.com/pkg/errors"

	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/store"
)

func (d *DB) CreateCompany(ctx context.Context, company *store.Company) (*store.Company, error) {
	key := companyKey(company.ID)

	// Re-registration refreshes the name but keeps the original industry and
	// creation time, since ingested data is already shaped by the industry.
	pipe := d.rdb.TxPipeline()
	pipe.HSetNX(ctx, key, "id", company.ID)
	pipe.HSetNX(ctx, key, "industry", string(company.Industry))
	pipe.HSetNX(ctx, key, "created_ts", company.CreatedTs)
	pipe.HSet(ctx, key, "name", company.Name, "updated_ts", company.UpdatedTs)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to upsert company")
	}

	return d.GetCompany(ctx, company.ID)
}

func (d *DB) GetCompany(ctx context.Context, companyID string) (*store.Company, error) {
	values, err := d.rdb.HGetAll(ctx, companyKey(companyID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get company")
	}
	if len(values) == 0 {
		return nil, apierr.ErrCompanyNotFound
	}

	company := &store.Company{
		ID:       values["id"],
		Name:     values["name"],
		Industry: store.Industry(values["industry"]),
	}
	if company.CreatedTs, err = int64Field(values, "created_ts"); err != nil {
		return nil, err
	}
	if company.UpdatedTs, err = int64Field(values, "updated_ts"); err != nil {
		return nil, err
	}
	return company, nil
}

func (d *DB) DeleteCompany(ctx context.Context, companyID string) error {
	deleted, err := d.rdb.Del(ctx, companyKey(companyID)).Result()
	if err != nil {
		return errors.Wrap(err, "failed to delete company")
	}
	if deleted == 0 {
		return apierr.ErrCompanyNotFound
	}

	keys := make([]string, 0, 3)
	for _, kind := range []store.ContextKind{store.ContextBasicInfo, store.ContextFAQs, store.ContextScenarios} {
		keys = append(keys, contextKey(companyID, kind))
	}
	err = d.rdb.Del(ctx, keys...).Err()
	return errors.Wrap(err, "failed to delete company context")
}
