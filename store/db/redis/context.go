package redis

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/saleschat/aiservice/store"
)

// Context records live in one hash per (company, kind), field = record id,
// value = JSON. Ordering is reconstructed from timestamps on read.

type contextRecord struct {
	ID        string `json:"id"`
	CompanyID string `json:"companyId"`
	Kind      string `json:"kind"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content,omitempty"`
	Language  string `json:"language,omitempty"`
	CreatedTs int64  `json:"createdTs"`
	UpdatedTs int64  `json:"updatedTs"`
}

func (d *DB) ReplaceContext(ctx context.Context, companyID string, kind store.ContextKind, records []*store.ContextRecord) error {
	key := contextKey(companyID, kind)

	pipe := d.rdb.TxPipeline()
	pipe.Del(ctx, key)
	for _, record := range records {
		value, err := marshalContext(record)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, key, record.ID, value)
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "failed to replace context")
}

func (d *DB) AddContext(ctx context.Context, record *store.ContextRecord) error {
	value, err := marshalContext(record)
	if err != nil {
		return err
	}
	err = d.rdb.HSet(ctx, contextKey(record.CompanyID, record.Kind), record.ID, value).Err()
	return errors.Wrap(err, "failed to add context record")
}

func (d *DB) ListContext(ctx context.Context, companyID string, kind store.ContextKind) ([]*store.ContextRecord, error) {
	values, err := d.rdb.HGetAll(ctx, contextKey(companyID, kind)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list context records")
	}

	records := make([]*store.ContextRecord, 0, len(values))
	for _, value := range values {
		var rec contextRecord
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			return nil, errors.Wrap(err, "failed to decode context record")
		}
		records = append(records, &store.ContextRecord{
			ID:        rec.ID,
			CompanyID: rec.CompanyID,
			Kind:      store.ContextKind(rec.Kind),
			Title:     rec.Title,
			Content:   rec.Content,
			Language:  rec.Language,
			CreatedTs: rec.CreatedTs,
			UpdatedTs: rec.UpdatedTs,
		})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedTs != records[j].CreatedTs {
			return records[i].CreatedTs < records[j].CreatedTs
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

func (d *DB) DeleteContext(ctx context.Context, companyID string, kind store.ContextKind) (int, error) {
	key := contextKey(companyID, kind)
	count, err := d.rdb.HLen(ctx, key).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count context records")
	}
	if err := d.rdb.Del(ctx, key).Err(); err != nil {
		return 0, errors.Wrap(err, "failed to delete context records")
	}
	return int(count), nil
}

func marshalContext(record *store.ContextRecord) (string, error) {
	value, err := json.Marshal(contextRecord{
		ID:        record.ID,
		CompanyID: record.CompanyID,
		Kind:      string(record.Kind),
		Title:     record.Title,
		Content:   record.Content,
		Language:  record.Language,
		CreatedTs: record.CreatedTs,
		UpdatedTs: record.UpdatedTs,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode context record")
	}
	return string(value), nil
}
