// Package pgvector implements the vector store contract on Postgres with
// the pgvector extension.
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/saleschat/aiservice/ai/vector"
	"github.com/saleschat/aiservice/internal/profile"
)

// opTimeout bounds each store operation. Init runs on the caller's
// context instead because first-boot DDL can take longer.
const opTimeout = 5 * time.Second

type Store struct {
	db        *sql.DB
	dimension int
}

var _ vector.Store = (*Store)(nil)

// NewStore opens the Postgres database at the profile's vector store URL.
func NewStore(profile *profile.Profile) (*Store, error) {
	if profile.VectorStoreURL == "" {
		return nil, errors.New("postgres dsn required")
	}
	db, err := sql.Open("postgres", profile.VectorStoreURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open postgres with dsn: %s", profile.VectorStoreURL)
	}
	return &Store{db: db, dimension: profile.VectorSize}, nil
}

func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vector_entry (
			point_id TEXT PRIMARY KEY,
			company_id TEXT NOT NULL,
			data_type TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			industry TEXT NOT NULL DEFAULT '',
			file_id TEXT NOT NULL DEFAULT '',
			product_id TEXT NOT NULL DEFAULT '',
			service_id TEXT NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			content_for_embedding TEXT NOT NULL,
			structured_data JSONB NOT NULL DEFAULT '{}',
			embedding vector(%d) NOT NULL
		)`, s.dimension),
		`CREATE INDEX IF NOT EXISTS idx_vector_entry_company ON vector_entry (company_id, data_type)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to initialize vector schema")
		}
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, entries []vector.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt := `
		INSERT INTO vector_entry (point_id, company_id, data_type, language, industry, file_id, product_id, service_id, tags, content_for_embedding, structured_data, embedding)
		VALUES (` + placeholders(12) + `)
		ON CONFLICT (point_id)
		DO UPDATE SET
			company_id = EXCLUDED.company_id,
			data_type = EXCLUDED.data_type,
			language = EXCLUDED.language,
			industry = EXCLUDED.industry,
			file_id = EXCLUDED.file_id,
			product_id = EXCLUDED.product_id,
			service_id = EXCLUDED.service_id,
			tags = EXCLUDED.tags,
			content_for_embedding = EXCLUDED.content_for_embedding,
			structured_data = EXCLUDED.structured_data,
			embedding = EXCLUDED.embedding
	`
	for _, entry := range entries {
		if len(entry.Vector) != s.dimension {
			return errors.Errorf("entry %s: vector has dimension %d, table wants %d", entry.PointID, len(entry.Vector), s.dimension)
		}
		structured := entry.StructuredData
		if structured == nil {
			structured = map[string]any{}
		}
		encoded, err := json.Marshal(structured)
		if err != nil {
			return errors.Wrap(err, "failed to marshal structured data")
		}
		tags := entry.Tags
		if tags == nil {
			tags = []string{}
		}

		if _, err := tx.ExecContext(ctx, stmt,
			entry.PointID,
			entry.CompanyID,
			entry.DataType,
			entry.Language,
			entry.Industry,
			entry.FileID,
			entry.ProductID,
			entry.ServiceID,
			pq.Array(tags),
			entry.ContentForEmbedding,
			encoded,
			pgvector.NewVector(entry.Vector),
		); err != nil {
			return errors.Wrapf(err, "failed to upsert vector entry %s", entry.PointID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func (s *Store) Search(ctx context.Context, query vector.SearchQuery) ([]vector.SearchResult, error) {
	if query.CompanyID == "" {
		return nil, errors.New("company id required")
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	where, args := []string{"company_id = " + placeholder(1)}, []any{query.CompanyID}
	if query.Language != "" {
		where, args = append(where, "language = "+placeholder(len(args)+1)), append(args, query.Language)
	}

	target := pgvector.NewVector(query.Vector)
	scoreArg := placeholder(len(args) + 1)
	args = append(args, target)
	orderArg := placeholder(len(args) + 1)
	args = append(args, target)
	limitArg := placeholder(len(args) + 1)
	args = append(args, vector.Oversample(query.Limit))

	// The <=> operator computes cosine distance, so similarity is
	// 1 - distance. The store filters by tenant and language only;
	// Rank applies the data-type boost, threshold, and cut.
	stmt := `
		SELECT
			point_id, company_id, data_type, language, industry, file_id, product_id, service_id, tags, content_for_embedding, structured_data,
			1 - (embedding <=> ` + scoreArg + `) AS score
		FROM vector_entry
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY embedding <=> ` + orderArg + `
		LIMIT ` + limitArg

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search vector entries")
	}
	defer rows.Close()

	candidates := []vector.SearchResult{}
	for rows.Next() {
		var result vector.SearchResult
		var tags pq.StringArray
		var structured []byte
		err := rows.Scan(
			&result.Entry.PointID,
			&result.Entry.CompanyID,
			&result.Entry.DataType,
			&result.Entry.Language,
			&result.Entry.Industry,
			&result.Entry.FileID,
			&result.Entry.ProductID,
			&result.Entry.ServiceID,
			&tags,
			&result.Entry.ContentForEmbedding,
			&structured,
			&result.Score,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan vector entry")
		}
		if len(tags) > 0 {
			result.Entry.Tags = tags
		}
		if data := string(structured); data != "" && data != "{}" && data != "null" {
			if err := json.Unmarshal(structured, &result.Entry.StructuredData); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal structured data")
			}
		}
		candidates = append(candidates, result)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return vector.Rank(candidates, query), nil
}

func (s *Store) Delete(ctx context.Context, filter vector.Filter) (int, error) {
	if filter.CompanyID == "" {
		return 0, errors.New("company id required")
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	where, args := []string{"company_id = " + placeholder(1)}, []any{filter.CompanyID}
	if filter.DataType != "" {
		where, args = append(where, "data_type = "+placeholder(len(args)+1)), append(args, vector.NormalizeDataType(filter.DataType))
	}
	if filter.FileID != "" {
		where, args = append(where, "file_id = "+placeholder(len(args)+1)), append(args, filter.FileID)
	}
	if filter.ProductID != "" {
		where, args = append(where, "product_id = "+placeholder(len(args)+1)), append(args, filter.ProductID)
	}
	if filter.ServiceID != "" {
		where, args = append(where, "service_id = "+placeholder(len(args)+1)), append(args, filter.ServiceID)
	}
	if filter.Tag != "" {
		where, args = append(where, placeholder(len(args)+1)+" = ANY (tags)"), append(args, filter.Tag)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM vector_entry WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete vector entries")
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func placeholders(n int) string {
	list := make([]string, n)
	for i := range list {
		list[i] = placeholder(i + 1)
	}
	return strings.Join(list, ", ")
}
