// Package qdrant implements the vector store contract over Qdrant's REST
// API. The official client pulls a gRPC stack the service does not need;
// the five calls used here fit a plain HTTP client.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/saleschat/aiservice/ai/vector"
	"github.com/saleschat/aiservice/internal/profile"
)

type Store struct {
	baseURL    string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client
}

var _ vector.Store = (*Store)(nil)

func NewStore(profile *profile.Profile) *Store {
	timeout := time.Duration(profile.VectorStoreTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{
		baseURL:    strings.TrimRight(profile.VectorStoreURL, "/"),
		apiKey:     profile.VectorStoreAPIKey,
		collection: profile.VectorStoreCollection,
		dimension:  profile.VectorSize,
		client:     &http.Client{Timeout: timeout},
	}
}

func (s *Store) Init(ctx context.Context) error {
	exists, err := s.collectionExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.dimension,
			"distance": "Cosine",
		},
	}
	return s.do(ctx, http.MethodPut, "/collections/"+s.collection, body, nil)
}

func (s *Store) Upsert(ctx context.Context, entries []vector.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	points := make([]map[string]any, len(entries))
	for i, entry := range entries {
		if len(entry.Vector) != s.dimension {
			return errors.Errorf("entry %s: vector has dimension %d, collection wants %d", entry.PointID, len(entry.Vector), s.dimension)
		}
		points[i] = map[string]any{
			"id":      entry.PointID,
			"vector":  entry.Vector,
			"payload": payloadFromEntry(entry),
		}
	}
	// wait=true so a completed ingestion task means searchable points.
	body := map[string]any{"points": points}
	return s.do(ctx, http.MethodPut, "/collections/"+s.collection+"/points?wait=true", body, nil)
}

func (s *Store) Search(ctx context.Context, query vector.SearchQuery) ([]vector.SearchResult, error) {
	if query.CompanyID == "" {
		return nil, errors.New("company id required")
	}

	must := []map[string]any{matchCondition("company_id", query.CompanyID)}
	if query.Language != "" {
		must = append(must, matchCondition("language", query.Language))
	}

	// The store filters by tenant and language only. Candidates come back
	// oversampled with a floor lowered by the boost, then Rank applies the
	// data-type boost, the real threshold, and the cut.
	floor := query.MinScore - vector.DataTypeBoost
	if floor < 0 {
		floor = 0
	}
	body := map[string]any{
		"vector":          query.Vector,
		"filter":          map[string]any{"must": must},
		"limit":           vector.Oversample(query.Limit),
		"score_threshold": floor,
		"with_payload":    true,
	}

	var out struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/search", body, &out); err != nil {
		return nil, err
	}

	candidates := make([]vector.SearchResult, 0, len(out.Result))
	for _, hit := range out.Result {
		candidates = append(candidates, vector.SearchResult{
			Entry: entryFromPayload(pointIDString(hit.ID), hit.Payload),
			Score: hit.Score,
		})
	}
	return vector.Rank(candidates, query), nil
}

func (s *Store) Delete(ctx context.Context, filter vector.Filter) (int, error) {
	if filter.CompanyID == "" {
		return 0, errors.New("company id required")
	}
	conditions := conditionsFromFilter(filter)

	// Qdrant's delete-by-filter does not report how many points it removed,
	// so count first. The count can overshoot if a concurrent writer races
	// the delete, which callers treat as informational.
	var counted struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	countBody := map[string]any{"filter": map[string]any{"must": conditions}, "exact": true}
	if err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/count", countBody, &counted); err != nil {
		return 0, err
	}
	if counted.Result.Count == 0 {
		return 0, nil
	}

	deleteBody := map[string]any{"filter": map[string]any{"must": conditions}}
	if err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/delete?wait=true", deleteBody, nil); err != nil {
		return 0, err
	}
	return counted.Result.Count, nil
}

func (s *Store) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/healthz", nil)
	if err != nil {
		return errors.Wrap(err, "failed to build qdrant request")
	}
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "qdrant is unreachable")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("qdrant health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Store) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Store) collectionExists(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/collections/"+s.collection, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to build qdrant request")
	}
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "failed to check collection")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, errors.Errorf("qdrant collection check returned status %d", resp.StatusCode)
	}
}

func (s *Store) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode qdrant request")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build qdrant request")
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "qdrant %s %s failed", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return errors.Errorf("qdrant %s %s returned status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "failed to decode qdrant response")
		}
		return nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	return nil
}

func (s *Store) authorize(req *http.Request) {
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
}

func matchCondition(key, value string) map[string]any {
	return map[string]any{
		"key":   key,
		"match": map[string]any{"value": value},
	}
}

func conditionsFromFilter(filter vector.Filter) []map[string]any {
	conditions := []map[string]any{matchCondition("company_id", filter.CompanyID)}
	if filter.DataType != "" {
		conditions = append(conditions, matchCondition("data_type", vector.NormalizeDataType(filter.DataType)))
	}
	if filter.FileID != "" {
		conditions = append(conditions, matchCondition("file_id", filter.FileID))
	}
	if filter.ProductID != "" {
		conditions = append(conditions, matchCondition("product_id", filter.ProductID))
	}
	if filter.ServiceID != "" {
		conditions = append(conditions, matchCondition("service_id", filter.ServiceID))
	}
	if filter.Tag != "" {
		conditions = append(conditions, matchCondition("tags", filter.Tag))
	}
	return conditions
}

func payloadFromEntry(entry vector.Entry) map[string]any {
	payload := map[string]any{
		"company_id":            entry.CompanyID,
		"data_type":             entry.DataType,
		"language":              entry.Language,
		"industry":              entry.Industry,
		"content_for_embedding": entry.ContentForEmbedding,
	}
	if entry.FileID != "" {
		payload["file_id"] = entry.FileID
	}
	if entry.ProductID != "" {
		payload["product_id"] = entry.ProductID
	}
	if entry.ServiceID != "" {
		payload["service_id"] = entry.ServiceID
	}
	if len(entry.Tags) > 0 {
		payload["tags"] = entry.Tags
	}
	if entry.StructuredData != nil {
		payload["structured_data"] = entry.StructuredData
	}
	return payload
}

func entryFromPayload(pointID string, payload map[string]any) vector.Entry {
	entry := vector.Entry{
		PointID:             pointID,
		CompanyID:           stringField(payload, "company_id"),
		DataType:            stringField(payload, "data_type"),
		Language:            stringField(payload, "language"),
		Industry:            stringField(payload, "industry"),
		FileID:              stringField(payload, "file_id"),
		ProductID:           stringField(payload, "product_id"),
		ServiceID:           stringField(payload, "service_id"),
		ContentForEmbedding: stringField(payload, "content_for_embedding"),
	}
	if tags, ok := payload["tags"].([]any); ok {
		for _, tag := range tags {
			if s, ok := tag.(string); ok {
				entry.Tags = append(entry.Tags, s)
			}
		}
	}
	if data, ok := payload["structured_data"].(map[string]any); ok {
		entry.StructuredData = data
	}
	return entry
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func pointIDString(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return ""
	}
}
