package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name:    "valid config",
			cfg:     &Config{Model: "text-embedding-3-small", APIKey: "k", Dimensions: 1536},
			wantErr: false,
		},
		{
			name:    "missing model",
			cfg:     &Config{APIKey: "k", Dimensions: 1536},
			wantErr: true,
		},
		{
			name:    "zero dimensions",
			cfg:     &Config{Model: "text-embedding-3-small", APIKey: "k"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewService(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cfg.Dimensions, svc.Dimensions())
		})
	}
}

// fakeEmbeddingServer answers each input "text-<n>" with the vector
// [n, n, n], so order preservation is observable across batches.
func fakeEmbeddingServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]map[string]any, len(req.Input))
		for i, text := range req.Input {
			n, err := strconv.Atoi(strings.TrimPrefix(text, "text-"))
			require.NoError(t, err)
			vec := make([]float32, dims)
			for d := range vec {
				vec[d] = float32(n)
			}
			data[i] = map[string]any{"object": "embedding", "embedding": vec, "index": i}
		}

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  "test-model",
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		}))
	}))
}

func newTestService(t *testing.T, server *httptest.Server, dims int) Service {
	t.Helper()
	svc, err := NewService(&Config{
		Model:      "test-model",
		APIKey:     "test-key",
		BaseURL:    server.URL + "/v1",
		Dimensions: dims,
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	return svc
}

func TestEmbed(t *testing.T) {
	server := fakeEmbeddingServer(t, 3)
	defer server.Close()
	svc := newTestService(t, server, 3)

	vec, err := svc.Embed(context.Background(), "text-7")
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 7, 7}, vec)
}

func TestEmbed_EmptyText(t *testing.T) {
	server := fakeEmbeddingServer(t, 3)
	defer server.Close()
	svc := newTestService(t, server, 3)

	_, err := svc.Embed(context.Background(), "   ")
	assert.Error(t, err)
}

func TestEmbedBatch_PreservesOrderAcrossBatches(t *testing.T) {
	server := fakeEmbeddingServer(t, 3)
	defer server.Close()
	svc := newTestService(t, server, 3)

	// 70 inputs force three concurrent batch calls.
	texts := make([]string, 70)
	for i := range texts {
		texts[i] = fmt.Sprintf("text-%d", i)
	}

	vectors, err := svc.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 70)
	for i, vec := range vectors {
		assert.Equal(t, float32(i), vec[0], "vector %d out of order", i)
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	server := fakeEmbeddingServer(t, 3)
	defer server.Close()
	svc := newTestService(t, server, 3)

	_, err := svc.EmbedBatch(context.Background(), nil)
	assert.Error(t, err)
}

func TestEmbedBatch_DimensionMismatch(t *testing.T) {
	// Server returns 3-dim vectors but the service expects 4.
	server := fakeEmbeddingServer(t, 3)
	defer server.Close()
	svc := newTestService(t, server, 4)

	_, err := svc.EmbedBatch(context.Background(), []string{"text-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension mismatch")
}

func TestEmbedBatch_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()
	svc := newTestService(t, server, 3)

	_, err := svc.EmbedBatch(context.Background(), []string{"text-1"})
	assert.Error(t, err)
}
