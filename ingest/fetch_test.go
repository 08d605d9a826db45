package ingest

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saleschat/aiservice/internal/apierr"
)

func TestFetchSuccess(t *testing.T) {
	body := []byte("Phở bò 65000 VND\nBún chả 55000 VND\n")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="menu.txt"`)
		w.Write(body)
	}))
	defer server.Close()

	f := NewFetcher(FetcherConfig{})
	file, err := f.Fetch(context.Background(), server.URL+"/download")
	require.NoError(t, err)
	assert.Equal(t, "menu.txt", file.Name)
	assert.Equal(t, "text/plain; charset=utf-8", file.ContentType)
	assert.Equal(t, body, file.Data)
}

func TestFetchNameFromURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer server.Close()

	f := NewFetcher(FetcherConfig{})
	file, err := f.Fetch(context.Background(), server.URL+"/files/catalog.csv")
	require.NoError(t, err)
	assert.Equal(t, "catalog.csv", file.Name)
}

func TestFetchSizeCap(t *testing.T) {
	t.Run("at cap", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(bytes.Repeat([]byte("a"), 64))
		}))
		defer server.Close()

		f := NewFetcher(FetcherConfig{MaxBytes: 64})
		file, err := f.Fetch(context.Background(), server.URL)
		require.NoError(t, err)
		assert.Len(t, file.Data, 64)
	})

	t.Run("over cap", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(bytes.Repeat([]byte("a"), 65))
		}))
		defer server.Close()

		f := NewFetcher(FetcherConfig{MaxBytes: 64})
		_, err := f.Fetch(context.Background(), server.URL)
		require.Error(t, err)
		apiErr := apierr.FromError(err)
		assert.Equal(t, apierr.CodeFileTooLarge, apiErr.Code)
		assert.False(t, apiErr.IsRetryable())
	})

	t.Run("over cap without content length", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			w.Write(bytes.Repeat([]byte("a"), 65))
		}))
		defer server.Close()

		f := NewFetcher(FetcherConfig{MaxBytes: 64})
		_, err := f.Fetch(context.Background(), server.URL)
		require.Error(t, err)
		assert.Equal(t, apierr.CodeFileTooLarge, apierr.FromError(err).Code)
	})
}

func TestFetchNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := NewFetcher(FetcherConfig{})
	_, err := f.Fetch(context.Background(), server.URL+"/gone.pdf")
	require.Error(t, err)
	apiErr := apierr.FromError(err)
	assert.Equal(t, apierr.CodeExtractionDataNotFound, apiErr.Code)
	assert.False(t, apiErr.IsRetryable())
}

func TestFetchServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := NewFetcher(FetcherConfig{})
	_, err := f.Fetch(context.Background(), server.URL)
	require.Error(t, err)
	apiErr := apierr.FromError(err)
	assert.Equal(t, apierr.CodeExtractorFailed, apiErr.Code)
	assert.True(t, apiErr.IsRetryable())
}

func TestDetectKind(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		fileName    string
		want        FileKind
		wantErr     bool
	}{
		{"pdf", "application/pdf", "menu.pdf", KindDocument, false},
		{"docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document", "policies.docx", KindDocument, false},
		{"plain text with charset", "text/plain; charset=utf-8", "notes.txt", KindText, false},
		{"markdown", "text/markdown", "faq.md", KindText, false},
		{"png", "image/png", "menu.png", KindImage, false},
		{"octet stream falls back to extension", "application/octet-stream", "menu.pdf", KindDocument, false},
		{"extension is case insensitive", "", "NOTES.TXT", KindText, false},
		{"binary octet stream image", "binary/octet-stream", "photo.jpg", KindImage, false},
		{"zip is unsupported", "application/zip", "archive.zip", 0, true},
		{"unknown extension is unsupported", "application/octet-stream", "data.bin", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := DetectKind(tt.contentType, tt.fileName)
			if tt.wantErr {
				require.Error(t, err)
				apiErr := apierr.FromError(err)
				assert.Equal(t, apierr.CodeUnsupportedFileType, apiErr.Code)
				assert.False(t, apiErr.IsRetryable())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, kind)
		})
	}
}
