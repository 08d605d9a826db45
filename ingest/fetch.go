package ingest

import (
	"context"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/saleschat/aiservice/internal/apierr"
)

// SourceFile is a downloaded upload, small enough to hold in memory since
// the fetcher enforces the size cap.
type SourceFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// FileKind selects the extraction route for a fetched file.
type FileKind int

const (
	// KindDocument is a binary format that needs the external text
	// extraction service first (PDF, DOCX, XLSX).
	KindDocument FileKind = iota
	// KindText is consumed directly (TXT, Markdown, CSV).
	KindText
	// KindImage goes to the vision model.
	KindImage
)

// DetectKind classifies a fetched file by media type, falling back to the
// file extension when the host serves a generic type. Unknown types are a
// terminal UNSUPPORTED_FILE_TYPE.
func DetectKind(contentType, name string) (FileKind, error) {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}

	switch mediaType {
	case "application/pdf",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return KindDocument, nil
	case "text/plain", "text/markdown", "text/csv":
		return KindText, nil
	case "image/png", "image/jpeg", "image/webp", "image/gif":
		return KindImage, nil
	case "", "application/octet-stream", "binary/octet-stream":
		// Fall through to the extension.
	default:
		return 0, unsupportedType(mediaType, name)
	}

	switch strings.ToLower(path.Ext(name)) {
	case ".pdf", ".docx", ".xlsx":
		return KindDocument, nil
	case ".txt", ".md", ".markdown", ".csv":
		return KindText, nil
	case ".png", ".jpg", ".jpeg", ".webp", ".gif":
		return KindImage, nil
	}
	return 0, unsupportedType(mediaType, name)
}

func unsupportedType(mediaType, name string) error {
	return apierr.Newf(apierr.CodeUnsupportedFileType, "unsupported file type %q (%s)", mediaType, name).
		WithDetails(map[string]any{"content_type": mediaType, "file_name": name})
}

// FetcherConfig tunes the source file downloader.
type FetcherConfig struct {
	MaxBytes int64         // hard cap on the body (default: 50 MB)
	Timeout  time.Duration // whole-download deadline (default: 2m)
}

// Fetcher downloads source files by URL with a byte cap. A body at exactly
// MaxBytes is accepted; one byte over is FILE_TOO_LARGE.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 50 << 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Fetcher{
		client:   &http.Client{Timeout: cfg.Timeout},
		maxBytes: cfg.MaxBytes,
	}
}

// Fetch downloads the file. A missing file and the size cap are terminal;
// transport errors and host 5xx are retryable.
func (f *Fetcher) Fetch(ctx context.Context, fileURL string) (*SourceFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid file url %q", fileURL)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apierr.Wrap(err, apierr.CodeExtractorFailed, "fetch source file")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, apierr.Newf(apierr.CodeExtractionDataNotFound, "source file not found: %s", fileURL)
	case resp.StatusCode >= 500:
		return nil, apierr.Newf(apierr.CodeExtractorFailed, "fetch source file: status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, apierr.Newf(apierr.CodeInternal, "fetch source file: unexpected status %d", resp.StatusCode)
	}

	if resp.ContentLength > f.maxBytes {
		return nil, fileTooLarge(resp.ContentLength, f.maxBytes)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, apierr.Wrap(err, apierr.CodeExtractorFailed, "read source file body")
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fileTooLarge(int64(len(data)), f.maxBytes)
	}

	name := path.Base(req.URL.Path)
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			name = params["filename"]
		}
	}
	return &SourceFile{
		Name:        name,
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func fileTooLarge(size, max int64) error {
	return apierr.Newf(apierr.CodeFileTooLarge, "file is %d bytes (max %d)", size, max).
		WithDetails(map[string]any{"size_bytes": size, "max_bytes": max})
}
