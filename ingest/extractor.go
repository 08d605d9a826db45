package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/saleschat/aiservice/ai/core/llm"
	"github.com/saleschat/aiservice/internal/apierr"
)

// maxImageDimension caps either side of an image before the vision call.
// Larger scans are downscaled; the model does not need print resolution.
const maxImageDimension = 1024

// JSONChatter is the slice of the LLM service the extractor needs.
type JSONChatter interface {
	ChatJSON(ctx context.Context, messages []llm.Message) (string, *llm.LLMCallStats, error)
}

// ExtractorConfig wires the AI providers and the optional external
// binary-to-text service.
type ExtractorConfig struct {
	Chat       JSONChatter   // text extraction model
	Vision     JSONChatter   // vision model; nil disables image ingestion
	ServiceURL string        // binary-to-text endpoint; empty disables PDF/DOCX/XLSX
	Timeout    time.Duration // external service deadline (default: 120s)
	Logger     *slog.Logger
}

// Extractor turns fetched files into structured extraction results. Plain
// text is consumed directly, binary documents go through the external
// text service, and images go to the vision model.
type Extractor struct {
	chat       JSONChatter
	vision     JSONChatter
	serviceURL string
	client     *http.Client
	logger     *slog.Logger
}

func NewExtractor(cfg ExtractorConfig) *Extractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Extractor{
		chat:       cfg.Chat,
		vision:     cfg.Vision,
		serviceURL: cfg.ServiceURL,
		client:     &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
	}
}

// CatalogDocument is the catalog extraction contract.
type CatalogDocument struct {
	Language string        `json:"language"`
	Items    []CatalogItem `json:"items"`
}

// KnowledgeDocument is the knowledge extraction contract.
type KnowledgeDocument struct {
	Language string `json:"language"`
	Document string `json:"document"`
}

// Text converts the fetched file into plain document text. Images return
// empty text; the vision model reads them directly.
func (e *Extractor) Text(ctx context.Context, file *SourceFile, kind FileKind) (string, error) {
	switch kind {
	case KindText:
		return string(file.Data), nil
	case KindImage:
		return "", nil
	}

	if e.serviceURL == "" {
		return "", apierr.Newf(apierr.CodeUnsupportedFileType, "no text extraction service configured for %s", file.Name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serviceURL, bytes.NewReader(file.Data))
	if err != nil {
		return "", errors.Wrap(err, "build text extraction request")
	}
	req.Header.Set("Content-Type", file.ContentType)
	req.Header.Set("X-File-Name", file.Name)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", apierr.Wrap(err, apierr.CodeExtractorFailed, "call text extraction service")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", apierr.Wrap(err, apierr.CodeExtractorFailed, "read text extraction response")
	}
	switch {
	case resp.StatusCode >= 500:
		return "", apierr.Newf(apierr.CodeExtractorFailed, "text extraction service: status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", apierr.Newf(apierr.CodeUnsupportedFileType, "text extraction service rejected %s: status %d", file.Name, resp.StatusCode)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", apierr.Wrap(err, apierr.CodeInternal, "malformed text extraction response")
	}
	return out.Text, nil
}

// Catalog runs catalog extraction over the document text or image.
// Transport failures are retryable; output violating the schema is not.
func (e *Extractor) Catalog(ctx context.Context, tmpl Template, docText, imageURI string) (*CatalogDocument, error) {
	raw, err := e.extract(ctx, tmpl, docText, imageURI)
	if err != nil {
		return nil, err
	}
	var doc CatalogDocument
	if err := json.Unmarshal([]byte(stripFences(raw)), &doc); err != nil {
		return nil, apierr.Wrap(err, apierr.CodeInternal, "malformed catalog extraction")
	}
	return &doc, nil
}

// Knowledge runs knowledge extraction over the document text or image.
func (e *Extractor) Knowledge(ctx context.Context, tmpl Template, docText, imageURI string) (*KnowledgeDocument, error) {
	raw, err := e.extract(ctx, tmpl, docText, imageURI)
	if err != nil {
		return nil, err
	}
	var doc KnowledgeDocument
	if err := json.Unmarshal([]byte(stripFences(raw)), &doc); err != nil {
		return nil, apierr.Wrap(err, apierr.CodeInternal, "malformed knowledge extraction")
	}
	return &doc, nil
}

func (e *Extractor) extract(ctx context.Context, tmpl Template, docText, imageURI string) (string, error) {
	chatter := e.chat
	user := llm.UserMessage(docText)
	if imageURI != "" {
		if e.vision == nil {
			return "", apierr.New(apierr.CodeUnsupportedFileType, "image ingestion requires a vision model")
		}
		chatter = e.vision
		user = llm.UserMessage("Extract from the attached image.")
		user.ImageURL = imageURI
	}
	if chatter == nil {
		return "", errors.New("no extraction model configured")
	}

	raw, _, err := chatter.ChatJSON(ctx, []llm.Message{llm.SystemPrompt(tmpl.Prompt()), user})
	if err != nil {
		return "", apierr.Wrap(err, apierr.CodeExtractorFailed, "extraction model call failed")
	}
	return raw, nil
}

// ImageDataURI downscales the image and re-encodes it as a JPEG data URI
// for the vision call. EXIF orientation is applied so phone photos come
// out upright.
func ImageDataURI(data []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", apierr.Wrap(err, apierr.CodeUnsupportedFileType, "decode image")
	}
	bounds := img.Bounds()
	if bounds.Dx() > maxImageDimension || bounds.Dy() > maxImageDimension {
		img = imaging.Fit(img, maxImageDimension, maxImageDimension, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", errors.Wrap(err, "encode image")
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// stripFences removes a markdown code fence around a JSON body, which
// some models emit even in JSON mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
