// Package llm wraps the OpenAI-compatible chat API used by every text
// generation path: streaming chat turns, JSON-mode extraction, and vision
// extraction during ingestion.
package llm

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/saleschat/aiservice/ai/metrics"
)

// Message represents a chat message. ImageURL, when set, attaches an image
// part to the message (data URI or https URL) for vision-capable models.
type Message struct {
	Role     string // system, user, assistant
	Content  string
	ImageURL string
}

// LLMCallStats represents statistics for a single LLM call.
type LLMCallStats struct {
	// PromptTokens is the number of tokens in the input prompt.
	PromptTokens int `json:"prompt_tokens"`

	// CompletionTokens is the number of tokens in the generated response.
	CompletionTokens int `json:"completion_tokens"`

	// TotalTokens is the sum of prompt and completion tokens.
	TotalTokens int `json:"total_tokens"`

	// CacheReadTokens is the number of tokens read from cache (for providers that support it).
	CacheReadTokens int `json:"cache_read_tokens,omitempty"`

	// ThinkingDurationMs is the time from request start to first chunk (TTFT).
	// For non-streaming requests, this is the total request duration.
	ThinkingDurationMs int64 `json:"thinking_duration_ms"`

	// GenerationDurationMs is the time from first chunk to last chunk.
	GenerationDurationMs int64 `json:"generation_duration_ms,omitempty"`

	// TotalDurationMs is the total wall-clock time for the request.
	TotalDurationMs int64 `json:"total_duration_ms"`
}

// Service is the LLM service interface.
type Service interface {
	// Chat performs synchronous chat. Returns content, statistics, and error.
	Chat(ctx context.Context, messages []Message) (string, *LLMCallStats, error)

	// ChatJSON performs synchronous chat in JSON mode: the model is
	// constrained to emit a single JSON object. Used for order extraction
	// and catalog extraction.
	ChatJSON(ctx context.Context, messages []Message) (string, *LLMCallStats, error)

	// ChatStream performs streaming chat. Returns content channel, stats
	// channel, and error channel. The stats channel is closed after sending
	// the final stats when the stream completes.
	ChatStream(ctx context.Context, messages []Message) (<-chan string, <-chan *LLMCallStats, <-chan error)

	// Warmup sends a lightweight ping request to establish and warm up the
	// LLM connection.
	Warmup(ctx context.Context)
}

// Config represents LLM service configuration. Provider base URLs are
// resolved by the profile before this config is built, so BaseURL is
// authoritative here.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int           // default: 2048
	Temperature float32       // default: 0.7
	Timeout     time.Duration // whole-call deadline (default: 60s)
	TokenGap    time.Duration // max silence between stream chunks (default: 15s)
	Metrics     *metrics.PrometheusExporter
}

type service struct {
	client      *openai.Client
	model       string
	provider    string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	tokenGap    time.Duration
	metrics     *metrics.PrometheusExporter
}

var _ Service = (*service)(nil)

// NewService creates a new LLM Service for any OpenAI-compatible provider.
func NewService(cfg *Config) (Service, error) {
	if cfg.Model == "" {
		return nil, errors.New("llm model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = newHTTPClient()

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	tokenGap := cfg.TokenGap
	if tokenGap <= 0 {
		tokenGap = 15 * time.Second
	}

	return &service{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		provider:    cfg.Provider,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		timeout:     timeout,
		tokenGap:    tokenGap,
		metrics:     cfg.Metrics,
	}, nil
}

// record feeds one finished call into the exporter.
func (s *service) record(stats *LLMCallStats) {
	s.metrics.RecordLLMCall(s.model, stats.PromptTokens, stats.CompletionTokens,
		time.Duration(stats.TotalDurationMs)*time.Millisecond)
}

func (s *service) Chat(ctx context.Context, messages []Message) (string, *LLMCallStats, error) {
	return s.chat(ctx, messages, nil)
}

func (s *service) ChatJSON(ctx context.Context, messages []Message) (string, *LLMCallStats, error) {
	// Low temperature keeps extraction output deterministic.
	temperature := float32(0.1)
	if s.temperature < temperature {
		temperature = s.temperature
	}
	return s.chat(ctx, messages, &chatOptions{
		responseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		temperature: &temperature,
	})
}

type chatOptions struct {
	responseFormat *openai.ChatCompletionResponseFormat
	temperature    *float32
}

func (s *service) chat(ctx context.Context, messages []Message, opts *chatOptions) (string, *LLMCallStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	temperature := s.temperature
	var responseFormat *openai.ChatCompletionResponseFormat
	if opts != nil {
		if opts.temperature != nil {
			temperature = *opts.temperature
		}
		responseFormat = opts.responseFormat
	}

	slog.Debug("LLM: chat request",
		"model", s.model,
		"messages_count", len(messages),
		"max_tokens", s.maxTokens,
	)

	startTime := time.Now()

	req := openai.ChatCompletionRequest{
		Model:          s.model,
		MaxTokens:      s.maxTokens,
		Temperature:    temperature,
		Messages:       convertMessages(messages),
		ResponseFormat: responseFormat,
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("LLM: chat request failed", "error", err)
		return "", nil, errors.Wrap(err, "LLM chat failed")
	}

	if len(resp.Choices) == 0 {
		return "", nil, errors.New("empty response from LLM")
	}

	totalDuration := time.Since(startTime)

	stats := &LLMCallStats{
		PromptTokens:       resp.Usage.PromptTokens,
		CompletionTokens:   resp.Usage.CompletionTokens,
		TotalTokens:        resp.Usage.TotalTokens,
		ThinkingDurationMs: totalDuration.Milliseconds(),
		TotalDurationMs:    totalDuration.Milliseconds(),
	}
	if resp.Usage.PromptTokensDetails != nil && resp.Usage.PromptTokensDetails.CachedTokens > 0 {
		stats.CacheReadTokens = resp.Usage.PromptTokensDetails.CachedTokens
	}

	slog.Debug("LLM: chat response received",
		"content_length", len(resp.Choices[0].Message.Content),
		"total_tokens", stats.TotalTokens,
		"duration_ms", totalDuration.Milliseconds(),
	)

	s.record(stats)
	return resp.Choices[0].Message.Content, stats, nil
}

func (s *service) ChatStream(ctx context.Context, messages []Message) (<-chan string, <-chan *LLMCallStats, <-chan error) {
	contentChan := make(chan string, 10)
	statsChan := make(chan *LLMCallStats, 1)
	errChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(statsChan)
		defer close(errChan)

		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		// The watchdog cancels the stream when no chunk arrives within
		// tokenGap. It is armed before the first Recv and reset after
		// every chunk.
		var gapExpired atomic.Bool
		watchdog := time.AfterFunc(s.tokenGap, func() {
			gapExpired.Store(true)
			cancel()
		})
		defer watchdog.Stop()

		req := openai.ChatCompletionRequest{
			Model:       s.model,
			MaxTokens:   s.maxTokens,
			Temperature: s.temperature,
			Messages:    convertMessages(messages),
			StreamOptions: &openai.StreamOptions{
				IncludeUsage: true,
			},
		}

		startTime := time.Now()
		var firstChunkTime time.Time

		buildStats := func(usage *openai.Usage, chunkCount int) *LLMCallStats {
			totalDuration := time.Since(startTime)
			stats := &LLMCallStats{
				TotalDurationMs: totalDuration.Milliseconds(),
			}
			if !firstChunkTime.IsZero() {
				stats.ThinkingDurationMs = firstChunkTime.Sub(startTime).Milliseconds()
				stats.GenerationDurationMs = time.Since(firstChunkTime).Milliseconds()
			}
			if usage != nil {
				stats.PromptTokens = usage.PromptTokens
				stats.CompletionTokens = usage.CompletionTokens
				stats.TotalTokens = usage.TotalTokens
				if usage.PromptTokensDetails != nil && usage.PromptTokensDetails.CachedTokens > 0 {
					stats.CacheReadTokens = usage.PromptTokensDetails.CachedTokens
				}
			} else {
				// No usage from provider; rough estimate keeps dashboards populated.
				stats.TotalTokens = chunkCount * 10
			}
			return stats
		}

		slog.Debug("LLM: stream starting", "model", s.model, "messages", len(messages))
		stream, err := s.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			slog.Error("LLM: stream create failed", "error", err)
			errChan <- s.streamErr(err, &gapExpired)
			return
		}
		defer func() { _ = stream.Close() }()

		chunkCount := 0

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || strings.Contains(err.Error(), "EOF") {
					stats := buildStats(nil, chunkCount)
					slog.Debug("LLM: stream completed", "chunks", chunkCount, "duration_ms", stats.TotalDurationMs)
					s.record(stats)
					statsChan <- stats
					return
				}
				slog.Error("LLM: stream receive error", "error", err, "chunks_so_far", chunkCount)
				errChan <- s.streamErr(err, &gapExpired)
				return
			}
			watchdog.Reset(s.tokenGap)

			if firstChunkTime.IsZero() && len(response.Choices) > 0 && response.Choices[0].Delta.Content != "" {
				firstChunkTime = time.Now()
			}

			// A usage-bearing chunk is the provider's final word.
			if response.Usage != nil && response.Usage.TotalTokens > 0 {
				stats := buildStats(response.Usage, chunkCount)
				slog.Debug("LLM: stream finished with usage",
					"chunks", chunkCount,
					"total_tokens", stats.TotalTokens,
					"duration_ms", stats.TotalDurationMs,
				)
				s.record(stats)
				statsChan <- stats
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			delta := response.Choices[0].Delta.Content
			if delta != "" {
				chunkCount++
				select {
				case contentChan <- delta:
				case <-ctx.Done():
					slog.Warn("LLM: stream context cancelled during send", "chunks", chunkCount)
					errChan <- s.streamErr(ctx.Err(), &gapExpired)
					return
				}
			}

			if response.Choices[0].FinishReason != "" {
				stats := buildStats(nil, chunkCount)
				slog.Debug("LLM: stream finished",
					"reason", response.Choices[0].FinishReason,
					"chunks", chunkCount,
					"duration_ms", stats.TotalDurationMs,
				)
				s.record(stats)
				statsChan <- stats
				return
			}
		}
	}()

	return contentChan, statsChan, errChan
}

// streamErr distinguishes a watchdog abort from other stream failures.
func (s *service) streamErr(err error, gapExpired *atomic.Bool) error {
	if gapExpired.Load() {
		return errors.Errorf("stream stalled: no tokens received for %s", s.tokenGap)
	}
	return errors.Wrap(err, "stream recv failed")
}

func (s *service) Warmup(ctx context.Context) {
	warmupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	startTime := time.Now()

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   1,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "Hi"},
		},
	}

	_, err := s.client.CreateChatCompletion(warmupCtx, req)
	duration := time.Since(startTime)

	if err != nil {
		slog.Warn("LLM: warmup ping failed (service will still work, first request may be slower)",
			"provider", s.provider,
			"model", s.model,
			"error", err,
			"duration_ms", duration.Milliseconds(),
		)
		return
	}

	slog.Info("LLM: connection warmed up",
		"provider", s.provider,
		"model", s.model,
		"duration_ms", duration.Milliseconds(),
	)
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	llmMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := m.Role
		switch role {
		case "system", "user", "assistant":
		default:
			role = openai.ChatMessageRoleUser
		}

		if m.ImageURL != "" {
			llmMessages[i] = openai.ChatCompletionMessage{
				Role: role,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: m.Content},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: m.ImageURL},
					},
				},
			}
			continue
		}

		llmMessages[i] = openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		}
	}
	return llmMessages
}

// newHTTPClient builds the transport shared by all calls. No client-level
// timeout: stream lifetimes are enforced per call via context.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Helper for creating system prompts.
func SystemPrompt(content string) Message {
	return Message{Role: "system", Content: content}
}

// Helper for creating user messages.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// Helper for creating assistant messages.
func AssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}

// FormatMessages assembles the standard prompt layout: system preamble,
// prior turns, current user message.
func FormatMessages(systemPrompt string, userContent string, history []Message) []Message {
	messages := []Message{}
	if systemPrompt != "" {
		messages = append(messages, SystemPrompt(systemPrompt))
	}
	messages = append(messages, history...)
	messages = append(messages, UserMessage(userContent))
	return messages
}
