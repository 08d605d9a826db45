package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService(t *testing.T) {
	t.Run("missing model returns error", func(t *testing.T) {
		_, err := NewService(&Config{Provider: "openai", APIKey: "test-key"})
		assert.Error(t, err)
	})

	t.Run("defaults are applied", func(t *testing.T) {
		svc, err := NewService(&Config{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			APIKey:   "test-key",
		})
		require.NoError(t, err)

		s := svc.(*service)
		assert.Equal(t, 2048, s.maxTokens)
		assert.Equal(t, 60*time.Second, s.timeout)
		assert.Equal(t, 15*time.Second, s.tokenGap)
	})

	t.Run("explicit config wins", func(t *testing.T) {
		svc, err := NewService(&Config{
			Provider:    "deepseek",
			Model:       "deepseek-chat",
			APIKey:      "test-key",
			BaseURL:     "https://api.deepseek.com",
			MaxTokens:   4096,
			Temperature: 0.5,
			Timeout:     30 * time.Second,
			TokenGap:    5 * time.Second,
		})
		require.NoError(t, err)

		s := svc.(*service)
		assert.Equal(t, 4096, s.maxTokens)
		assert.Equal(t, 30*time.Second, s.timeout)
		assert.Equal(t, 5*time.Second, s.tokenGap)
	})
}

// newTestService points a service at a fake OpenAI-compatible server.
func newTestService(t *testing.T, handler http.HandlerFunc, tokenGap time.Duration) Service {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	svc, err := NewService(&Config{
		Provider: "openai",
		Model:    "test-model",
		APIKey:   "test-key",
		BaseURL:  server.URL + "/v1",
		Timeout:  10 * time.Second,
		TokenGap: tokenGap,
	})
	require.NoError(t, err)
	return svc
}

func completionJSON(content string) string {
	resp := openai.ChatCompletionResponse{
		ID:    "chatcmpl-test",
		Model: "test-model",
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: "assistant", Content: content}},
		},
		Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestChat(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionJSON("hello there"))
	}, 0)

	content, stats, err := svc.Chat(context.Background(), []Message{UserMessage("hi")})
	require.NoError(t, err)
	assert.Equal(t, "hello there", content)
	require.NotNil(t, stats)
	assert.Equal(t, 20, stats.TotalTokens)
	assert.Equal(t, 12, stats.PromptTokens)
}

func TestChatJSON(t *testing.T) {
	var gotFormat string
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if rf, ok := req["response_format"].(map[string]any); ok {
			gotFormat, _ = rf["type"].(string)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionJSON(`{"intent":"GENERAL_CHAT"}`))
	}, 0)

	content, _, err := svc.ChatJSON(context.Background(), []Message{UserMessage("classify")})
	require.NoError(t, err)
	assert.Equal(t, "json_object", gotFormat)
	assert.JSONEq(t, `{"intent":"GENERAL_CHAT"}`, content)
}

// streamChunk renders one SSE data line in the chat.completion.chunk shape.
func streamChunk(delta string) string {
	chunk := map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion.chunk",
		"created": 1,
		"model":   "test-model",
		"choices": []map[string]any{
			{"index": 0, "delta": map[string]string{"content": delta}, "finish_reason": nil},
		},
	}
	b, _ := json.Marshal(chunk)
	return "data: " + string(b) + "\n\n"
}

func usageChunk() string {
	chunk := map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion.chunk",
		"created": 1,
		"model":   "test-model",
		"choices": []map[string]any{},
		"usage":   map[string]int{"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8},
	}
	b, _ := json.Marshal(chunk)
	return "data: " + string(b) + "\n\n"
}

func TestChatStream_Completes(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, part := range []string{"Xin ", "chào", "!"} {
			fmt.Fprint(w, streamChunk(part))
			flusher.Flush()
		}
		fmt.Fprint(w, usageChunk())
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}, 5*time.Second)

	contentChan, statsChan, errChan := svc.ChatStream(context.Background(), []Message{UserMessage("hi")})

	var sb strings.Builder
	for delta := range contentChan {
		sb.WriteString(delta)
	}
	assert.Equal(t, "Xin chào!", sb.String())

	stats := <-statsChan
	require.NotNil(t, stats)
	assert.Equal(t, 8, stats.TotalTokens)

	assert.NoError(t, <-errChan)
}

func TestChatStream_WatchdogAborts(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, streamChunk("first"))
		flusher.Flush()
		// Stall past the token gap; the client must abort on its own.
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}, 150*time.Millisecond)

	contentChan, _, errChan := svc.ChatStream(context.Background(), []Message{UserMessage("hi")})

	var received []string
	for delta := range contentChan {
		received = append(received, delta)
	}
	assert.Equal(t, []string{"first"}, received)

	select {
	case err := <-errChan:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stalled")
	case <-time.After(3 * time.Second):
		t.Fatal("expected watchdog error, got none")
	}
}

func TestConvertMessages(t *testing.T) {
	messages := []Message{
		SystemPrompt("you are helpful"),
		UserMessage("question"),
		AssistantMessage("answer"),
		{Role: "tool", Content: "weird role"},
		{Role: "user", Content: "what is this?", ImageURL: "data:image/png;base64,AAAA"},
	}

	converted := convertMessages(messages)
	require.Len(t, converted, 5)
	assert.Equal(t, openai.ChatMessageRoleSystem, converted[0].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, converted[1].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, converted[2].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, converted[3].Role, "unknown roles fall back to user")

	vision := converted[4]
	assert.Empty(t, vision.Content)
	require.Len(t, vision.MultiContent, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, vision.MultiContent[0].Type)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, vision.MultiContent[1].Type)
	assert.Equal(t, "data:image/png;base64,AAAA", vision.MultiContent[1].ImageURL.URL)
}

func TestFormatMessages(t *testing.T) {
	history := []Message{
		UserMessage("earlier question"),
		AssistantMessage("earlier answer"),
	}

	messages := FormatMessages("system preamble", "current question", history)
	require.Len(t, messages, 4)
	assert.Equal(t, "system", messages[0].Role)
	assert.Equal(t, "user", messages[1].Role)
	assert.Equal(t, "assistant", messages[2].Role)
	assert.Equal(t, "current question", messages[3].Content)

	noSystem := FormatMessages("", "q", nil)
	require.Len(t, noSystem, 1)
	assert.Equal(t, "user", noSystem[0].Role)
}
