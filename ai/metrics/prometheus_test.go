package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPrometheusExporter(t *testing.T) {
	exporter := NewPrometheusExporter(DefaultConfig())

	t.Run("RecordChatTurn", func(t *testing.T) {
		exporter.RecordChatTurn("chat-plugin", StatusOK, 900*time.Millisecond)
		exporter.RecordChatTurn("chat-plugin", StatusOK, 1200*time.Millisecond)
		exporter.RecordChatTurn("messenger", StatusError, 400*time.Millisecond)
		exporter.RecordChatTurn("chatdemo", StatusRejected, 2*time.Millisecond)

		exporter.ChatOpened()
		exporter.ChatClosed()
	})

	t.Run("RecordLLMCall", func(t *testing.T) {
		exporter.RecordLLMCall("gpt-4o-mini", 820, 145, 2300*time.Millisecond)
		exporter.RecordLLMCall("gpt-4o-mini", 0, 0, 150*time.Millisecond)
	})

	t.Run("RecordRetrieval", func(t *testing.T) {
		exporter.RecordRetrieval(5)
		exporter.RecordRetrieval(0)
	})

	t.Run("RecordIngestTask", func(t *testing.T) {
		exporter.RecordIngestTask("completed", 12*time.Second)
		exporter.RecordIngestTask("failed", 3*time.Second)
		exporter.RecordIngestTask("requeued", 45*time.Second)
	})

	t.Run("RecordWebhookAttempt", func(t *testing.T) {
		exporter.RecordWebhookAttempt("document.extraction.completed", WebhookDelivered)
		exporter.RecordWebhookAttempt("document.extraction.failed", WebhookRetried)
		exporter.RecordWebhookAttempt("document.extraction.failed", WebhookFailed)
	})

	t.Run("RecordCORSDecision", func(t *testing.T) {
		exporter.RecordCORSDecision(true)
		exporter.RecordCORSDecision(false)
	})
}

func TestPrometheusExporterHandler(t *testing.T) {
	exporter := NewPrometheusExporter(DefaultConfig())

	exporter.RecordChatTurn("chat-plugin", StatusOK, 800*time.Millisecond)
	exporter.RecordLLMCall("gpt-4o-mini", 500, 90, time.Second)
	exporter.RecordRetrieval(3)
	exporter.RecordIngestTask("completed", 9*time.Second)
	exporter.RecordWebhookAttempt("ai.response.completed", WebhookDelivered)
	exporter.RecordCORSDecision(false)

	req := httptest.NewRequest("GET", "/metrics", http.NoBody)
	w := httptest.NewRecorder()

	exporter.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, want := range []string{
		"aiservice_chat_turns_total",
		"aiservice_chat_stream_seconds",
		"aiservice_llm_tokens_total",
		"aiservice_retrieval_hits_total",
		"aiservice_ingest_tasks_total",
		"aiservice_webhook_attempts_total",
		"aiservice_cors_decisions_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s metric in output", want)
		}
	}
	if !strings.Contains(body, `outcome="blocked"`) {
		t.Error("expected blocked CORS decision in output")
	}
}

func TestPrometheusExporterNil(t *testing.T) {
	// Components hold an optional exporter; a nil one must be inert.
	var exporter *PrometheusExporter
	exporter.RecordChatTurn("chatdemo", StatusOK, time.Second)
	exporter.ChatOpened()
	exporter.ChatClosed()
	exporter.RecordLLMCall("gpt-4o-mini", 10, 10, time.Second)
	exporter.RecordRetrieval(1)
	exporter.RecordIngestTask("completed", time.Second)
	exporter.RecordWebhookAttempt("order.created", WebhookDelivered)
	exporter.RecordCORSDecision(true)
}

func BenchmarkPrometheusExporter(b *testing.B) {
	exporter := NewPrometheusExporter(DefaultConfig())

	b.Run("RecordChatTurn", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			exporter.RecordChatTurn("chat-plugin", StatusOK, 800*time.Millisecond)
		}
	})

	b.Run("RecordWebhookAttempt", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			exporter.RecordWebhookAttempt("ai.response.completed", WebhookDelivered)
		}
	})
}
