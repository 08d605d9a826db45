package v1

import (
	"net/http"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/internal/profile"
	"github.com/saleschat/aiservice/plugin/webhook"
)

const chatPath = "/api/unified/chat-stream"

func demoBody() map[string]any {
	return map[string]any{
		"message":    "Phòng Deluxe giá bao nhiêu?",
		"company_id": "comp-1",
		"channel":    "chatdemo",
		"session_id": "sess-1",
		"user_info":  map[string]any{"device_id": "dev-1"},
	}
}

// foldContent renders the content events the way a client does: deltas
// append, a replace discards everything before it.
func foldContent(events []map[string]any) string {
	var b strings.Builder
	for _, ev := range events {
		if ev["type"] != "content" {
			continue
		}
		if replace, ok := ev["content"].(string); ok {
			b.Reset()
			b.WriteString(replace)
			continue
		}
		if delta, ok := ev["delta"].(string); ok {
			b.WriteString(delta)
		}
	}
	return b.String()
}

func TestChatStreamDemo(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, chatPath, nil, demoBody())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/event-stream")
	assert.Equal(t, "no-cache", rec.Header().Get(echo.HeaderCacheControl))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	events := sseEvents(t, rec.Body.String())
	require.NotEmpty(t, events)

	langAt, contentAt := -1, -1
	for i, ev := range events {
		switch {
		case ev["type"] == "language" && langAt < 0:
			langAt = i
			assert.Equal(t, "vi", ev["language"])
		case ev["type"] == "content" && contentAt < 0:
			contentAt = i
		}
	}
	require.GreaterOrEqual(t, langAt, 0)
	require.GreaterOrEqual(t, contentAt, 0)
	assert.Less(t, langAt, contentAt, "language must precede content")
	assert.Equal(t, "done", events[len(events)-1]["type"])
	assert.Equal(t, sampleAnswer, foldContent(events))
	assert.Equal(t, 1, f.llm.callCount())
}

func TestChatStreamValidationError(t *testing.T) {
	f := newFixture(t, nil)

	body := demoBody()
	body["message"] = "   "
	rec := f.do(t, http.MethodPost, chatPath, nil, body)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON)

	resp := decodeBody(t, rec)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, apierr.CodeMissingRequiredField, resp["error"])
	assert.Zero(t, f.llm.callCount())
}

func TestChatStreamUnknownChannel(t *testing.T) {
	f := newFixture(t, nil)

	body := demoBody()
	body["channel"] = "carrier-pigeon"
	rec := f.do(t, http.MethodPost, chatPath, nil, body)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apierr.CodeInvalidChannel, decodeBody(t, rec)["error"])
}

func TestChatBackendChannel(t *testing.T) {
	f := newFixture(t, nil)
	body := map[string]any{
		"message":    "Tôi muốn đặt 2 phòng Deluxe",
		"company_id": "comp-1",
		"channel":    "messenger",
		"session_id": "sess-fb",
		"user_info":  map[string]any{"user_id": "fb-user-9"},
	}

	t.Run("missing api key", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, chatPath, nil, body)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, apierr.CodeInvalidAPIKey, decodeBody(t, rec)["error"])
		assert.Zero(t, f.llm.callCount())
	})

	t.Run("summary response", func(t *testing.T) {
		rec := f.admin(t, http.MethodPost, chatPath, body)
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decodeBody(t, rec)
		assert.Equal(t, "backend_processed", resp["type"])
		assert.Equal(t, "messenger", resp["channel"])
		assert.Equal(t, true, resp["success"])

		// The structured response went to the tenant backend, not the
		// HTTP caller.
		sends := f.dispatcher.Sends()
		require.NotEmpty(t, sends)
		assert.Equal(t, "https://backend.test"+webhook.PathAIResponse, sends[0].URL)
		assert.Equal(t, webhook.EventResponseCompleted, sends[0].Envelope.Event)
	})
}

func TestChatPluginOrigin(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Update("plug-1", "comp-9", []string{"https://shop.example.com"})

	body := map[string]any{
		"message":    "Xin chào",
		"channel":    "chat-plugin",
		"plugin_id":  "plug-1",
		"session_id": "sess-web",
		"user_info":  map[string]any{"device_id": "dev-7"},
	}

	t.Run("allowed origin streams and echoes it back", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, chatPath, map[string]string{
			echo.HeaderOrigin: "https://shop.example.com",
		}, body)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "https://shop.example.com", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
		assert.Contains(t, rec.Header().Values(echo.HeaderVary), "Origin")

		// The request body carried no company_id; a 200 proves it was
		// backfilled from the registration before validation ran.
		events := sseEvents(t, rec.Body.String())
		assert.Equal(t, "done", events[len(events)-1]["type"])
	})

	t.Run("unknown origin is rejected before the model runs", func(t *testing.T) {
		calls := f.llm.callCount()
		rec := f.do(t, http.MethodPost, chatPath, map[string]string{
			echo.HeaderOrigin: "https://evil.example.com",
		}, body)

		require.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, apierr.CodeOriginNotAllowed, decodeBody(t, rec)["error"])
		assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
		assert.Equal(t, calls, f.llm.callCount())
	})

	t.Run("unknown plugin", func(t *testing.T) {
		unknown := map[string]any{
			"message":   "Xin chào",
			"channel":   "chat-plugin",
			"plugin_id": "plug-404",
			"user_info": map[string]any{"device_id": "dev-7"},
		}
		rec := f.do(t, http.MethodPost, chatPath, map[string]string{
			echo.HeaderOrigin: "https://shop.example.com",
		}, unknown)

		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, apierr.CodePluginNotFound, decodeBody(t, rec)["error"])
	})
}

func TestChatRateLimited(t *testing.T) {
	f := newFixture(t, func(p *profile.Profile) {
		p.ChatRateLimitRPS = 0.001
		p.ChatRateLimitBurst = 1
	})

	first := f.do(t, http.MethodPost, chatPath, nil, demoBody())
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(t, http.MethodPost, chatPath, nil, demoBody())
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, apierr.CodeRateLimited, decodeBody(t, second)["error"])
	assert.Equal(t, 1, f.llm.callCount())
}

func TestChatPreflightRoute(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Update("plug-1", "comp-9", []string{"https://shop.example.com"})

	rec := f.do(t, http.MethodOptions, chatPath, map[string]string{
		echo.HeaderOrigin: "https://shop.example.com",
	}, nil)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://shop.example.com", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	assert.Contains(t, rec.Header().Get(echo.HeaderAccessControlAllowMethods), "POST")
}
