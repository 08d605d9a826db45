package v1

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/saleschat/aiservice/ai/engine"
	"github.com/saleschat/aiservice/ai/metrics"
	"github.com/saleschat/aiservice/ai/session"
	"github.com/saleschat/aiservice/internal/apierr"
)

var _ engine.Emitter = (*streamWriter)(nil)

// handleChatStream serves POST /api/unified/chat-stream. The response
// shape follows the channel: frontend channels get a server-sent event
// stream closed by `data: [DONE]`, backend channels get a single JSON
// summary once the structured response was posted to the tenant backend.
func (s *APIV1Service) handleChatStream(c echo.Context) error {
	if s.engine == nil {
		return apierr.New(apierr.CodeInternal, "chat engine is not configured")
	}

	var req engine.Request
	if err := c.Bind(&req); err != nil {
		return apierr.Wrap(err, apierr.CodeMissingRequiredField, "malformed request body")
	}
	req.Attrs = session.RequestAttrs{
		UserAgent:      c.Request().UserAgent(),
		AcceptLanguage: c.Request().Header.Get("Accept-Language"),
		Platform:       c.Request().Header.Get("Sec-Ch-Ua-Platform"),
	}

	started := time.Now()
	record := func(status string) {
		channel := string(req.Channel)
		if !req.Channel.Valid() {
			channel = "unknown"
		}
		s.metrics.RecordChatTurn(channel, status, time.Since(started))
	}

	// Backend channels are server-to-server and carry the shared secret.
	if req.Channel.IsBackend() {
		if !secretEqual(c.Request().Header.Get(headerAPIKey), s.profile.InternalAPIKey) {
			record(metrics.StatusRejected)
			return apierr.New(apierr.CodeInvalidAPIKey, "invalid or missing API key")
		}
	}

	// Browser plugin requests are gated by origin before anything else
	// runs. The allow header echoes the exact origin, never a wildcard.
	if req.Channel == engine.ChannelPlugin {
		origin := c.Request().Header.Get(echo.HeaderOrigin)
		reg, err := s.registry.CheckOrigin(c.Request().Context(), req.PluginID, origin)
		if err != nil {
			s.metrics.RecordCORSDecision(false)
			record(metrics.StatusRejected)
			return err
		}
		s.metrics.RecordCORSDecision(true)
		h := c.Response().Header()
		h.Set(echo.HeaderAccessControlAllowOrigin, origin)
		h.Add(echo.HeaderVary, echo.HeaderOrigin)
		if req.CompanyID == "" {
			req.CompanyID = reg.CompanyID
		}
	}

	if err := s.allowChat(req.CompanyID); err != nil {
		record(metrics.StatusRejected)
		return err
	}

	s.metrics.ChatOpened()
	defer s.metrics.ChatClosed()

	if req.Channel.IsBackend() {
		result, err := s.engine.Respond(c.Request().Context(), &req, nil)
		if err != nil {
			record(turnStatus(err))
			return err
		}
		record(metrics.StatusOK)
		return c.JSON(http.StatusOK, result)
	}

	w := newStreamWriter(c.Response())
	if err := s.engine.Respond(c.Request().Context(), &req, w); err != nil {
		record(turnStatus(err))
		if !w.Started() {
			return err
		}
		// The stream is already committed; nothing more can be written.
		s.logger.Warn("Chat stream interrupted",
			slog.String("company_id", req.CompanyID),
			slog.String("channel", string(req.Channel)),
			slog.Any("err", err),
		)
		return nil
	}
	record(metrics.StatusOK)
	return w.Terminate()
}

// turnStatus classifies a failed turn for the chat counters: input-class
// failures count as rejected, upstream and internal failures as error.
func turnStatus(err error) string {
	if apierr.FromError(err).HTTPStatus() >= http.StatusInternalServerError {
		return metrics.StatusError
	}
	return metrics.StatusRejected
}

// allowChat enforces the per-company chat rate limit. A non-positive RPS
// disables limiting; an empty company falls through to request validation.
func (s *APIV1Service) allowChat(companyID string) error {
	if companyID == "" || s.profile.ChatRateLimitRPS <= 0 {
		return nil
	}
	lim, ok := s.limiters.Get(companyID)
	if !ok {
		burst := s.profile.ChatRateLimitBurst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(s.profile.ChatRateLimitRPS), burst)
		s.limiters.Set(companyID, lim, 0)
	}
	if !lim.Allow() {
		return apierr.Newf(apierr.CodeRateLimited, "chat rate limit exceeded for company %s", companyID)
	}
	return nil
}
