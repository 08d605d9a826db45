// Package engine orchestrates one chat turn end to end: request
// normalization, session scratch, tenant profile and retrieval context,
// prompt assembly, the streamed model call, and the side effects that
// follow a finished response (backend delivery, analytics webhooks, order
// extraction).
package engine

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/saleschat/aiservice/ai/cache"
	"github.com/saleschat/aiservice/ai/core/llm"
	"github.com/saleschat/aiservice/ai/intent"
	"github.com/saleschat/aiservice/ai/metrics"
	"github.com/saleschat/aiservice/ai/prompt"
	"github.com/saleschat/aiservice/ai/retrieval"
	"github.com/saleschat/aiservice/ai/session"
	"github.com/saleschat/aiservice/ai/stream"
	"github.com/saleschat/aiservice/ai/vector"
	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/plugin/webhook"
	"github.com/saleschat/aiservice/store"
)

const (
	// fallbackAnswer replaces a partially streamed reply when the model
	// stream fails after events already reached the caller.
	fallbackAnswer = "Sorry, something went wrong, please try again"

	// defaultMaxHistory bounds the scratch turns carried into the prompt.
	defaultMaxHistory = 10

	// orderHistoryTurns bounds the scratch slice handed to order extraction.
	orderHistoryTurns = 10

	// sideEffectTimeout caps the detached webhook and order work spawned
	// after a response has been emitted.
	sideEffectTimeout = 2 * time.Minute

	tenantCacheSize = 1024
	tenantCacheTTL  = 5 * time.Minute
)

// Emitter receives the event sequence of one turn in order. The SSE writer
// implements it for frontend channels; backend channels run without one.
// An Emit error means the caller is gone and aborts the turn.
type Emitter interface {
	Emit(ev stream.Event) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ev stream.Event) error

func (f EmitterFunc) Emit(ev stream.Event) error { return f(ev) }

// discardEmitter consumes events for channels that answer with a summary
// instead of a stream.
type discardEmitter struct{}

func (discardEmitter) Emit(stream.Event) error { return nil }

// Config wires the engine's collaborators. LLM, Sessions, and Dispatcher
// are required; the rest degrade gracefully when absent.
type Config struct {
	LLM        llm.Service
	Retriever  *retrieval.Retriever
	Sessions   *session.Store
	Intents    *intent.Engine
	Dispatcher webhook.Dispatcher
	Store      *store.Store

	// BackendURL is the tenant backend base URL. Empty disables backend
	// delivery and the analytics webhooks.
	BackendURL string

	// MaxHistory caps the prompt's history window; <= 0 means the default.
	MaxHistory int

	Metrics *metrics.PrometheusExporter
	Logger  *slog.Logger
}

// Engine runs chat turns. Safe for concurrent use.
type Engine struct {
	llm        llm.Service
	retriever  *retrieval.Retriever
	sessions   *session.Store
	intents    *intent.Engine
	dispatcher webhook.Dispatcher
	store      *store.Store
	backendURL string
	maxHistory int
	metrics    *metrics.PrometheusExporter
	logger     *slog.Logger

	tenants *cache.LRU[string, tenant]
	wg      sync.WaitGroup
}

// tenant is the cached per-company prompt input. found is false for
// unregistered company ids so repeated misses skip the store.
type tenant struct {
	found     bool
	name      string
	industry  string
	basicInfo string
}

func New(cfg Config) (*Engine, error) {
	if cfg.LLM == nil {
		return nil, errors.New("llm service is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("webhook dispatcher is required")
	}

	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		llm:        cfg.LLM,
		retriever:  cfg.Retriever,
		sessions:   cfg.Sessions,
		intents:    cfg.Intents,
		dispatcher: cfg.Dispatcher,
		store:      cfg.Store,
		backendURL: cfg.BackendURL,
		maxHistory: maxHistory,
		metrics:    cfg.Metrics,
		logger:     logger,
		tenants:    cache.NewLRU[string, tenant](tenantCacheSize, tenantCacheTTL),
	}, nil
}

// Result is the summary a backend channel call answers with.
type Result struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Success bool   `json:"success"`
}

// turnState bundles the per-request values shared by the emission and
// side-effect paths.
type turnState struct {
	req      *Request
	key      session.Key
	conv     *session.Conversation
	created  bool
	userTurn session.Turn
	meta     map[string]any
	logger   *slog.Logger
}

// Respond runs one chat turn. Frontend channels stream events through
// emitter and return (nil, nil); backend channels return a Result after
// the response has been POSTed to the tenant backend.
//
// A non-nil error means the turn did not complete through the emitter:
// validation failures, a model failure before the first event, or the
// caller going away mid-stream. A model failure after events were emitted
// is closed in band with a fallback reply and reported as success to the
// transport.
func (e *Engine) Respond(ctx context.Context, req *Request, emitter Emitter) (*Result, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	if emitter == nil {
		emitter = discardEmitter{}
	}

	logger := e.logger.With(
		slog.String("company_id", req.CompanyID),
		slog.String("channel", string(req.Channel)),
		slog.String("message_id", req.MessageID),
	)

	key := session.Canonicalize(req.CompanyID, req.UserInfo.UserID, req.UserInfo.DeviceID, req.SessionID, req.Attrs)
	conv, created := e.sessions.Get(key)

	// Snapshot first: the prompt history must not include the message
	// being answered.
	history := conv.Snapshot()
	st := &turnState{
		req:     req,
		key:     key,
		conv:    conv,
		created: created,
		userTurn: session.Turn{
			Role:      session.RoleUser,
			Content:   req.Message,
			MessageID: req.MessageID,
			At:        time.Now().UTC(),
		},
		meta: map[string]any{
			"messageId": req.MessageID,
			"sessionId": key.SessionID,
		},
		logger: logger,
	}
	conv.Append(st.userTurn)

	ten := e.lookupTenant(ctx, req.CompanyID, logger)
	industry := ten.industry
	if industry == "" {
		industry = req.Industry
	}

	messages := prompt.Build(&prompt.Input{
		CompanyName:    ten.name,
		Industry:       industry,
		Language:       req.Language,
		CompanyContext: ten.basicInfo,
		RAGContext:     e.ragContext(ctx, req, logger),
		History:        history,
		Message:        req.Message,
		MaxHistory:     e.maxHistory,
	})

	ts, abortErr, failErr := e.streamTurn(ctx, messages, emitter)
	if abortErr != nil {
		logger.InfoContext(ctx, "Chat turn aborted by caller", slog.Any("err", abortErr))
		return nil, abortErr
	}
	if failErr != nil {
		if req.Channel.IsBackend() || !ts.emitted {
			logger.ErrorContext(ctx, "Model stream failed", slog.Any("err", failErr))
			return nil, failErr
		}
		return nil, e.failTurn(ctx, st, ts, emitter, failErr)
	}

	answer := ts.ex.FinalAnswer()
	intentName := ts.ex.Intent()
	language := resolveLanguage(ts.ex.Language(), req.Language)

	aiTurn := session.Turn{
		Role:      session.RoleAssistant,
		Content:   answer,
		MessageID: NewMessageID(),
		At:        time.Now().UTC(),
	}
	conv.Append(aiTurn)

	logger.InfoContext(ctx, "Chat turn completed",
		slog.String("intent", intentName),
		slog.String("language", language),
		slog.Int("answer_length", len(answer)),
		slog.Bool("conversation_created", created),
	)

	var result *Result
	if req.Channel.IsBackend() {
		result = e.postBackendResponse(ctx, st, ts, intentName, language, answer)
	}

	userMsg := newMessageData(st, st.userTurn, "", "", "")
	aiMsg := newMessageData(st, aiTurn, intentName, language, "")
	deliveries := e.conversationDeliveries(st, userMsg, aiMsg)
	if !req.Channel.IsBackend() {
		deliveries = append(deliveries, e.pluginCompletedDelivery(st, userMsg, aiMsg))
	}
	e.scheduleFanout(deliveries)
	e.scheduleOrder(st, intentName, answer)

	return result, nil
}

// failTurn closes a stream that already reached the caller: the partial
// reply is replaced with the fallback text and the stream ends with error
// and done. The turn is still recorded so the next message has context,
// but order extraction never runs on it.
func (e *Engine) failTurn(ctx context.Context, st *turnState, ts *turnStream, emitter Emitter, failErr error) error {
	ae := apierr.FromError(failErr)
	st.logger.ErrorContext(ctx, "Model stream failed mid-turn, emitting fallback",
		slog.Int("partial_length", len(ts.ex.FinalAnswer())),
		slog.Any("err", failErr),
	)

	// Best effort: the caller may disconnect while the fallback drains.
	_ = emitter.Emit(stream.ContentReplace(fallbackAnswer))
	_ = emitter.Emit(stream.ErrorEvent(ae.Code + ": " + ae.Message))
	_ = emitter.Emit(stream.DoneEvent())

	answer := ts.ex.FinalAnswer()
	if strings.TrimSpace(answer) == "" {
		answer = fallbackAnswer
	}
	aiTurn := session.Turn{
		Role:      session.RoleAssistant,
		Content:   answer,
		MessageID: NewMessageID(),
		At:        time.Now().UTC(),
	}
	st.conv.Append(aiTurn)

	language := resolveLanguage(ts.ex.Language(), st.req.Language)
	userMsg := newMessageData(st, st.userTurn, "", "", "")
	aiMsg := newMessageData(st, aiTurn, ts.ex.Intent(), language, ae.Code)
	e.scheduleFanout(e.conversationDeliveries(st, userMsg, aiMsg))

	return nil
}

// turnStream captures what one model stream produced.
type turnStream struct {
	ex      *stream.Extractor
	stats   *llm.LLMCallStats
	emitted bool
}

// streamTurn drives the model stream through the extractor into emitter.
// abortErr reports the caller going away (context cancelled or an Emit
// failure); failErr reports the model stream failing. At most one is set.
func (e *Engine) streamTurn(ctx context.Context, messages []llm.Message, emitter Emitter) (ts *turnStream, abortErr, failErr error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ts = &turnStream{ex: stream.NewExtractor()}
	contentCh, statsCh, errCh := e.llm.ChatStream(ctx, messages)

	emit := func(events []stream.Event) error {
		for _, ev := range events {
			if err := emitter.Emit(ev); err != nil {
				return errors.Wrap(err, "emit stream event")
			}
			ts.emitted = true
		}
		return nil
	}

	for {
		select {
		case chunk, ok := <-contentCh:
			if !ok {
				// The producer parks its verdict in the buffered error and
				// stats channels before closing them.
				if err := <-errCh; err != nil {
					return ts, nil, apierr.Wrap(err, apierr.CodeLLMFailed, "model stream failed")
				}
				if err := emit(ts.ex.Finish()); err != nil {
					return ts, err, nil
				}
				ts.stats = <-statsCh
				return ts, nil, nil
			}
			if err := emit(ts.ex.Feed(chunk)); err != nil {
				return ts, err, nil
			}
		case <-ctx.Done():
			return ts, ctx.Err(), nil
		}
	}
}

// lookupTenant resolves the cached company profile and basic_info block.
// Lookup misses are cached too; transient store failures are not.
func (e *Engine) lookupTenant(ctx context.Context, companyID string, logger *slog.Logger) tenant {
	if t, ok := e.tenants.Get(companyID); ok {
		return t
	}

	var t tenant
	if e.store == nil {
		return t
	}

	company, err := e.store.GetCompany(ctx, companyID)
	switch {
	case err == nil:
		t.found = true
		t.name = company.Name
		t.industry = string(company.Industry)
	case errors.Is(err, apierr.ErrCompanyNotFound):
		// Unregistered tenants still get answers; the prompt just has no
		// profile section.
	default:
		logger.WarnContext(ctx, "Company lookup failed", slog.Any("err", err))
		return t
	}

	if t.found {
		records, err := e.store.ListContext(ctx, companyID, store.ContextBasicInfo)
		if err != nil {
			logger.WarnContext(ctx, "Company context lookup failed", slog.Any("err", err))
		} else {
			t.basicInfo = renderBasicInfo(records)
		}
	}

	e.tenants.Set(companyID, t, 0)
	return t
}

// InvalidateTenant drops the cached profile after a context or company
// mutation so the next turn reads fresh data.
func (e *Engine) InvalidateTenant(companyID string) {
	e.tenants.Remove(companyID)
}

func renderBasicInfo(records []*store.ContextRecord) string {
	lines := make([]string, 0, len(records))
	for _, r := range records {
		if text := r.EmbeddingText(); text != "" {
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, "\n")
}

// ragContext retrieves reference snippets for the prompt. Retrieval
// failures degrade to an empty block instead of failing the turn.
func (e *Engine) ragContext(ctx context.Context, req *Request, logger *slog.Logger) string {
	if e.retriever == nil {
		return ""
	}
	results, err := e.retriever.Retrieve(ctx, &retrieval.Options{
		Logger:    logger,
		CompanyID: req.CompanyID,
		Query:     req.Message,
		Language:  req.Language,
		DataTypes: []string{
			vector.DataTypeProducts,
			vector.DataTypeServices,
			vector.DataTypeFAQ,
			vector.DataTypeKnowledgeBase,
			vector.DataTypeCompanyInfo,
		},
		RequestID: req.MessageID,
	})
	if err != nil {
		logger.WarnContext(ctx, "Retrieval failed, continuing without context", slog.Any("err", err))
		return ""
	}
	e.metrics.RecordRetrieval(len(results))
	return retrieval.FormatContext(results)
}

// backendResponse is the ai.response.completed data block. The field case
// is part of the deployed backend contract.
type backendResponse struct {
	MessageID          string             `json:"message_id"`
	ConversationID     string             `json:"conversation_id"`
	Channel            string             `json:"channel"`
	UserInfo           UserInfo           `json:"userInfo"`
	StructuredResponse structuredResponse `json:"structured_response"`
}

type structuredResponse struct {
	Intent      string `json:"intent"`
	Language    string `json:"language"`
	FinalAnswer string `json:"final_answer"`
	Thinking    any    `json:"thinking,omitempty"`
}

// postBackendResponse delivers the finished response to the tenant
// backend. Delivery failure does not fail the turn; the summary reports
// it.
func (e *Engine) postBackendResponse(ctx context.Context, st *turnState, ts *turnStream, intentName, language, answer string) *Result {
	data := backendResponse{
		MessageID:      st.req.MessageID,
		ConversationID: st.key.SessionID,
		Channel:        string(st.req.Channel),
		UserInfo:       st.req.UserInfo,
		StructuredResponse: structuredResponse{
			Intent:      intentName,
			Language:    language,
			FinalAnswer: answer,
		},
	}
	if frame, ok := ts.ex.Frame(); ok {
		data.StructuredResponse.Thinking = frame.Thinking
	}

	err := e.dispatcher.Send(ctx, webhook.Delivery{
		Method:   http.MethodPost,
		URL:      webhook.JoinURL(e.backendURL, webhook.PathAIResponse),
		Envelope: webhook.NewEnvelope(webhook.EventResponseCompleted, st.req.CompanyID, data, st.meta),
	})
	if err != nil {
		st.logger.WarnContext(ctx, "Backend response delivery failed", slog.Any("err", err))
	}

	return &Result{
		Type:    "backend_processed",
		Channel: string(st.req.Channel),
		Success: err == nil,
	}
}

// conversationData is the conversation.created data block.
type conversationData struct {
	ConversationID string   `json:"conversationId"`
	Channel        string   `json:"channel"`
	UserInfo       UserInfo `json:"userInfo"`
	LeadSource     string   `json:"leadSource,omitempty"`
	PluginID       string   `json:"pluginId,omitempty"`
	CustomerDomain string   `json:"customerDomain,omitempty"`
	CreatedAt      string   `json:"createdAt"`
}

// messageData is the message.created data block, also reused as the
// message pair inside ai.response.plugin.completed.
type messageData struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	Channel        string `json:"channel"`
	Intent         string `json:"intent,omitempty"`
	Language       string `json:"language,omitempty"`
	Error          string `json:"error,omitempty"`
	CreatedAt      string `json:"createdAt"`
}

func newMessageData(st *turnState, turn session.Turn, intentName, language, errCode string) *messageData {
	return &messageData{
		MessageID:      turn.MessageID,
		ConversationID: st.key.SessionID,
		Role:           turn.Role,
		Content:        turn.Content,
		Channel:        string(st.req.Channel),
		Intent:         intentName,
		Language:       language,
		Error:          errCode,
		CreatedAt:      turn.At.Format(time.RFC3339),
	}
}

// pluginCompletedData pairs the user message with the finished reply for
// frontend analytics.
type pluginCompletedData struct {
	ConversationID string       `json:"conversationId"`
	Channel        string       `json:"channel"`
	PluginID       string       `json:"pluginId,omitempty"`
	UserInfo       UserInfo     `json:"userInfo"`
	UserMessage    *messageData `json:"userMessage"`
	AIResponse     *messageData `json:"aiResponse"`
}

// conversationDeliveries builds the analytics webhooks of one finished
// turn: conversation.created on first touch, then message.created for the
// user message and the reply.
func (e *Engine) conversationDeliveries(st *turnState, userMsg, aiMsg *messageData) []webhook.Delivery {
	url := webhook.JoinURL(e.backendURL, webhook.PathConversation)

	var deliveries []webhook.Delivery
	if st.created {
		deliveries = append(deliveries, webhook.Delivery{
			URL: url,
			Envelope: webhook.NewEnvelope(webhook.EventConversationCreated, st.req.CompanyID, conversationData{
				ConversationID: st.key.SessionID,
				Channel:        string(st.req.Channel),
				UserInfo:       st.req.UserInfo,
				LeadSource:     st.req.LeadSource,
				PluginID:       st.req.PluginID,
				CustomerDomain: st.req.CustomerDomain,
				CreatedAt:      st.conv.CreatedAt().Format(time.RFC3339),
			}, st.meta),
		})
	}
	for _, msg := range []*messageData{userMsg, aiMsg} {
		deliveries = append(deliveries, webhook.Delivery{
			URL:      url,
			Envelope: webhook.NewEnvelope(webhook.EventMessageCreated, st.req.CompanyID, msg, st.meta),
		})
	}
	return deliveries
}

func (e *Engine) pluginCompletedDelivery(st *turnState, userMsg, aiMsg *messageData) webhook.Delivery {
	return webhook.Delivery{
		URL: webhook.JoinURL(e.backendURL, webhook.PathConversation),
		Envelope: webhook.NewEnvelope(webhook.EventResponsePluginCompleted, st.req.CompanyID, pluginCompletedData{
			ConversationID: st.key.SessionID,
			Channel:        string(st.req.Channel),
			PluginID:       st.req.PluginID,
			UserInfo:       st.req.UserInfo,
			UserMessage:    userMsg,
			AIResponse:     aiMsg,
		}, st.meta),
	}
}

// scheduleFanout delivers analytics webhooks in a detached goroutine so
// the caller's response is never held up. No backend URL, no webhooks.
func (e *Engine) scheduleFanout(deliveries []webhook.Delivery) {
	if e.backendURL == "" || len(deliveries) == 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		e.dispatcher.Fanout(ctx, deliveries)
	}()
}

// scheduleOrder hands an order-intent turn to the extraction engine in a
// detached goroutine. Process re-checks the gating, so at most one
// extraction call is wasted on a turn that does not qualify.
func (e *Engine) scheduleOrder(st *turnState, intentName, answer string) {
	if e.intents == nil || !intent.IsOrderIntent(intentName) {
		return
	}

	trig := &intent.Trigger{
		CompanyID:   st.req.CompanyID,
		Intent:      intentName,
		Channel:     string(st.req.Channel),
		UserMessage: st.req.Message,
		FinalAnswer: answer,
		History:     st.conv.Last(orderHistoryTurns),
		Metadata:    st.meta,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		dispatched, err := e.intents.Process(ctx, trig)
		if err != nil {
			st.logger.Warn("Order processing failed",
				slog.String("intent", trig.Intent),
				slog.Any("err", err))
			return
		}
		if dispatched {
			st.logger.Debug("Order webhook dispatched", slog.String("intent", trig.Intent))
		}
	}()
}

// Close waits for detached side-effect goroutines up to timeout. Call on
// shutdown after the HTTP server has drained.
func (e *Engine) Close(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("timed out waiting for side effects")
	}
}

// resolveLanguage prefers the model's detected language, then the request
// hint, then Vietnamese.
func resolveLanguage(detected, hint string) string {
	if detected != "" {
		return detected
	}
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint != "" && hint != "auto" {
		return hint
	}
	return "vi"
}
