// Package webhook delivers event notifications to tenant backends with
// shared-secret headers, an HMAC signature, and bounded retry.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/saleschat/aiservice/ai/metrics"
	"github.com/saleschat/aiservice/internal/version"
)

// Event names emitted by the service.
const (
	EventConversationCreated     = "conversation.created"
	EventMessageCreated          = "message.created"
	EventConversationUpdated     = "conversation.updated"
	EventResponseCompleted       = "ai.response.completed"
	EventResponsePluginCompleted = "ai.response.plugin.completed"
	EventFileUploaded            = "file.uploaded"
	EventOrderCreated            = "order.created"
	EventOrderUpdated            = "order.updated"
	EventOrderCheckQuantity      = "order.check-quantity"
)

// Backend paths the events are delivered to.
const (
	PathConversation       = "/api/webhooks/ai/conversation"
	PathAIResponse         = "/api/ai/response"
	PathOrderCreate        = "/api/webhooks/orders/ai"
	PathOrderCheckQuantity = "/api/webhooks/orders/check-quantity/ai"
)

// PathOrderUpdate returns the per-order update path.
func PathOrderUpdate(orderCode string) string {
	return "/api/webhooks/orders/" + orderCode + "/ai"
}

// Envelope is the wire format shared by every outbound event.
type Envelope struct {
	Event     string         `json:"event"`
	CompanyID string         `json:"companyId"`
	Timestamp string         `json:"timestamp"`
	Data      any            `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEnvelope stamps an envelope with the current UTC time.
func NewEnvelope(event, companyID string, data any, metadata map[string]any) Envelope {
	return Envelope{
		Event:     event,
		CompanyID: companyID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
		Metadata:  metadata,
	}
}

// Delivery is one outbound call. Method defaults to POST.
type Delivery struct {
	Method   string
	URL      string
	Envelope Envelope
}

// Config tunes the dispatcher. Zero values fall back to the deployed
// defaults: 30 s timeout, 3 attempts, 1 s backoff base.
type Config struct {
	Secret      string
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	Metrics     *metrics.PrometheusExporter
}

// Dispatcher delivers webhooks. Send blocks through retries; SendAsync and
// Fanout are the best-effort paths the chat engine schedules after a
// response has been emitted.
type Dispatcher interface {
	Send(ctx context.Context, d Delivery) error
	SendAsync(d Delivery)
	Fanout(ctx context.Context, deliveries []Delivery)
}

type dispatcher struct {
	client      *http.Client
	secret      string
	maxAttempts int
	backoffBase time.Duration
	metrics     *metrics.PrometheusExporter
}

var _ Dispatcher = (*dispatcher)(nil)

func NewDispatcher(cfg Config) Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &dispatcher{
		client:      &http.Client{Timeout: cfg.Timeout},
		secret:      cfg.Secret,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		metrics:     cfg.Metrics,
	}
}

// Send delivers d, retrying network errors and 5xx responses with
// exponential backoff and ±20% jitter. 4xx responses are terminal.
func (w *dispatcher) Send(ctx context.Context, d Delivery) error {
	method := d.Method
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(d.Envelope)
	if err != nil {
		return errors.Wrapf(err, "marshal webhook %s", d.Envelope.Event)
	}

	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		retryable, err := w.attempt(ctx, method, d.URL, body)
		if err == nil {
			w.metrics.RecordWebhookAttempt(d.Envelope.Event, metrics.WebhookDelivered)
			slog.Debug("webhook delivered",
				slog.String("event", d.Envelope.Event),
				slog.String("url", d.URL),
				slog.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		slog.Warn("webhook attempt failed",
			slog.String("event", d.Envelope.Event),
			slog.String("url", d.URL),
			slog.Int("attempt", attempt),
			slog.Bool("retryable", retryable),
			slog.Any("err", err))

		if !retryable || attempt == w.maxAttempts {
			w.metrics.RecordWebhookAttempt(d.Envelope.Event, metrics.WebhookFailed)
			break
		}
		w.metrics.RecordWebhookAttempt(d.Envelope.Event, metrics.WebhookRetried)
		if err := sleep(ctx, jitter(w.backoffBase<<(attempt-1))); err != nil {
			return err
		}
	}
	return errors.Wrapf(lastErr, "webhook %s to %s failed", d.Envelope.Event, d.URL)
}

// attempt performs one HTTP call. retryable reports whether the failure
// class permits another attempt.
func (w *dispatcher) attempt(ctx context.Context, method, url string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return false, errors.Wrap(err, "construct webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Source", "ai-service")
	req.Header.Set("X-Webhook-Secret", w.secret)
	req.Header.Set("X-Webhook-Signature", Sign(body, w.secret))
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := w.client.Do(req)
	if err != nil {
		return true, errors.Wrap(err, "post webhook")
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, errors.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	default:
		return false, errors.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

// SendAsync delivers in a new goroutine and only logs the outcome.
func (w *dispatcher) SendAsync(d Delivery) {
	go func() {
		if err := w.Send(context.Background(), d); err != nil {
			slog.Warn("async webhook failed",
				slog.String("event", d.Envelope.Event),
				slog.String("url", d.URL),
				slog.Any("err", err))
		}
	}()
}

// Fanout delivers all webhooks concurrently and waits for completion.
// Failures are logged per delivery; receivers order by envelope timestamp.
func (w *dispatcher) Fanout(ctx context.Context, deliveries []Delivery) {
	var g errgroup.Group
	for _, d := range deliveries {
		g.Go(func() error {
			if err := w.Send(ctx, d); err != nil {
				slog.Warn("webhook fanout delivery failed",
					slog.String("event", d.Envelope.Event),
					slog.String("url", d.URL),
					slog.Any("err", err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Sign computes the sha256= HMAC of body keyed by secret. Receivers that
// verify signatures recompute this over the raw request body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// JoinURL joins a backend base URL with a path.
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
