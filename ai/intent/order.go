package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/saleschat/aiservice/ai/core/llm"
	"github.com/saleschat/aiservice/ai/session"
	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/plugin/webhook"
)

// maxScratchTurns bounds the conversation slice seeding the extraction
// call.
const maxScratchTurns = 10

// Customer identifies the ordering party.
type Customer struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
}

// OrderItem is one ordered line. Prices are VND.
type OrderItem struct {
	Name        string  `json:"name"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice,omitempty"`
	Description string  `json:"description,omitempty"`
}

// DeliveryInfo describes how the order reaches the customer.
type DeliveryInfo struct {
	Method  string `json:"method"` // delivery | pickup
	Address string `json:"address,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// PaymentInfo describes how the order is paid.
type PaymentInfo struct {
	Method string `json:"method"` // cash | bank_transfer | credit_card | cod
	Timing string `json:"timing,omitempty"`
}

// Financial is computed by the engine, never extracted from the model.
type Financial struct {
	Subtotal    float64 `json:"subtotal"`
	TaxAmount   float64 `json:"taxAmount"`
	TotalAmount float64 `json:"totalAmount"`
	Currency    string  `json:"currency"`
}

// ChannelInfo records which chat channel produced the order. Set by the
// engine from the originating request, never extracted.
type ChannelInfo struct {
	Type string `json:"type"`
}

// PlaceOrderPayload is the order.created data block.
type PlaceOrderPayload struct {
	Customer  Customer     `json:"customer"`
	Items     []OrderItem  `json:"items"`
	Delivery  DeliveryInfo `json:"delivery"`
	Payment   PaymentInfo  `json:"payment"`
	Financial *Financial   `json:"financial,omitempty"`
	Channel   *ChannelInfo `json:"channel,omitempty"`
	Notes     string       `json:"notes,omitempty"`
}

// OrderChanges carries the fields an update touches. Products keeps the
// model's shape untouched since line edits vary.
type OrderChanges struct {
	Products any           `json:"products,omitempty"`
	Customer *Customer     `json:"customer,omitempty"`
	Delivery *DeliveryInfo `json:"delivery,omitempty"`
	Payment  *PaymentInfo  `json:"payment,omitempty"`
}

// UpdateOrderPayload is the order.updated data block.
type UpdateOrderPayload struct {
	OrderCode    string       `json:"order_code"`
	Changes      OrderChanges `json:"changes"`
	UpdateReason string       `json:"update_reason,omitempty"`
	Notes        string       `json:"notes,omitempty"`
}

// QuantityItem is one product whose stock the customer asks about.
type QuantityItem struct {
	Name           string  `json:"name"`
	QuantityNeeded float64 `json:"quantity_needed"`
	Specifications string  `json:"specifications,omitempty"`
}

// ContactInfo is how the tenant reaches back with the stock answer.
type ContactInfo struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// CheckQuantityPayload is the order.check-quantity data block.
type CheckQuantityPayload struct {
	Products        []QuantityItem `json:"products"`
	CustomerContact ContactInfo    `json:"customer_contact"`
	ContactMethod   string         `json:"contact_method"` // email | sms
	Urgency         string         `json:"urgency"`        // normal | urgent
	Notes           string         `json:"notes,omitempty"`
}

// ComputeFinancial prices the order: line totals summed, tax rounded to
// whole VND, total = subtotal + tax.
func ComputeFinancial(items []OrderItem, taxRate float64) Financial {
	var subtotal float64
	for _, item := range items {
		subtotal += item.Quantity * item.UnitPrice
	}
	tax := math.Round(subtotal * taxRate)
	return Financial{
		Subtotal:    subtotal,
		TaxAmount:   tax,
		TotalAmount: subtotal + tax,
		Currency:    "VND",
	}
}

const placeOrderExtraction = `Extract the confirmed order from the conversation. Reply with a single JSON object and nothing else, using exactly this schema:
{"customer": {"name": "", "phone": "", "email": "", "address": ""}, "items": [{"name": "", "quantity": 1, "unitPrice": 0, "description": ""}], "delivery": {"method": "delivery", "address": "", "notes": ""}, "payment": {"method": "cash", "timing": ""}, "notes": ""}
Rules:
- "delivery.method" is "delivery" or "pickup"; "payment.method" is one of "cash", "bank_transfer", "credit_card", "cod".
- "quantity" and "unitPrice" are plain numbers; prices are VND without separators.
- Leave out what the conversation does not state. Never invent values.`

const updateOrderExtraction = `Extract the confirmed order update from the conversation. Reply with a single JSON object and nothing else, using exactly this schema:
{"order_code": "", "changes": {"products": null, "customer": null, "delivery": null, "payment": null}, "update_reason": "", "notes": ""}
Rules:
- "order_code" is the code of the existing order the user named. If no code was named, leave it empty.
- Include only the parts of "changes" the user asked to change.
- Never invent values.`

const checkQuantityExtraction = `Extract the stock availability request from the conversation. Reply with a single JSON object and nothing else, using exactly this schema:
{"products": [{"name": "", "quantity_needed": 1, "specifications": ""}], "customer_contact": {"name": "", "phone": "", "email": ""}, "contact_method": "email", "urgency": "normal", "notes": ""}
Rules:
- "contact_method" is "email" or "sms"; "urgency" is "normal" or "urgent".
- "quantity_needed" is a plain number.
- Never invent values.`

// JSONChatter is the slice of the LLM service the extraction step needs.
type JSONChatter interface {
	ChatJSON(ctx context.Context, messages []llm.Message) (string, *llm.LLMCallStats, error)
}

// Engine turns a completed order-intent chat turn into a structured
// payload POSTed to the tenant backend. It runs after the user-facing
// response has been emitted and never alters it.
type Engine struct {
	llm        JSONChatter
	dispatcher webhook.Dispatcher
	backendURL string
	taxRate    float64
}

func NewEngine(chatter JSONChatter, dispatcher webhook.Dispatcher, backendURL string, taxRate float64) *Engine {
	return &Engine{
		llm:        chatter,
		dispatcher: dispatcher,
		backendURL: backendURL,
		taxRate:    taxRate,
	}
}

// Trigger describes the turn the chat engine finished.
type Trigger struct {
	CompanyID   string
	Intent      string
	Channel     string
	UserMessage string
	FinalAnswer string

	// History seeds the extraction call; only the newest ten turns are
	// used.
	History []session.Turn

	// Metadata is forwarded on the webhook envelope (conversation and
	// message ids).
	Metadata map[string]any
}

// Process runs heuristic, extraction, and dispatch for one turn. It
// returns whether a webhook was dispatched. A false return with nil error
// means the turn did not qualify.
func (e *Engine) Process(ctx context.Context, trig *Trigger) (bool, error) {
	if !IsOrderIntent(trig.Intent) {
		return false, nil
	}
	if !Complete(trig.Intent, trig.UserMessage, trig.FinalAnswer) {
		slog.Debug("order intent turn not complete",
			slog.String("intent", trig.Intent),
			slog.String("company_id", trig.CompanyID))
		return false, nil
	}

	raw, _, err := e.llm.ChatJSON(ctx, extractionMessages(trig))
	if err != nil {
		return false, apierr.Wrap(err, apierr.CodeLLMFailed, "order extraction failed")
	}
	raw = stripFences(raw)

	switch trig.Intent {
	case PlaceOrder:
		return e.dispatchPlaceOrder(ctx, trig, raw)
	case UpdateOrder:
		return e.dispatchUpdateOrder(ctx, trig, raw)
	case CheckQuantity:
		return e.dispatchCheckQuantity(ctx, trig, raw)
	}
	return false, nil
}

func (e *Engine) dispatchPlaceOrder(ctx context.Context, trig *Trigger, raw string) (bool, error) {
	var payload PlaceOrderPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return false, errors.Wrap(err, "parse order extraction")
	}
	if len(payload.Items) == 0 {
		slog.Warn("order extraction produced no items, skipping dispatch",
			slog.String("company_id", trig.CompanyID))
		return false, nil
	}

	financial := ComputeFinancial(payload.Items, e.taxRate)
	payload.Financial = &financial
	if trig.Channel != "" {
		payload.Channel = &ChannelInfo{Type: trig.Channel}
	}

	return true, e.send(ctx, trig, webhook.Delivery{
		Method:   http.MethodPost,
		URL:      webhook.JoinURL(e.backendURL, webhook.PathOrderCreate),
		Envelope: webhook.NewEnvelope(webhook.EventOrderCreated, trig.CompanyID, payload, trig.Metadata),
	})
}

func (e *Engine) dispatchUpdateOrder(ctx context.Context, trig *Trigger, raw string) (bool, error) {
	var payload UpdateOrderPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return false, errors.Wrap(err, "parse update extraction")
	}
	if payload.OrderCode == "" {
		slog.Warn("update extraction carries no order code, skipping dispatch",
			slog.String("company_id", trig.CompanyID))
		return false, nil
	}

	return true, e.send(ctx, trig, webhook.Delivery{
		Method:   http.MethodPut,
		URL:      webhook.JoinURL(e.backendURL, webhook.PathOrderUpdate(payload.OrderCode)),
		Envelope: webhook.NewEnvelope(webhook.EventOrderUpdated, trig.CompanyID, payload, trig.Metadata),
	})
}

func (e *Engine) dispatchCheckQuantity(ctx context.Context, trig *Trigger, raw string) (bool, error) {
	var payload CheckQuantityPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return false, errors.Wrap(err, "parse quantity extraction")
	}
	if len(payload.Products) == 0 {
		slog.Warn("quantity extraction produced no products, skipping dispatch",
			slog.String("company_id", trig.CompanyID))
		return false, nil
	}

	return true, e.send(ctx, trig, webhook.Delivery{
		Method:   http.MethodPost,
		URL:      webhook.JoinURL(e.backendURL, webhook.PathOrderCheckQuantity),
		Envelope: webhook.NewEnvelope(webhook.EventOrderCheckQuantity, trig.CompanyID, payload, trig.Metadata),
	})
}

func (e *Engine) send(ctx context.Context, trig *Trigger, d webhook.Delivery) error {
	if err := e.dispatcher.Send(ctx, d); err != nil {
		return err
	}
	slog.Info("order webhook dispatched",
		slog.String("event", d.Envelope.Event),
		slog.String("intent", trig.Intent),
		slog.String("company_id", trig.CompanyID))
	return nil
}

func extractionMessages(trig *Trigger) []llm.Message {
	var system string
	switch trig.Intent {
	case UpdateOrder:
		system = updateOrderExtraction
	case CheckQuantity:
		system = checkQuantityExtraction
	default:
		system = placeOrderExtraction
	}

	turns := trig.History
	if len(turns) > maxScratchTurns {
		turns = turns[len(turns)-maxScratchTurns:]
	}

	var b strings.Builder
	b.WriteString("Conversation:\n")
	for _, turn := range turns {
		label := "User"
		if turn.Role == session.RoleAssistant {
			label = "Assistant"
		}
		b.WriteString(label + ": " + turn.Content + "\n")
	}

	return []llm.Message{
		llm.SystemPrompt(system),
		llm.UserMessage(b.String()),
	}
}

// stripFences removes a markdown code fence around a JSON body, which
// some providers emit even in JSON mode.
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
