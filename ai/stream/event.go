// Package stream turns the model's JSON-framed output into typed events as
// tokens arrive. The frontend SSE writer and the backend response collector
// both consume the same event sequence.
package stream

import "encoding/json"

// EventType tags an Event. The values are the wire-level "type" field.
type EventType string

const (
	EventLanguage       EventType = "language"
	EventIntent         EventType = "intent"
	EventContentReplace EventType = "content"
	EventContentDelta   EventType = "content"
	EventDone           EventType = "done"
	EventError          EventType = "error"
)

// Event is one tagged variant of the extractor's output. Exactly the fields
// implied by Type are meaningful.
type Event struct {
	Type       EventType
	Language   string
	Intent     string
	Confidence float64
	Content    string // replace text, delta text, or error message
	Replace    bool   // distinguishes content replace from delta
}

// Constructors keep call sites readable.

func LanguageEvent(code string) Event {
	return Event{Type: EventLanguage, Language: code}
}

func IntentEvent(name string, confidence float64) Event {
	return Event{Type: EventIntent, Intent: name, Confidence: confidence}
}

func ContentDelta(delta string) Event {
	return Event{Type: EventContentDelta, Content: delta}
}

func ContentReplace(content string) Event {
	return Event{Type: EventContentReplace, Content: content, Replace: true}
}

func DoneEvent() Event {
	return Event{Type: EventDone}
}

func ErrorEvent(message string) Event {
	return Event{Type: EventError, Content: message}
}

// MarshalJSON renders the event in the streaming protocol shape:
//
//	{"type":"language","language":"vi"}
//	{"type":"intent","intent":"SALES_INQUIRY","confidence":0.9}
//	{"type":"content","delta":"..."} or {"type":"content","content":"..."}
//	{"type":"done"}
//	{"type":"error","error":"..."}
func (ev Event) MarshalJSON() ([]byte, error) {
	switch ev.Type {
	case EventLanguage:
		return json.Marshal(struct {
			Type     EventType `json:"type"`
			Language string    `json:"language"`
		}{ev.Type, ev.Language})
	case EventIntent:
		return json.Marshal(struct {
			Type       EventType `json:"type"`
			Intent     string    `json:"intent"`
			Confidence float64   `json:"confidence"`
		}{ev.Type, ev.Intent, ev.Confidence})
	case EventDone:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{ev.Type})
	case EventError:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Error string    `json:"error"`
		}{ev.Type, ev.Content})
	default:
		if ev.Replace {
			return json.Marshal(struct {
				Type    EventType `json:"type"`
				Content string    `json:"content"`
			}{ev.Type, ev.Content})
		}
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Delta string    `json:"delta"`
		}{ev.Type, ev.Content})
	}
}
