// Package prompt renders the message list for one chat turn: a fixed
// system preamble carrying the intent set and output schema, the tenant's
// profile and retrieved snippets, the recent turns, and the user message.
package prompt

import (
	"strings"

	"github.com/saleschat/aiservice/ai/core/llm"
	"github.com/saleschat/aiservice/ai/session"
)

// defaultMaxHistory bounds the scratch turns carried into the prompt when
// the caller does not set a window.
const defaultMaxHistory = 10

// systemPreamble is the fixed head of every system prompt. The intent
// names and the JSON field names are load-bearing: the stream extractor
// and the order engine key off them verbatim.
const systemPreamble = `You are a sales and customer support assistant embedded in a company's chat channels. Answer strictly from the company data provided below. When the data does not cover a question, say so briefly instead of inventing details.

Classify every user message into exactly one intent:
- INFORMATION: questions about the company itself, policies, opening hours, delivery.
- SALES_INQUIRY: questions about products or services, prices, availability.
- SUPPORT: complaints or problems with a purchase or a service.
- GENERAL_CHAT: greetings and small talk.
- PLACE_ORDER: the user wants to order products or services now.
- UPDATE_ORDER: the user wants to change an existing order and names it.
- CHECK_QUANTITY: the user asks to verify stock for a concrete quantity.

Reply with a single JSON object and nothing else:
{"thinking": {"intent": "<intent>", "persona": "<persona used>", "reasoning": "<one short sentence>", "language": "<vi|en>"}, "intent": "<intent>", "language": "<vi|en>", "final_answer": "<the reply shown to the user>"}

Rules:
- "final_answer" carries the complete reply, written in the user's language.
- Detect the language from the user message unless a hint is given below.
- Keep answers concise and concrete. Quote prices, units, and names exactly as written in the company data.`

// noContextNote stands in for the reference section when retrieval
// returned nothing, so the model never treats an absent section as
// permission to improvise.
const noContextNote = "(no matching company data for this message)"

// Input carries everything one turn's prompt is built from.
type Input struct {
	CompanyName string
	Industry    string

	// Language is the request hint: "vi", "en", or "auto"/empty for model
	// detection.
	Language string

	// CompanyContext is the rendered basic_info block, may be empty.
	CompanyContext string

	// RAGContext is the formatted retrieval block, may be empty.
	RAGContext string

	History []session.Turn
	Message string

	// MaxHistory caps the turns taken from History; <= 0 means the
	// default window.
	MaxHistory int
}

// Build renders the final message list: system, history, user.
func Build(in *Input) []llm.Message {
	history := historyMessages(in.History, in.MaxHistory)
	return llm.FormatMessages(systemSection(in), in.Message, history)
}

func systemSection(in *Input) string {
	var b strings.Builder
	b.WriteString(systemPreamble)

	b.WriteString("\n\n## Company\n")
	if in.CompanyName != "" {
		b.WriteString("Name: " + in.CompanyName + "\n")
	}
	if in.Industry != "" {
		b.WriteString("Industry: " + in.Industry + "\n")
	}
	if ctx := strings.TrimSpace(in.CompanyContext); ctx != "" {
		b.WriteString("\n" + ctx + "\n")
	}

	b.WriteString("\n## Reference data\n")
	if rag := strings.TrimSpace(in.RAGContext); rag != "" {
		b.WriteString(rag + "\n")
	} else {
		b.WriteString(noContextNote + "\n")
	}

	if lang := strings.ToLower(strings.TrimSpace(in.Language)); lang != "" && lang != "auto" {
		b.WriteString("\nLanguage hint: " + lang + "\n")
	}

	return b.String()
}

func historyMessages(turns []session.Turn, maxTurns int) []llm.Message {
	if maxTurns <= 0 {
		maxTurns = defaultMaxHistory
	}
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}

	messages := make([]llm.Message, 0, len(turns))
	for _, turn := range turns {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		switch turn.Role {
		case session.RoleUser:
			messages = append(messages, llm.UserMessage(turn.Content))
		case session.RoleAssistant:
			messages = append(messages, llm.AssistantMessage(turn.Content))
		}
	}
	return messages
}
