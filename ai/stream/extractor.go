package stream

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/saleschat/aiservice/ai/intent"
)

// Frame is the structured response the model is instructed to emit.
type Frame struct {
	Thinking struct {
		Intent    string `json:"intent"`
		Persona   string `json:"persona"`
		Reasoning string `json:"reasoning"`
		Language  string `json:"language"`
	} `json:"thinking"`
	Intent      string `json:"intent"`
	Language    string `json:"language"`
	FinalAnswer string `json:"final_answer"`
}

const (
	modeDetect = iota
	modeJSON
	modeRaw
)

// The frame carries no model-side confidence; these values distinguish a
// valid classification from the fallback.
const (
	intentConfidence         = 0.9
	fallbackIntentConfidence = 0.5
)

var (
	languageRe = regexp.MustCompile(`"language"\s*:\s*"([A-Za-z-]+)"`)
	intentRe   = regexp.MustCompile(`"intent"\s*:\s*"([A-Z_]+)"`)
	answerKey  = []byte(`"final_answer"`)
)

// Extractor consumes raw model output chunk by chunk and produces the typed
// event sequence. It tolerates partial JSON: metadata events fire as soon
// as the corresponding field is resolvable, and final_answer text streams
// out with JSON string escapes decoded.
//
// Not safe for concurrent use; one extractor serves one model stream.
type Extractor struct {
	data []byte

	mode      int
	jsonStart int // offset where the payload begins after fence stripping

	language      string
	intentName    string
	langEmitted   bool
	intentEmitted bool

	answerSeek    int // resume point for locating the final_answer key
	answerStarted bool
	answerDone    bool
	valuePos      int // next undecoded byte of the answer value
	answer        strings.Builder

	rawConsumed int // modeRaw: bytes already emitted

	doneEmitted bool
	finished    bool
}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// Feed consumes the next raw chunk and returns any newly resolvable events.
func (e *Extractor) Feed(chunk string) []Event {
	if e.finished || chunk == "" {
		return nil
	}
	e.data = append(e.data, chunk...)
	return e.scan()
}

// Finish marks end of stream and returns the trailing events, closing with
// Done exactly once. Later calls return nil.
func (e *Extractor) Finish() []Event {
	if e.finished {
		return nil
	}
	e.finished = true

	events := e.scan()

	if e.mode == modeJSON && !e.answerStarted {
		// The incremental path never located the answer; a full parse may
		// still recover it (unusual spacing, answer before metadata).
		if frame, ok := e.parseFrame(); ok && frame.FinalAnswer != "" {
			events = append(events, e.adoptFrame(frame)...)
		}
	}

	if !e.doneEmitted {
		e.doneEmitted = true
		events = append(events, DoneEvent())
	}
	return events
}

// Language returns the resolved language code, empty until known.
func (e *Extractor) Language() string {
	return e.language
}

// Intent returns the resolved intent, defaulting to GENERAL_CHAT when the
// model never produced a usable one.
func (e *Extractor) Intent() string {
	if e.intentName == "" {
		return intent.GeneralChat
	}
	return e.intentName
}

// FinalAnswer returns the accumulated decoded answer text.
func (e *Extractor) FinalAnswer() string {
	return e.answer.String()
}

// Frame returns the fully parsed structured response. ok is false when the
// output never formed a complete JSON object.
func (e *Extractor) Frame() (*Frame, bool) {
	if e.mode != modeJSON {
		return nil, false
	}
	return e.parseFrame()
}

func (e *Extractor) scan() []Event {
	var events []Event

	if e.mode == modeDetect && !e.detect() {
		return nil
	}

	if e.mode == modeRaw {
		end := len(e.data)
		if !e.finished {
			end = e.rawConsumed + completeUTF8(e.data[e.rawConsumed:])
		}
		if end > e.rawConsumed {
			delta := string(e.data[e.rawConsumed:end])
			e.rawConsumed = end
			e.answer.WriteString(delta)
			events = append(events, ContentDelta(delta))
		}
		return events
	}

	body := e.data[e.jsonStart:]

	if !e.langEmitted {
		if m := languageRe.FindSubmatch(body); m != nil {
			e.language = string(m[1])
			e.langEmitted = true
			events = append(events, LanguageEvent(e.language))
		}
	}
	if !e.intentEmitted {
		if m := intentRe.FindSubmatch(body); m != nil {
			events = append(events, e.emitIntent(string(m[1])))
		}
	}

	if !e.answerStarted && !e.answerDone {
		e.locateAnswer()
	}
	if e.answerStarted && !e.answerDone {
		if delta := e.decodeAnswer(); delta != "" {
			events = append(events, ContentDelta(delta))
		}
	}
	if e.answerDone && !e.doneEmitted {
		// The first closing brace after the answer value ends the frame.
		if i := bytes.IndexByte(e.data[e.valuePos:], '}'); i >= 0 {
			e.doneEmitted = true
			events = append(events, DoneEvent())
		}
	}

	return events
}

func (e *Extractor) emitIntent(name string) Event {
	e.intentEmitted = true
	if intent.Valid(name) {
		e.intentName = name
		return IntentEvent(name, intentConfidence)
	}
	e.intentName = intent.GeneralChat
	return IntentEvent(intent.GeneralChat, fallbackIntentConfidence)
}

// adoptFrame replays metadata from a fully parsed frame and replaces any
// previously streamed content with the recovered answer.
func (e *Extractor) adoptFrame(frame *Frame) []Event {
	var events []Event

	language := frame.Thinking.Language
	if language == "" {
		language = frame.Language
	}
	if !e.langEmitted && language != "" {
		e.language = language
		e.langEmitted = true
		events = append(events, LanguageEvent(language))
	}

	name := frame.Thinking.Intent
	if name == "" {
		name = frame.Intent
	}
	if !e.intentEmitted && name != "" {
		events = append(events, e.emitIntent(name))
	}

	e.answer.Reset()
	e.answer.WriteString(frame.FinalAnswer)
	events = append(events, ContentReplace(frame.FinalAnswer))
	return events
}

// detect decides JSON vs raw mode. Returns false while undecided.
func (e *Extractor) detect() bool {
	i := 0
	for i < len(e.data) && isSpace(e.data[i]) {
		i++
	}
	if i >= len(e.data) {
		return false
	}

	rest := e.data[i:]

	// A markdown fence hides the real first byte; look past the fence line.
	if rest[0] == '`' {
		if len(rest) < 3 && !e.finished {
			return false
		}
		if bytes.HasPrefix(rest, []byte("```")) {
			nl := bytes.IndexByte(rest, '\n')
			if nl < 0 {
				if !e.finished {
					return false
				}
				e.startRaw(i)
				return true
			}
			j := i + nl + 1
			for j < len(e.data) && isSpace(e.data[j]) {
				j++
			}
			if j >= len(e.data) {
				if !e.finished {
					return false
				}
				e.startRaw(j)
				return true
			}
			if e.data[j] == '{' {
				e.startJSON(j)
				return true
			}
			e.startRaw(j)
			return true
		}
		e.startRaw(i)
		return true
	}

	if rest[0] == '{' {
		e.startJSON(i)
		return true
	}
	e.startRaw(i)
	return true
}

func (e *Extractor) startJSON(at int) {
	e.mode = modeJSON
	e.jsonStart = at
	e.answerSeek = at
}

func (e *Extractor) startRaw(at int) {
	e.mode = modeRaw
	e.jsonStart = at
	e.rawConsumed = at
}

// locateAnswer finds the final_answer key and the opening quote of its
// value, holding position across feeds when the key or separator is split.
func (e *Extractor) locateAnswer() {
	idx := bytes.Index(e.data[e.answerSeek:], answerKey)
	if idx < 0 {
		// Keep the tail so a key split across feeds is still found.
		if n := len(e.data) - len(answerKey) + 1; n > e.answerSeek {
			e.answerSeek = n
		}
		return
	}

	keyAt := e.answerSeek + idx
	pos := keyAt + len(answerKey)
	for pos < len(e.data) && isSpace(e.data[pos]) {
		pos++
	}
	if pos >= len(e.data) {
		e.answerSeek = keyAt
		return
	}
	if e.data[pos] != ':' {
		// Not a key position (quoted text elsewhere); skip past it.
		e.answerSeek = keyAt + len(answerKey)
		return
	}
	pos++
	for pos < len(e.data) && isSpace(e.data[pos]) {
		pos++
	}
	if pos >= len(e.data) {
		e.answerSeek = keyAt
		return
	}
	if e.data[pos] != '"' {
		e.answerSeek = keyAt + len(answerKey)
		return
	}

	e.answerStarted = true
	e.valuePos = pos + 1
}

// decodeAnswer decodes value bytes from valuePos forward, stopping at the
// closing quote or when an escape sequence or multi-byte rune is split
// across feeds.
func (e *Extractor) decodeAnswer() string {
	var sb strings.Builder
	pos := e.valuePos
	data := e.data

loop:
	for pos < len(data) {
		c := data[pos]
		if c == '"' {
			e.answerDone = true
			pos++
			break
		}
		if c >= 0x80 {
			n := runeLen(c)
			if pos+n > len(data) {
				if e.finished {
					sb.Write(data[pos:])
					pos = len(data)
				}
				break
			}
			sb.Write(data[pos : pos+n])
			pos += n
			continue
		}
		if c != '\\' {
			sb.WriteByte(c)
			pos++
			continue
		}
		if pos+1 >= len(data) {
			if e.finished {
				pos = len(data)
			}
			break
		}
		switch data[pos+1] {
		case 'n':
			sb.WriteByte('\n')
			pos += 2
		case 't':
			sb.WriteByte('\t')
			pos += 2
		case 'r':
			sb.WriteByte('\r')
			pos += 2
		case '"':
			sb.WriteByte('"')
			pos += 2
		case '\\':
			sb.WriteByte('\\')
			pos += 2
		case '/':
			sb.WriteByte('/')
			pos += 2
		case 'b':
			sb.WriteByte('\b')
			pos += 2
		case 'f':
			sb.WriteByte('\f')
			pos += 2
		case 'u':
			r, consumed, ok := decodeUnicodeEscape(data[pos:], e.finished)
			if !ok {
				break loop
			}
			sb.WriteRune(r)
			pos += consumed
		default:
			// Unknown escape: keep the escaped character.
			sb.WriteByte(data[pos+1])
			pos += 2
		}
	}

	e.valuePos = pos
	delta := sb.String()
	e.answer.WriteString(delta)
	return delta
}

// decodeUnicodeEscape decodes \uXXXX (surrogate pairs included) at the
// start of b. ok is false when more input is needed; with final=true it
// always makes progress.
func decodeUnicodeEscape(b []byte, final bool) (rune, int, bool) {
	if len(b) < 6 {
		if final {
			return utf8.RuneError, len(b), true
		}
		return 0, 0, false
	}
	hi, err := strconv.ParseUint(string(b[2:6]), 16, 32)
	if err != nil {
		return utf8.RuneError, 6, true
	}
	r := rune(hi)
	if !utf16.IsSurrogate(r) {
		return r, 6, true
	}
	if len(b) < 12 {
		if final {
			return utf8.RuneError, 6, true
		}
		return 0, 0, false
	}
	if b[6] != '\\' || b[7] != 'u' {
		return utf8.RuneError, 6, true
	}
	lo, err := strconv.ParseUint(string(b[8:12]), 16, 32)
	if err != nil {
		return utf8.RuneError, 12, true
	}
	if dec := utf16.DecodeRune(r, rune(lo)); dec != utf8.RuneError {
		return dec, 12, true
	}
	return utf8.RuneError, 12, true
}

func (e *Extractor) parseFrame() (*Frame, bool) {
	body := bytes.TrimSpace(e.data[e.jsonStart:])
	if bytes.HasSuffix(body, []byte("```")) {
		body = bytes.TrimSpace(body[:len(body)-3])
	}
	var frame Frame
	if err := json.Unmarshal(body, &frame); err != nil {
		return nil, false
	}
	return &frame, true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func runeLen(c byte) int {
	switch {
	case c&0xE0 == 0xC0:
		return 2
	case c&0xF0 == 0xE0:
		return 3
	case c&0xF8 == 0xF0:
		return 4
	default:
		return 1
	}
}

// completeUTF8 returns the length of the longest prefix of b ending on a
// rune boundary, so a split trailing sequence waits for the next feed.
func completeUTF8(b []byte) int {
	end := len(b)
	for j := 1; j <= utf8.UTFMax && end-j >= 0; j++ {
		c := b[end-j]
		if c < 0x80 {
			return end
		}
		if c >= 0xC0 {
			if runeLen(c) <= j {
				return end
			}
			return end - j
		}
	}
	return end
}
