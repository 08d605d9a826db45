package v1

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/saleschat/aiservice/ai/stream"
)

// streamTerminator closes every frontend stream, success or failure.
const streamTerminator = "data: [DONE]\n\n"

// streamWriter renders engine events as server-sent-event frames. Headers
// are written lazily on the first event, so a turn that fails before
// streaming can still surface as a plain HTTP error.
type streamWriter struct {
	resp    *echo.Response
	started bool
}

func newStreamWriter(resp *echo.Response) *streamWriter {
	return &streamWriter{resp: resp}
}

// Started reports whether the response is already committed to the event
// stream shape.
func (w *streamWriter) Started() bool {
	return w.started
}

// Emit writes one `data: <json>` frame and flushes it to the client.
func (w *streamWriter) Emit(ev stream.Event) error {
	if !w.started {
		h := w.resp.Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.resp.WriteHeader(http.StatusOK)
		w.started = true
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal stream event")
	}
	if _, err := fmt.Fprintf(w.resp, "data: %s\n\n", payload); err != nil {
		return errors.Wrap(err, "write stream event")
	}
	w.resp.Flush()
	return nil
}

// Terminate writes the [DONE] sentinel after the engine finished cleanly.
func (w *streamWriter) Terminate() error {
	if _, err := io.WriteString(w.resp, streamTerminator); err != nil {
		return errors.Wrap(err, "write stream terminator")
	}
	w.resp.Flush()
	return nil
}
