// Package stream validates upstream SSE event streams before any response
// bytes are committed: events are buffered until the stream proves it will
// deliver content, so rate-limit errors surface as real HTTP errors instead
// of broken 200 responses.
package stream

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Event types that drive validation. Everything else passes through opaque.
const (
	EventTypeContentDelta = "content_block_delta"
	EventTypeError        = "error"
)

// Event is one upstream SSE event. Raw holds the original wire bytes of the
// event block so replay is byte-exact.
type Event struct {
	Type string
	Data string
	Raw  []byte
}

// IsContent reports whether the event carries assistant output.
func (e Event) IsContent() bool {
	return e.Type == EventTypeContentDelta
}

// IsError reports whether the event is an upstream error envelope.
func (e Event) IsError() bool {
	return e.Type == EventTypeError
}

// StreamingError is an upstream error surfaced during validation, before any
// client-visible bytes were written. The response layer maps it to HTTP 429.
type StreamingError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *StreamingError) Error() string {
	return fmt.Sprintf("upstream stream error (%s): %s", e.Type, e.Message)
}

// errorFromEvent extracts the error envelope of an error event. Payloads
// missing the envelope still produce a usable StreamingError.
func errorFromEvent(event Event) *StreamingError {
	streamErr := &StreamingError{Type: "unknown_error", Message: "upstream reported an error"}
	if errType := gjson.Get(event.Data, "error.type"); errType.Exists() {
		streamErr.Type = errType.String()
	}
	if errMsg := gjson.Get(event.Data, "error.message"); errMsg.Exists() {
		streamErr.Message = errMsg.String()
	}
	return streamErr
}
