package stream

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// EventSource yields upstream events in order. Next returns io.EOF when the
// stream is exhausted.
type EventSource interface {
	Next() (Event, error)
}

// Scanner parses SSE wire format from an io.Reader into Events. It pairs
// "event:" lines with their following "data:" line; data lines without an
// event line fall back to the payload's "type" field.
type Scanner struct {
	reader *bufio.Reader
	done   bool
}

// NewScanner wraps an upstream response body.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{reader: bufio.NewReader(r)}
}

// Next returns the next event, or io.EOF when the stream ends.
func (s *Scanner) Next() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}

	var raw bytes.Buffer
	var eventType string

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				return Event{}, err
			}
			s.done = true
			// A final data line may arrive without a trailing newline.
			if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "data: ") {
				data := strings.TrimPrefix(trimmed, "data: ")
				if data == "[DONE]" {
					return Event{}, io.EOF
				}
				if eventType == "" {
					eventType = gjson.Get(data, "type").String()
				}
				raw.WriteString(line)
				raw.WriteString("\n\n")
				return Event{Type: eventType, Data: data, Raw: raw.Bytes()}, nil
			}
			return Event{}, io.EOF
		}

		raw.WriteString(line)
		line = strings.TrimSpace(line)
		if line == "" {
			// Block separator before any payload; keep scanning.
			raw.Reset()
			eventType = ""
			continue
		}

		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}

		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				s.done = true
				return Event{}, io.EOF
			}
			if eventType == "" {
				eventType = gjson.Get(data, "type").String()
			}
			// Terminate the block so replayed bytes stay valid SSE.
			if !strings.HasSuffix(raw.String(), "\n\n") {
				raw.WriteString("\n")
			}
			return Event{Type: eventType, Data: data, Raw: raw.Bytes()}, nil
		}

		// Comment or unknown field: keep it in the raw block.
	}
}
