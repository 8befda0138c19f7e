package stream

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

type state int

const (
	stateBuffering state = iota
	stateReplaying
)

// Validator decides whether an upstream stream is worth a 200 before any
// byte reaches the client. It buffers events until the first content delta
// proves the stream stable, then replays the buffer and forwards the rest.
// An error event seen while buffering aborts with a StreamingError instead.
type Validator struct {
	source EventSource
	state  state
	buffer []Event
	pos    int
}

// NewValidator wraps an event source. Call Validate before Next.
func NewValidator(source EventSource) *Validator {
	return &Validator{source: source}
}

// Validate consumes events until the stream proves stable or fails. It
// returns a *StreamingError when the upstream reported an error before any
// content, a context error on cancellation, or nil when the stream is safe
// to commit. A stream that ends cleanly without content is stable but empty.
func (v *Validator) Validate(ctx context.Context) error {
	if v.state == stateReplaying {
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		event, err := v.source.Next()
		if err == io.EOF {
			v.state = stateReplaying
			logrus.WithField("buffered_events", len(v.buffer)).
				Debug("Stream ended during validation, committing empty-safe stream")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read upstream stream: %w", err)
		}

		if event.IsError() {
			streamErr := errorFromEvent(event)
			logrus.WithFields(logrus.Fields{
				"error_type":      streamErr.Type,
				"buffered_events": len(v.buffer),
			}).Warn("Upstream stream failed during validation")
			return streamErr
		}

		v.buffer = append(v.buffer, event)
		if event.IsContent() {
			v.state = stateReplaying
			logrus.WithField("buffered_events", len(v.buffer)).
				Debug("Stream validated, replaying buffer")
			return nil
		}
	}
}

// Next returns the next event: first the validated buffer in order, then the
// live remainder of the source. io.EOF means the stream is done. Calling
// Next before a successful Validate is a programming error and fails loudly.
func (v *Validator) Next() (Event, error) {
	if v.state != stateReplaying {
		return Event{}, fmt.Errorf("stream not validated: Validate must succeed before Next")
	}

	if v.pos < len(v.buffer) {
		event := v.buffer[v.pos]
		v.pos++
		return event, nil
	}

	return v.source.Next()
}
