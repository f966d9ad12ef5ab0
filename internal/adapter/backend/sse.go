package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"troupe/internal/domain"
)

// maxSSELine bounds a single SSE line. Coze deltas are small but completed
// events echo the whole message.
const maxSSELine = 1024 * 1024

// sseFrame is one dispatched server-sent event.
type sseFrame struct {
	Event string
	Data  []byte
}

// fieldValue splits an SSE line into field name and value. A single space
// after the colon is optional and stripped.
func fieldValue(line []byte) (string, []byte) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return string(line), nil
	}
	value := line[i+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return string(line[:i]), value
}

// parseSSEStream reads SSE frames from body and converts each one into zero
// or one StreamEvent using parseFrame. The channel is closed when parseFrame
// reports done or the body ends. A read error or cancellation is delivered as
// a final EventError.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseFrame func(sseFrame) (*domain.StreamEvent, bool)) <-chan domain.StreamEvent {
	ch := make(chan domain.StreamEvent, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(ev domain.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// fail reports err as the last event. A free buffer slot always wins
		// over cancellation so the reader sees why the stream ended.
		fail := func(err error) {
			ev := domain.StreamEvent{Kind: domain.EventError, Err: err}
			select {
			case ch <- ev:
			default:
				send(ev)
			}
		}

		// dispatch hands the pending frame to parseFrame; false stops the loop.
		var frame sseFrame
		var data bytes.Buffer
		dispatch := func() bool {
			if frame.Event == "" && data.Len() == 0 {
				return true
			}
			frame.Data = bytes.Clone(data.Bytes())
			ev, done := parseFrame(frame)
			frame = sseFrame{}
			data.Reset()
			if ev != nil && !send(*ev) {
				fail(fmt.Errorf("%w: %w", domain.ErrBackendStream, ctx.Err()))
				return false
			}
			return !done
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				fail(fmt.Errorf("%w: %w", domain.ErrBackendStream, err))
				return
			}

			line := scanner.Bytes()
			if len(line) == 0 {
				if !dispatch() {
					return
				}
				continue
			}
			// Comments.
			if line[0] == ':' {
				continue
			}

			field, value := fieldValue(line)
			switch field {
			case "event":
				// A new event line without a blank separator starts a new frame.
				if frame.Event != "" && data.Len() > 0 {
					if !dispatch() {
						return
					}
				}
				frame.Event = string(value)
			case "data":
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.Write(value)
			}
		}

		if err := scanner.Err(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			fail(fmt.Errorf("%w: read stream: %w", domain.ErrBackendStream, err))
			return
		}
		dispatch()
	}()
	return ch
}
