// Package stream decodes server-sent completion events into tokens.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/davidbz/aibridge/internal/domain"
	"github.com/davidbz/aibridge/internal/observability"
)

const (
	readSize = 4096

	errorPrefix = "error:"
	donePrefix  = "data: [DONE]"
	dataPrefix  = "data: {"
	dataTag     = "data:"
)

//nolint:gochecknoglobals // frame delimiter
var frameDelimiter = []byte("\n\n")

// Decoder accumulates chunks and emits one token per data frame.
// It is not safe for concurrent use.
type Decoder struct {
	ctx      context.Context
	listener domain.TokenListener

	buf    []byte
	result strings.Builder
	failed error
}

// NewDecoder creates a decoder that forwards non-empty tokens to listener.
func NewDecoder(ctx context.Context, listener domain.TokenListener) *Decoder {
	return &Decoder{ctx: ctx, listener: listener}
}

// Feed appends a chunk and dispatches every complete frame it closes.
// The listener has returned for each token before Feed returns.
func (d *Decoder) Feed(chunk []byte) error {
	if d.failed != nil {
		return d.failed
	}

	d.buf = append(d.buf, chunk...)

	for {
		d.buf = bytes.TrimLeft(d.buf, "\n")

		end := bytes.Index(d.buf, frameDelimiter)
		if end < 0 {
			return nil
		}

		frame := strings.TrimSpace(string(d.buf[:end]))
		d.buf = d.buf[end+len(frameDelimiter):]

		if err := d.dispatch(frame); err != nil {
			d.failed = err
			return err
		}
	}
}

// Finish ends the stream and returns the joined tokens.
// Unconsumed non-whitespace bytes mean the stream ended mid-frame.
func (d *Decoder) Finish() (string, error) {
	if d.failed != nil {
		return "", d.failed
	}

	if rest := bytes.TrimSpace(d.buf); len(rest) > 0 {
		observability.FromContext(d.ctx).Warn("stream ended with unprocessed data",
			observability.String("data", string(rest)))
		d.failed = fmt.Errorf("%w: stream ended mid-frame", domain.ErrStreamProtocol)
		return "", d.failed
	}

	return d.result.String(), nil
}

func (d *Decoder) dispatch(frame string) error {
	switch {
	case strings.HasPrefix(frame, errorPrefix):
		return &domain.StreamError{Text: strings.TrimSpace(frame[len(errorPrefix):])}

	case strings.HasPrefix(frame, donePrefix):
		return nil

	case strings.HasPrefix(frame, dataPrefix):
		token := d.token(strings.TrimSpace(frame[len(dataTag):]))
		if token == "" {
			return nil
		}
		d.result.WriteString(token)
		if d.listener != nil {
			if err := d.listener(token); err != nil {
				return fmt.Errorf("token listener failed: %w", err)
			}
		}
		return nil

	default:
		observability.FromContext(d.ctx).Warn("unexpected stream frame",
			observability.String("frame", frame))
		return fmt.Errorf("%w: unexpected frame format", domain.ErrStreamProtocol)
	}
}

// token extracts the chat delta or the legacy completion text.
// Malformed payloads yield an empty token.
func (d *Decoder) token(payload string) string {
	if !gjson.Valid(payload) {
		observability.FromContext(d.ctx).Warn("failed to parse stream payload",
			observability.String("payload", payload))
		return ""
	}

	choice := gjson.Get(payload, "choices.0")
	if content := choice.Get("delta.content").String(); content != "" {
		return content
	}
	return choice.Get("text").String()
}

// Decode reads r to the end, forwarding tokens to listener, and returns the joined result.
func Decode(ctx context.Context, r io.Reader, listener domain.TokenListener) (string, error) {
	decoder := NewDecoder(ctx, listener)
	chunk := make([]byte, readSize)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, readErr := r.Read(chunk)
		if n > 0 {
			if err := decoder.Feed(chunk[:n]); err != nil {
				return "", err
			}
		}

		if errors.Is(readErr, io.EOF) {
			return decoder.Finish()
		}
		if readErr != nil {
			return "", fmt.Errorf("failed to read stream: %w", readErr)
		}
	}
}
