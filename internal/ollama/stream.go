package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"

	"github.com/kalambet/gemi/internal/fault"
)

const maxLineSize = 4 << 20

// Chunk is one element of a chat stream. Exactly one chunk per stream has
// Done set, and it is the last.
type Chunk struct {
	Model           string   `json:"model,omitempty"`
	CreatedAt       string   `json:"created_at,omitempty"`
	Message         *Message `json:"message,omitempty"`
	Done            bool     `json:"done"`
	TotalDuration   int64    `json:"total_duration,omitempty"`
	EvalCount       int      `json:"eval_count,omitempty"`
	PromptEvalCount int      `json:"prompt_eval_count,omitempty"`
}

// Content returns the message text, or "" for chunks without a message.
func (c Chunk) Content() string {
	if c.Message == nil {
		return ""
	}
	return c.Message.Content
}

// ServerError is an error the server reported inside the stream.
type ServerError struct {
	Message string
	Type    string
}

func (e *ServerError) Error() string {
	if e.Type == "" {
		return "server error: " + e.Message
	}
	return e.Type + ": " + e.Message
}

// Stream is a pull-based chat response. Each Next call reads at most one
// line from the connection, so nothing is consumed until asked for.
// A Stream is not safe for concurrent use.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	sc     *bufio.Scanner

	err       error // sticky; io.EOF after the done chunk
	received  int
	closeOnce sync.Once
}

func newStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return &Stream{ctx: ctx, cancel: cancel, body: body, sc: sc}
}

// NewStream wraps an already open response body. Closing the stream
// closes body; cancelling ctx ends the stream.
func NewStream(ctx context.Context, body io.ReadCloser) *Stream {
	sctx, cancel := context.WithCancel(ctx)
	return newStream(sctx, cancel, body)
}

// Next returns the next chunk. It returns io.EOF once the done chunk has
// been delivered. Any other error is terminal: io.ErrUnexpectedEOF when the
// connection ends early, context.Canceled after cancellation or Close, and
// a *fault.Error of kind Server for an error reported by the server.
func (s *Stream) Next() (Chunk, error) {
	if s.err != nil {
		return Chunk{}, s.err
	}
	if err := s.ctx.Err(); err != nil {
		return s.fail(err)
	}

	for {
		ok := s.sc.Scan()
		// A chunk read after cancellation is dropped.
		if err := s.ctx.Err(); err != nil {
			return s.fail(err)
		}
		if !ok {
			if err := s.sc.Err(); err != nil {
				return s.fail(fmt.Errorf("reading chat stream: %w", err))
			}
			return s.fail(fmt.Errorf("chat stream ended before completion: %w", io.ErrUnexpectedEOF))
		}

		payload, skip := framePayload(s.sc.Bytes())
		if skip {
			continue
		}

		var wire struct {
			Chunk
			Error string `json:"error"`
			Type  string `json:"type"`
		}
		if err := json.Unmarshal(payload, &wire); err != nil {
			return s.fail(fmt.Errorf("decoding chat chunk: %w", err))
		}
		if wire.Error != "" {
			return s.fail(&fault.Error{Kind: fault.Server, Op: "chat", Err: &ServerError{Message: wire.Error, Type: wire.Type}})
		}

		s.received++
		if wire.Done {
			s.err = io.EOF
			s.Close()
		}
		return wire.Chunk, nil
	}
}

// framePayload strips Server-Sent Events framing. Blank lines, comments,
// non-data fields and the "[DONE]" sentinel are skipped.
func framePayload(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return nil, true
	}
	if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		line = bytes.TrimSpace(rest)
		if len(line) == 0 || string(line) == "[DONE]" {
			return nil, true
		}
		return line, false
	}
	for _, field := range []string{"event:", "id:", "retry:"} {
		if bytes.HasPrefix(line, []byte(field)) {
			return nil, true
		}
	}
	return line, false
}

func (s *Stream) fail(err error) (Chunk, error) {
	s.err = err
	s.Close()
	return Chunk{}, err
}

// Received is the number of chunks delivered so far.
func (s *Stream) Received() int { return s.received }

// Done reports whether the stream terminated normally.
func (s *Stream) Done() bool { return errors.Is(s.err, io.EOF) }

// Close releases the connection. Subsequent Next calls report
// context.Canceled unless the stream had already finished.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}

// Chunks adapts the stream to a range-over-func iterator. Iteration stops
// after the done chunk, or after yielding a terminal error. Breaking out
// of the loop closes the stream.
func (s *Stream) Chunks() iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		defer s.Close()
		for {
			c, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Collect drains the stream and returns the concatenated assistant text
// together with the done chunk.
func (s *Stream) Collect() (string, Chunk, error) {
	var b strings.Builder
	var final Chunk
	for c, err := range s.Chunks() {
		if err != nil {
			return b.String(), Chunk{}, err
		}
		b.WriteString(c.Content())
		if c.Done {
			final = c
		}
	}
	return b.String(), final, nil
}
