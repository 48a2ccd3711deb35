package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/charmbracelet/log"
)

const (
	dataPrefix = "data: "
	doneMarker = "[DONE]"
)

// Reasons reported to Observer.FrameDropped.
const (
	DropMalformed    = "malformed"
	DropNoContent    = "no_content"
	DropAggregate    = "aggregate"
	DropUnrecognized = "unrecognized"
	DropDuplicate    = "duplicate"
)

// UpstreamError reports that reading the upstream stream failed before it
// finished cleanly.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream stream: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsUpstreamError reports whether err came from the upstream side of a stream.
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// Observer receives per-frame outcomes, typically to drive metrics.
type Observer interface {
	FrameForwarded(kind Kind)
	FrameDropped(reason string)
}

type nopObserver struct{}

func (nopObserver) FrameForwarded(Kind) {}
func (nopObserver) FrameDropped(string) {}

type options struct {
	observer Observer
	readSize int
}

type Option func(*options)

func WithObserver(o Observer) Option {
	return func(opts *options) {
		if o != nil {
			opts.observer = o
		}
	}
}

// WithReadSize sets the size of each read from the upstream body.
func WithReadSize(n int) Option {
	return func(opts *options) {
		if n > 0 {
			opts.readSize = n
		}
	}
}

// Translator holds the dedup state of one translated message. The zero value
// is ready to use.
type Translator struct {
	accumulated string
	observer    Observer
}

func NewTranslator(o Observer) *Translator {
	if o == nil {
		o = nopObserver{}
	}
	return &Translator{observer: o}
}

// Accumulated returns the text forwarded so far through the untyped path.
func (t *Translator) Accumulated() string {
	return t.accumulated
}

// Apply decides what part of ev, if any, goes to the caller.
func (t *Translator) Apply(ev Event) (string, bool) {
	obs := t.observer
	if obs == nil {
		obs = nopObserver{}
	}
	if ev.Content == "" {
		obs.FrameDropped(DropNoContent)
		return "", false
	}
	switch ev.Kind {
	case KindIncremental:
		obs.FrameForwarded(ev.Kind)
		return ev.Content, true
	case KindAggregate:
		obs.FrameDropped(DropAggregate)
		return "", false
	case KindUnrecognized:
		log.Debug("dropping event with unrecognized type", "type", ev.Type)
		obs.FrameDropped(DropUnrecognized)
		return "", false
	}

	if strings.HasPrefix(ev.Content, t.accumulated) {
		suffix := ev.Content[len(t.accumulated):]
		t.accumulated = ev.Content
		if suffix == "" {
			obs.FrameDropped(DropDuplicate)
			return "", false
		}
		obs.FrameForwarded(ev.Kind)
		return suffix, true
	}
	t.accumulated += ev.Content
	obs.FrameForwarded(ev.Kind)
	return ev.Content, true
}

// Line processes one complete, untrimmed SSE line. done is true once the
// upstream end marker was seen.
func (t *Translator) Line(line string) (text string, forward bool, done bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, dataPrefix) {
		return "", false, false
	}
	payload := line[len(dataPrefix):]
	if payload == doneMarker {
		return "", false, true
	}
	ev, err := ParseEvent([]byte(payload))
	if err != nil {
		log.Warn("skipping malformed stream frame", "payload", clip(payload, 200))
		if t.observer != nil {
			t.observer.FrameDropped(DropMalformed)
		}
		return "", false, false
	}
	text, forward = t.Apply(ev)
	return text, forward, false
}

// lineSplitter reassembles newline terminated lines across read boundaries.
type lineSplitter struct {
	pending []byte
}

func (s *lineSplitter) Consume(chunk []byte) {
	s.pending = append(s.pending, chunk...)
}

// Next returns the next complete line, without its terminator.
func (s *lineSplitter) Next() (string, bool) {
	idx := bytes.IndexByte(s.pending, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(s.pending[:idx])
	s.pending = s.pending[idx+1:]
	return line, true
}

// Translate reads an upstream event stream and yields the text pieces to
// forward. The sequence ends after the upstream end marker or EOF. A read
// failure is yielded once as an *UpstreamError and ends the sequence.
// Stopping the iteration stops reading; the caller owns r and closes it.
func Translate(r io.Reader, opts ...Option) iter.Seq2[string, error] {
	o := options{observer: nopObserver{}, readSize: 32 << 10}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return func(yield func(string, error) bool) {
		t := NewTranslator(o.observer)
		var lines lineSplitter
		buf := make([]byte, o.readSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				lines.Consume(buf[:n])
				for {
					line, ok := lines.Next()
					if !ok {
						break
					}
					text, forward, done := t.Line(line)
					if done {
						log.Debug("upstream stream finished")
						return
					}
					if forward && !yield(text, nil) {
						return
					}
				}
			}
			if errors.Is(err, io.EOF) {
				if len(lines.pending) > 0 {
					log.Debug("discarding unterminated trailing line", "bytes", len(lines.pending))
				}
				return
			}
			if err != nil {
				yield("", &UpstreamError{Err: err})
				return
			}
		}
	}
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
