package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
)

// SetHeaders prepares a response for server-sent events.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}

type contentFrame struct {
	Content string `json:"content"`
}

// WriteFrame writes one `data: {"content":...}` event.
func WriteFrame(w io.Writer, text string) error {
	var b bytes.Buffer
	b.WriteString(dataPrefix)
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(contentFrame{Content: text}); err != nil {
		return err
	}
	// Encode already terminated the line.
	b.WriteByte('\n')
	_, err := w.Write(b.Bytes())
	return err
}

// WriteDone writes the closing sentinel event.
func WriteDone(w io.Writer) error {
	_, err := io.WriteString(w, dataPrefix+doneMarker+"\n\n")
	return err
}

// Write drains frames into w, flushing after each event, and closes the
// stream with the sentinel. An upstream failure is returned as is, without
// writing the sentinel, so the caller can abort the response. Write failures
// are wrapped.
func Write(w io.Writer, flush func(), frames iter.Seq2[string, error]) error {
	if flush == nil {
		flush = func() {}
	}
	for text, err := range frames {
		if err != nil {
			return err
		}
		if err := WriteFrame(w, text); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		flush()
	}
	if err := WriteDone(w); err != nil {
		return fmt.Errorf("write done: %w", err)
	}
	flush()
	return nil
}
