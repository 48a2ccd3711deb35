package stream

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind classifies an upstream event by its declared type.
type Kind int

const (
	// KindUntyped events carry content but no type discriminator.
	KindUntyped Kind = iota
	// KindIncremental events carry only new text.
	KindIncremental
	// KindAggregate events restate text already streamed.
	KindAggregate
	// KindUnrecognized events have a type that is neither of the above.
	KindUnrecognized
)

func (k Kind) String() string {
	switch k {
	case KindUntyped:
		return "untyped"
	case KindIncremental:
		return "incremental"
	case KindAggregate:
		return "aggregate"
	case KindUnrecognized:
		return "unrecognized"
	}
	return "unknown"
}

// ErrMalformedFrame is returned by ParseEvent for payloads that are not JSON.
var ErrMalformedFrame = errors.New("malformed event payload")

// Lookup order for the declared type and for the content text.
var (
	typePaths    = []string{"message.type", "type"}
	contentPaths = []string{"message.message", "message.delta", "message.text", "content"}
)

var incrementalKinds = map[string]struct{}{
	"TextChunk": {},
	"TextDelta": {},
}

// Event is one decoded upstream data frame.
type Event struct {
	Type    string
	Content string
	Kind    Kind
}

// ParseEvent decodes a data payload. An event without content is returned
// with an empty Content and must be skipped by the caller.
func ParseEvent(payload []byte) (Event, error) {
	if !gjson.ValidBytes(payload) {
		return Event{}, ErrMalformedFrame
	}
	doc := gjson.ParseBytes(payload)
	ev := Event{Type: strings.TrimSpace(firstString(doc, typePaths, true))}
	ev.Content = firstString(doc, contentPaths, false)
	ev.Kind = Classify(ev.Type)
	return ev, nil
}

// Classify maps a declared event type onto a Kind.
func Classify(eventType string) Kind {
	if eventType == "" {
		return KindUntyped
	}
	if _, ok := incrementalKinds[eventType]; ok {
		return KindIncremental
	}
	lower := strings.ToLower(eventType)
	if eventType == "Inform" || strings.Contains(lower, "complete") || strings.Contains(lower, "done") {
		return KindAggregate
	}
	return KindUnrecognized
}

func firstString(doc gjson.Result, paths []string, trim bool) string {
	for _, p := range paths {
		r := doc.Get(p)
		if r.Type != gjson.String {
			continue
		}
		s := r.Str
		if trim {
			s = strings.TrimSpace(s)
		}
		if s != "" {
			return s
		}
	}
	return ""
}
