package stream

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

type recordingObserver struct {
	forwarded map[Kind]int
	dropped   map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{forwarded: map[Kind]int{}, dropped: map[string]int{}}
}

func (o *recordingObserver) FrameForwarded(k Kind)      { o.forwarded[k]++ }
func (o *recordingObserver) FrameDropped(reason string) { o.dropped[reason]++ }

func collect(t *testing.T, r io.Reader, opts ...Option) ([]string, error) {
	t.Helper()
	var out []string
	for text, err := range Translate(r, opts...) {
		if err != nil {
			return out, err
		}
		out = append(out, text)
	}
	return out, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestClassify(t *testing.T) {
	tests := map[string]Kind{
		"":                      KindUntyped,
		"TextChunk":             KindIncremental,
		"TextDelta":             KindIncremental,
		"Inform":                KindAggregate,
		"EndOfTurn":             KindUnrecognized,
		"ProgressIndicator":     KindUnrecognized,
		"TextComplete":          KindAggregate,
		"MessageDone":           KindAggregate,
		"STREAM_COMPLETE_EVENT": KindAggregate,
	}
	for typ, want := range tests {
		if got := Classify(typ); got != want {
			t.Errorf("Classify(%q) = %s, want %s", typ, got, want)
		}
	}
}

func TestParseEventLookupOrder(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		wantType    string
		wantContent string
	}{
		{name: "nested message", payload: `{"message":{"type":"TextChunk","message":"a","delta":"b"}}`, wantType: "TextChunk", wantContent: "a"},
		{name: "nested delta", payload: `{"message":{"type":"TextDelta","delta":"b","text":"c"}}`, wantType: "TextDelta", wantContent: "b"},
		{name: "nested text", payload: `{"message":{"text":"c"},"content":"d"}`, wantContent: "c"},
		{name: "top level", payload: `{"type":"Inform","content":"d"}`, wantType: "Inform", wantContent: "d"},
		{name: "empty string skipped", payload: `{"message":{"message":"","delta":"x"}}`, wantContent: "x"},
		{name: "non string ignored", payload: `{"message":{"message":42},"content":"y"}`, wantContent: "y"},
		{name: "no content", payload: `{"message":{"type":"ProgressIndicator"}}`, wantType: "ProgressIndicator"},
		{name: "whitespace kept", payload: `{"content":" world"}`, wantContent: " world"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tc.payload))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if ev.Type != tc.wantType || ev.Content != tc.wantContent {
				t.Fatalf("got type=%q content=%q, want type=%q content=%q", ev.Type, ev.Content, tc.wantType, tc.wantContent)
			}
		})
	}
	if _, err := ParseEvent([]byte(`{not json`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestTranslateTypedDeltas(t *testing.T) {
	in := "data: {\"message\":{\"type\":\"TextDelta\",\"delta\":\"Hel\"}}\n\n" +
		"data: {\"message\":{\"type\":\"TextDelta\",\"delta\":\"lo\"}}\n\n" +
		"data: [DONE]\n\n" +
		"data: {\"message\":{\"type\":\"TextDelta\",\"delta\":\"ignored\"}}\n\n"
	got, err := collect(t, strings.NewReader(in))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if want := []string{"Hel", "lo"}; !equalStrings(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTranslateUntypedAggregateForwardsSuffix(t *testing.T) {
	in := "data: {\"content\":\"Hi\"}\n" +
		"data: {\"content\":\"Hi there\"}\n" +
		"data: {\"content\":\"Hi there\"}\n" +
		"data: {\"content\":\"!\"}\n"
	obs := newRecordingObserver()
	got, err := collect(t, strings.NewReader(in), WithObserver(obs))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if want := []string{"Hi", " there", "!"}; !equalStrings(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if obs.dropped[DropDuplicate] != 1 {
		t.Fatalf("expected one duplicate drop, got %v", obs.dropped)
	}
}

func TestTranslateDropsAggregateAndUnrecognizedTypes(t *testing.T) {
	in := strings.Join([]string{
		`data: {"message":{"type":"TextChunk","message":"Hello"}}`,
		`data: {"message":{"type":"TextChunk","message":" world"}}`,
		`data: {"message":{"type":"Inform","message":"Hello world"}}`,
		`data: {"message":{"type":"TextComplete","text":"Hello world"}}`,
		`data: {"message":{"type":"ProgressIndicator","message":"Thinking"}}`,
		`data: {"type":"EndOfTurn"}`,
		"",
	}, "\n")
	obs := newRecordingObserver()
	got, err := collect(t, strings.NewReader(in), WithObserver(obs))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if want := []string{"Hello", " world"}; !equalStrings(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if obs.dropped[DropAggregate] != 2 || obs.dropped[DropUnrecognized] != 1 || obs.dropped[DropNoContent] != 1 {
		t.Fatalf("unexpected drops %v", obs.dropped)
	}
	if obs.forwarded[KindIncremental] != 2 {
		t.Fatalf("unexpected forwards %v", obs.forwarded)
	}
}

func TestTranslateTypedFramesLeaveAccumulatorAlone(t *testing.T) {
	tr := NewTranslator(nil)
	if text, ok := tr.Apply(Event{Kind: KindIncremental, Type: "TextDelta", Content: "abc"}); !ok || text != "abc" {
		t.Fatalf("unexpected typed result %q %v", text, ok)
	}
	if tr.Accumulated() != "" {
		t.Fatalf("typed frame changed accumulator to %q", tr.Accumulated())
	}
	if text, ok := tr.Apply(Event{Kind: KindUntyped, Content: "abc"}); !ok || text != "abc" {
		t.Fatalf("unexpected untyped result %q %v", text, ok)
	}
	if text, ok := tr.Apply(Event{Kind: KindUntyped, Content: "xyz"}); !ok || text != "xyz" {
		t.Fatalf("expected fresh text to be forwarded verbatim, got %q %v", text, ok)
	}
	if tr.Accumulated() != "abcxyz" {
		t.Fatalf("unexpected accumulator %q", tr.Accumulated())
	}
}

func TestTranslateSkipsNoiseLines(t *testing.T) {
	in := ": keep-alive\n" +
		"event: message\n" +
		"id: 7\n" +
		"data:{\"content\":\"no space\"}\n" +
		"   \n" +
		"data: {broken\n" +
		"  data: {\"content\":\"trimmed\"}  \r\n"
	obs := newRecordingObserver()
	got, err := collect(t, strings.NewReader(in), WithObserver(obs))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if want := []string{"trimmed"}; !equalStrings(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if obs.dropped[DropMalformed] != 1 {
		t.Fatalf("expected one malformed drop, got %v", obs.dropped)
	}
}

func TestTranslateReassemblesAcrossReads(t *testing.T) {
	in := "data: {\"message\":{\"type\":\"TextChunk\",\"message\":\"héllo\"}}\n" +
		"data: {\"content\":\"bye\"}\n"
	got, err := collect(t, iotest.OneByteReader(strings.NewReader(in)), WithReadSize(3))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if want := []string{"héllo", "bye"}; !equalStrings(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTranslateDiscardsTrailingPartialLine(t *testing.T) {
	in := "data: {\"content\":\"kept\"}\ndata: {\"content\":\"lost\"}"
	got, err := collect(t, strings.NewReader(in))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if want := []string{"kept"}; !equalStrings(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTranslateReportsUpstreamFailure(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(
		strings.NewReader("data: {\"content\":\"partial\"}\n"),
		iotest.ErrReader(boom),
	)
	got, err := collect(t, r)
	if want := []string{"partial"}; !equalStrings(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if !IsUpstreamError(err) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped upstream error, got %v", err)
	}
}

func TestTranslateStopsReadingWhenConsumerStops(t *testing.T) {
	reads := 0
	r := readerFunc(func(p []byte) (int, error) {
		reads++
		return copy(p, "data: {\"message\":{\"type\":\"TextDelta\",\"delta\":\"x\"}}\n"), nil
	})
	n := 0
	for _, err := range Translate(r) {
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
		n++
		if n == 3 {
			break
		}
	}
	if reads != 3 {
		t.Fatalf("expected reading to stop with the consumer, got %d reads", reads)
	}
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
