// ABOUTME: Tests for the SSE decoder and writer, including a round trip through both.
// ABOUTME: Covers multi-line data, comments, line-ending variants, and final events without blank lines.

package sse

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDecoderBasic(t *testing.T) {
	input := "event: thinking\ndata: {\"phase\":\"plan\"}\n\nevent: complete\ndata: done\n\n"
	d := NewDecoder(strings.NewReader(input))

	first, err := d.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if first.Type != "thinking" || first.Data != `{"phase":"plan"}` {
		t.Errorf("first = %+v", first)
	}

	second, err := d.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if second.Type != "complete" || second.Data != "done" {
		t.Errorf("second = %+v", second)
	}

	if _, err := d.Next(); err != io.EOF {
		t.Errorf("after stream end err = %v, want EOF", err)
	}
}

func TestDecoderMultiLineData(t *testing.T) {
	d := NewDecoder(strings.NewReader("data: line one\ndata: line two\n\n"))
	evt, err := d.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if evt.Type != "message" {
		t.Errorf("Type = %q, want default message", evt.Type)
	}
	if evt.Data != "line one\nline two" {
		t.Errorf("Data = %q", evt.Data)
	}
}

func TestDecoderSkipsComments(t *testing.T) {
	d := NewDecoder(strings.NewReader(": keepalive\n\ndata: real\n\n"))
	evt, err := d.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if evt.Data != "real" {
		t.Errorf("Data = %q, want real (comment skipped)", evt.Data)
	}
}

func TestDecoderLineEndings(t *testing.T) {
	for _, ending := range []string{"\n", "\r", "\r\n"} {
		input := "data: x" + ending + ending
		d := NewDecoder(strings.NewReader(input))
		evt, err := d.Next()
		if err != nil {
			t.Fatalf("ending %q: %v", ending, err)
		}
		if evt.Data != "x" {
			t.Errorf("ending %q: Data = %q", ending, evt.Data)
		}
	}
}

func TestDecoderFinalEventWithoutBlankLine(t *testing.T) {
	d := NewDecoder(strings.NewReader("event: complete\ndata: tail"))
	evt, err := d.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if evt.Type != "complete" || evt.Data != "tail" {
		t.Errorf("evt = %+v", evt)
	}
}

func TestWriterRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter() error: %v", err)
	}

	type payload struct {
		Phase string `json:"phase"`
		Seq   int    `json:"seq"`
	}
	if err := w.Event("thinking", payload{Phase: "analyze", Seq: 1}); err != nil {
		t.Fatalf("Event() error: %v", err)
	}
	if err := w.Comment("ping"); err != nil {
		t.Fatalf("Comment() error: %v", err)
	}
	if err := w.Event("complete", payload{Phase: "save", Seq: 9}); err != nil {
		t.Fatalf("Event() error: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	d := NewDecoder(strings.NewReader(rec.Body.String()))
	first, err := d.Next()
	if err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if first.Type != "thinking" || !strings.Contains(first.Data, `"analyze"`) {
		t.Errorf("first = %+v", first)
	}
	second, err := d.Next()
	if err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if second.Type != "complete" || !strings.Contains(second.Data, `"seq":9`) {
		t.Errorf("second = %+v", second)
	}
}

func TestWriterMultiLinePayload(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.EventRaw("note", []byte("a\nb")); err != nil {
		t.Fatal(err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "data: a\ndata: b\n\n") {
		t.Errorf("body = %q, want two data lines", body)
	}

	d := NewDecoder(strings.NewReader(body))
	evt, err := d.Next()
	if err != nil {
		t.Fatal(err)
	}
	if evt.Data != "a\nb" {
		t.Errorf("round-tripped Data = %q", evt.Data)
	}
}
