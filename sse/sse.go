// ABOUTME: Server-Sent Events decoder following the W3C EventSource wire format.
// ABOUTME: Used by the watch command and tests to consume the gateway's thinking streams.

package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is one decoded server-sent event.
type Event struct {
	// Type comes from the "event:" field; empty defaults to "message".
	Type string
	// Data joins all "data:" lines with newlines.
	Data string
	// ID comes from the "id:" field.
	ID string
}

// Decoder reads events from a stream. It tolerates CR, LF, and CRLF line
// endings and skips comment lines.
type Decoder struct {
	r    *bufio.Reader
	done bool
}

// NewDecoder wraps the reader in an event decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096)}
}

// Next returns the next event, or io.EOF once the stream ends. A final event
// without a trailing blank line is still delivered.
func (d *Decoder) Next() (Event, error) {
	if d.done {
		return Event{}, io.EOF
	}

	var (
		eventType string
		data      []string
		id        string
		haveData  bool
	)

	flush := func() Event {
		typ := eventType
		if typ == "" {
			typ = "message"
		}
		return Event{Type: typ, Data: strings.Join(data, "\n"), ID: id}
	}

	for {
		line, err := d.readLine()
		if err != nil {
			d.done = true
			if err == io.EOF && haveData {
				return flush(), nil
			}
			return Event{}, err
		}

		switch {
		case line == "":
			if !haveData && eventType == "" {
				continue
			}
			return flush(), nil
		case strings.HasPrefix(line, ":"):
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			eventType = value
		case "data":
			data = append(data, value)
			haveData = true
		case "id":
			id = value
		}
		// "retry" and unknown fields are ignored.
	}
}

// splitField separates an SSE line into field and value, stripping the single
// optional space after the colon.
func splitField(line string) (string, string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field, value := line[:idx], line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return field, value
}

// readLine reads one line, treating CR, LF, and CRLF as terminators.
func (d *Decoder) readLine() (string, error) {
	var b strings.Builder
	for {
		c, err := d.r.ReadByte()
		if err != nil {
			if err == io.EOF && b.Len() > 0 {
				return b.String(), nil
			}
			return "", err
		}
		switch c {
		case '\n':
			return b.String(), nil
		case '\r':
			if next, err := d.r.ReadByte(); err == nil && next != '\n' {
				_ = d.r.UnreadByte()
			}
			return b.String(), nil
		default:
			b.WriteByte(c)
		}
	}
}
