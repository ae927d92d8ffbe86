package service

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/tidwall/gjson"
)

// SSEEvent is one parsed server-sent event: Type is the upstream "type"
// field when the payload carries one as a string, Data is the raw JSON
// payload.
type SSEEvent struct {
	Type string
	Data []byte
}

// FormatSSE serializes e exactly as spec'd: `event: <type>\ndata: <json>\n\n`,
// omitting the event: line when Type is empty.
func FormatSSE(e SSEEvent) []byte {
	var buf bytes.Buffer
	if e.Type != "" {
		fmt.Fprintf(&buf, "event: %s\n", e.Type)
	}
	buf.WriteString("data: ")
	buf.Write(e.Data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// SSEReader incrementally parses an SSE byte stream into events, one
// event:/data: block per Next call, blocking on the underlying reader for
// more bytes as needed.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader wraps r for line-oriented SSE parsing.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &SSEReader{scanner: scanner}
}

// Next reads the next complete event block, returning io.EOF once the
// stream is exhausted.
func (s *SSEReader) Next() (SSEEvent, error) {
	var eventType string
	var data bytes.Buffer
	sawAny := false

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if sawAny {
				return SSEEvent{Type: eventType, Data: data.Bytes()}, nil
			}
			continue
		}
		sawAny = true
		switch {
		case hasPrefix(line, "event:"):
			eventType = trimFieldPrefix(line, "event:")
		case hasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(trimFieldPrefix(line, "data:"))
		}
	}

	if err := s.scanner.Err(); err != nil {
		return SSEEvent{}, err
	}
	if sawAny {
		return SSEEvent{Type: eventType, Data: data.Bytes()}, nil
	}
	return SSEEvent{}, io.EOF
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func trimFieldPrefix(line, prefix string) string {
	rest := line[len(prefix):]
	if len(rest) > 0 && rest[0] == ' ' {
		rest = rest[1:]
	}
	return rest
}

// usageFromEvent extracts primary/secondary usage figures from a
// response.completed|incomplete|failed event's `usage` object, for the
// orchestrator to feed into the rate-limit accountant; these events are the
// accountant's only usage source.
func usageFromEvent(e SSEEvent, now time.Time) (quotaStateInput, bool) {
	switch e.Type {
	case "response.completed", "response.incomplete", "response.failed":
	default:
		return quotaStateInput{}, false
	}

	root := gjson.ParseBytes(e.Data)
	var in quotaStateInput
	found := false

	if v := root.Get(usageEventPrimaryUsedPercentPath); v.Exists() {
		in.PrimaryUsedKnown = true
		in.PrimaryUsed = v.Float()
		found = true
	}
	if v := root.Get(usageEventPrimaryWindowPath); v.Exists() {
		in.PrimaryWindowMinutes = int(v.Int())
	}
	if v := root.Get(usageEventPrimaryResetAfterPath); v.Exists() {
		resetAt := now.Add(time.Duration(v.Float()) * time.Second)
		in.PrimaryReset = &resetAt
	}
	if v := root.Get(usageEventSecondaryUsedPercentPath); v.Exists() {
		in.SecondaryUsedKnown = true
		in.SecondaryUsed = v.Float()
		found = true
	}
	if v := root.Get(usageEventSecondaryResetAfterPath); v.Exists() {
		resetAt := now.Add(time.Duration(v.Float()) * time.Second)
		in.SecondaryReset = &resetAt
	}
	return in, found
}
