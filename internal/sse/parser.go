// Package sse decodes the backend's event-stream body into discrete frames.
//
// Records are separated by a blank line. Inside a record, "event:" names the
// frame and one or more "data:" lines carry a JSON payload; multiple data
// lines are concatenated. Everything else is ignored. The Parser is fed
// arbitrary chunks of the body and keeps the unfinished tail between calls,
// so a record split across network reads is reassembled before it is emitted.
package sse

import (
	"bytes"
	"encoding/json"

	"github.com/tbourn/go-chat-relay/internal/domain"
)

var (
	prefixEvent = []byte("event:")
	prefixData  = []byte("data:")
)

// Parser is an incremental record splitter. The zero value is ready to use.
// A Parser is not safe for concurrent use; one attempt owns one Parser.
type Parser struct {
	buf []byte
}

// Feed appends chunk to the pending buffer and returns every record that is
// now complete. Records without a data line are dropped.
func (p *Parser) Feed(chunk []byte) []domain.StreamFrame {
	if len(chunk) == 0 {
		return nil
	}
	p.buf = append(p.buf, chunk...)
	p.buf = normalizeNewlines(p.buf)

	var out []domain.StreamFrame
	for {
		i := bytes.Index(p.buf, []byte("\n\n"))
		if i < 0 {
			break
		}
		if f, ok := parseRecord(p.buf[:i]); ok {
			out = append(out, f)
		}
		p.buf = p.buf[i+2:]
	}
	// Keep the tail in a fresh slice so the consumed prefix can be collected.
	if len(p.buf) > 0 {
		p.buf = append([]byte(nil), p.buf...)
	} else {
		p.buf = nil
	}
	return out
}

// Flush returns the pending partial record, if it forms a valid frame, and
// resets the parser. Call it once the body reaches EOF.
func (p *Parser) Flush() []domain.StreamFrame {
	rest := bytes.TrimRight(p.buf, "\n")
	p.buf = nil
	if len(rest) == 0 {
		return nil
	}
	if f, ok := parseRecord(rest); ok {
		return []domain.StreamFrame{f}
	}
	return nil
}

// Buffered reports how many bytes of an unfinished record are retained.
func (p *Parser) Buffered() int { return len(p.buf) }

// normalizeNewlines rewrites CRLF pairs to LF. A lone trailing CR is kept
// because its LF may arrive with the next chunk.
func normalizeNewlines(b []byte) []byte {
	if bytes.IndexByte(b, '\r') < 0 {
		return b
	}
	out := b[:0]
	for i := 0; i < len(b); i++ {
		if b[i] == '\r' && i+1 < len(b) && b[i+1] == '\n' {
			continue
		}
		out = append(out, b[i])
	}
	return out
}

func parseRecord(rec []byte) (domain.StreamFrame, bool) {
	var (
		event string
		data  []byte
	)
	for _, line := range bytes.Split(rec, []byte("\n")) {
		switch {
		case bytes.HasPrefix(line, prefixEvent):
			event = string(bytes.TrimSpace(line[len(prefixEvent):]))
		case bytes.HasPrefix(line, prefixData):
			data = append(data, bytes.TrimSpace(line[len(prefixData):])...)
		}
	}
	if len(data) == 0 {
		return domain.StreamFrame{}, false
	}
	return domain.StreamFrame{Event: event, Payload: json.RawMessage(data)}, true
}

// framePayload is the union of the JSON shapes the backend emits.
type framePayload struct {
	Type    string  `json:"type"`
	Delta   *string `json:"delta"`
	Message string  `json:"message"`
}

// Parse validates a frame into its tagged form. Malformed JSON and unknown
// events map to FrameUnknown; Parse never fails. When the event line is
// missing, the payload's "type" field names the event instead.
func Parse(f domain.StreamFrame) domain.ParsedFrame {
	var p framePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return domain.ParsedFrame{Kind: domain.FrameUnknown}
	}
	event := f.Event
	if event == "" {
		event = p.Type
	}
	switch event {
	case domain.EventChunk:
		if p.Delta == nil {
			return domain.ParsedFrame{Kind: domain.FrameUnknown}
		}
		return domain.ParsedFrame{Kind: domain.FrameChunk, Delta: *p.Delta}
	case domain.EventError:
		return domain.ParsedFrame{Kind: domain.FrameError, Message: p.Message}
	case domain.EventDone:
		return domain.ParsedFrame{Kind: domain.FrameDone}
	}
	return domain.ParsedFrame{Kind: domain.FrameUnknown}
}
