// Package ingest turns JSON message submissions into messages.
//
// Input is either JSON Lines (one object per line) or a single JSON array of
// objects. Field names are matched leniently so that exports from other
// tools can be fed in without reshaping:
//
//	id                      message ID (optional)
//	sender | from           sender identifier
//	recipient | to          recipient identifier
//	content | body | text   payload
//	message_type | type     message type
//	sender_role | role      sender role
//	priority                priority
//	tags                    array of strings or a comma-separated string
//	created_at              RFC3339 string or unix milliseconds
//
// Decoding does not check required fields; callers run message validation
// before submitting.
package ingest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/parley/pkg/message"
	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned for input that is not well-formed JSON.
var ErrInvalidJSON = errors.New("invalid JSON")

// maxLineSize bounds a single JSONL record.
const maxLineSize = 1 << 20

var aliases = map[string][]string{
	"id":        {"id", "message_id"},
	"sender":    {"sender", "from"},
	"recipient": {"recipient", "to"},
	"content":   {"content", "body", "text"},
	"type":      {"message_type", "type"},
	"role":      {"sender_role", "role"},
	"priority":  {"priority"},
}

// LineError reports a record that could not be decoded.
type LineError struct {
	Line int // 1-based line number, or array index + 1
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Batch is the result of reading a submission.
type Batch struct {
	Messages []*message.Message
	Lines    []int // source line of each entry in Messages
	Errors   []*LineError
}

// ParseMessage decodes one JSON object.
func ParseMessage(raw []byte) (*message.Message, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrInvalidJSON
	}
	obj := gjson.ParseBytes(raw)
	if !obj.IsObject() {
		return nil, fmt.Errorf("expected a JSON object, got %s", obj.Type)
	}
	return fromResult(obj)
}

func fromResult(obj gjson.Result) (*message.Message, error) {
	m := &message.Message{
		ID:        lookup(obj, "id"),
		Sender:    lookup(obj, "sender"),
		Recipient: lookup(obj, "recipient"),
		Content:   lookup(obj, "content"),
	}

	if s := lookup(obj, "type"); s != "" {
		t, err := message.ParseType(s)
		if err != nil {
			return nil, err
		}
		m.Type = t
	}
	if s := lookup(obj, "priority"); s != "" {
		p, err := message.ParsePriority(s)
		if err != nil {
			return nil, err
		}
		m.Priority = p
	}
	if s := lookup(obj, "role"); s != "" {
		r, err := message.ParseRole(s)
		if err != nil {
			return nil, err
		}
		m.SenderRole = r
	}

	m.AddTags(parseTags(obj.Get("tags"))...)

	if created := obj.Get("created_at"); created.Exists() {
		t, err := parseTime(created)
		if err != nil {
			return nil, fmt.Errorf("created_at: %w", err)
		}
		m.CreatedAt = t
	}

	message.ApplyDefaults(m)
	return m, nil
}

// lookup returns the first alias present as a string, trimmed.
func lookup(obj gjson.Result, field string) string {
	for _, name := range aliases[field] {
		if r := obj.Get(name); r.Exists() && r.Type != gjson.Null {
			return strings.TrimSpace(r.String())
		}
	}
	return ""
}

func parseTags(r gjson.Result) []string {
	if !r.Exists() {
		return nil
	}
	var tags []string
	if r.IsArray() {
		for _, t := range r.Array() {
			tags = append(tags, t.String())
		}
		return tags
	}
	return strings.Split(r.String(), ",")
}

func parseTime(r gjson.Result) (time.Time, error) {
	switch r.Type {
	case gjson.Number:
		return time.UnixMilli(r.Int()), nil
	case gjson.String:
		return time.Parse(time.RFC3339, r.String())
	}
	return time.Time{}, fmt.Errorf("expected RFC3339 string or unix milliseconds")
}

// Read decodes a whole submission. Bad records are collected in
// Batch.Errors and do not stop the rest from being read; only an I/O
// failure is returned as an error.
func Read(r io.Reader) (*Batch, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		return readArray(trimmed), nil
	}
	return readLines(data)
}

func readArray(data []byte) *Batch {
	batch := &Batch{}
	if !gjson.ValidBytes(data) {
		batch.Errors = append(batch.Errors, &LineError{Line: 1, Err: ErrInvalidJSON})
		return batch
	}

	for i, item := range gjson.ParseBytes(data).Array() {
		batch.add(i+1, item)
	}
	return batch
}

func readLines(data []byte) (*Batch, error) {
	batch := &Batch{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		if !gjson.ValidBytes(text) {
			batch.Errors = append(batch.Errors, &LineError{Line: line, Err: ErrInvalidJSON})
			continue
		}
		batch.add(line, gjson.ParseBytes(text))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read line %d: %w", line+1, err)
	}
	return batch, nil
}

func (b *Batch) add(line int, obj gjson.Result) {
	if !obj.IsObject() {
		b.Errors = append(b.Errors, &LineError{Line: line, Err: fmt.Errorf("expected a JSON object, got %s", obj.Type)})
		return
	}
	m, err := fromResult(obj)
	if err != nil {
		b.Errors = append(b.Errors, &LineError{Line: line, Err: err})
		return
	}
	b.Messages = append(b.Messages, m)
	b.Lines = append(b.Lines, line)
}
