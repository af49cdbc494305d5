// Package record defines the poem record and the content identity used to
// match records across requests, shards and the waitlist.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Record is one poem. Fields other than title, author and paragraphs are
// carried verbatim in Extra so enriched output round-trips.
type Record struct {
	Title      string
	Author     string
	Paragraphs []string
	Extra      map[string]json.RawMessage
}

var knownFields = map[string]bool{"title": true, "author": true, "paragraphs": true}

// Identity returns the dedupe key: paragraphs joined without a separator,
// with surrounding whitespace trimmed.
func Identity(r Record) string {
	return strings.TrimSpace(strings.Join(r.Paragraphs, ""))
}

// Project returns a copy holding only the fields an enrichment request needs.
func (r Record) Project() Record {
	return Record{
		Title:      r.Title,
		Author:     r.Author,
		Paragraphs: append([]string(nil), r.Paragraphs...),
	}
}

// ProjectAll projects every record in recs.
func ProjectAll(recs []Record) []Record {
	out := make([]Record, len(recs))
	for i, r := range recs {
		out[i] = r.Project()
	}
	return out
}

// MarshalJSON writes title, author and paragraphs first, then any extra
// fields in key order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeField := func(key string, value any) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, err := marshalNoEscape(key)
		if err != nil {
			return err
		}
		v, err := marshalNoEscape(value)
		if err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
		return nil
	}

	paragraphs := r.Paragraphs
	if paragraphs == nil {
		paragraphs = []string{}
	}
	if err := writeField("title", r.Title); err != nil {
		return nil, err
	}
	if err := writeField("author", r.Author); err != nil {
		return nil, err
	}
	if err := writeField("paragraphs", paragraphs); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(r.Extra))
	for k := range r.Extra {
		if !knownFields[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writeField(k, r.Extra[k]); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts any object. title and author must be strings or
// null; paragraphs must be an array of strings or null.
func (r *Record) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("record must be a JSON object")
	}

	var out Record
	if raw, ok := fields["title"]; ok {
		if err := unmarshalNullable(raw, &out.Title); err != nil {
			return fmt.Errorf("title: %w", err)
		}
	}
	if raw, ok := fields["author"]; ok {
		if err := unmarshalNullable(raw, &out.Author); err != nil {
			return fmt.Errorf("author: %w", err)
		}
	}
	if raw, ok := fields["paragraphs"]; ok {
		if err := unmarshalNullable(raw, &out.Paragraphs); err != nil {
			return fmt.Errorf("paragraphs: %w", err)
		}
	}
	for k, v := range fields {
		if knownFields[k] {
			continue
		}
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage)
		}
		out.Extra[k] = v
	}

	*r = out
	return nil
}

func unmarshalNullable(raw json.RawMessage, v any) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ReadFile decodes a source file holding a JSON array of records.
func ReadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return recs, nil
}
