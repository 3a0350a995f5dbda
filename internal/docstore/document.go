// Package docstore is a small document database over SQLite: named
// collections of JSON documents with opaque string ids, field-merge updates,
// a transaction primitive, and live full-snapshot subscriptions.
package docstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNotFound is returned when a document does not exist in its collection.
var ErrNotFound = errors.New("docstore: document not found")

// Fields is the decoded body of a document.
type Fields map[string]any

// Document is a stored document. Numbers in Fields decode as json.Number.
type Document struct {
	ID         string
	Collection string
	Fields     Fields
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Snapshot is the full contents of a collection at one point in time.
// Seq increases with every snapshot a store delivers.
type Snapshot struct {
	Collection string
	Documents  []Document
	Seq        uint64
}

// String returns the field as a string, or "" when absent or not a string.
func (d Document) String(key string) string {
	s, _ := d.Fields[key].(string)
	return s
}

// Bool returns the field as a bool; absent means false.
func (d Document) Bool(key string) bool {
	b, _ := d.Fields[key].(bool)
	return b
}

// Int returns the field as an int64. Non-numeric values yield 0.
func (d Document) Int(key string) int64 {
	switch v := d.Fields[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return int64(f)
		}
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// Time parses an RFC 3339 string field.
func (d Document) Time(key string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, d.String(key))
	return t
}

func encodeFields(f Fields) ([]byte, error) {
	out := make(Fields, len(f))
	for k, v := range f {
		if t, ok := v.(time.Time); ok {
			v = t.UTC().Format(time.RFC3339Nano)
		}
		out[k] = v
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return data, nil
}

func decodeFields(data []byte) (Fields, error) {
	f := Fields{}
	if len(data) == 0 {
		return f, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return f, nil
}

// merge overlays patch onto base. Keys mapped to nil are removed.
func merge(base, patch Fields) Fields {
	out := make(Fields, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
