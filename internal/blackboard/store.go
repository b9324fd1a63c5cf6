/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package blackboard is the shared document store agents persist to and watch for changes.
package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrDuplicateKey is returned when a document id already exists in the collection.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrNotFound is returned when no document matches.
	ErrNotFound = errors.New("document not found")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("blackboard unavailable")
	// ErrInvalidNamespace is returned for malformed collection or field names.
	ErrInvalidNamespace = errors.New("invalid namespace")
)

// IDField is the document key field.
const IDField = "_id"

// Document is a schemaless blackboard document in JSON form.
type Document map[string]any

// ID returns the document key.
func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

// Lookup resolves a dotted path such as "schedule.start".
func (d Document) Lookup(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Filter selects documents by equality on dotted paths. A filter value matches an array
// field when the array contains it.
type Filter map[string]any

// ByID selects a single document.
func ByID(id string) Filter {
	return Filter{IDField: id}
}

// SortField orders query results.
type SortField struct {
	Field string
	Desc  bool
}

// Query describes a find.
type Query struct {
	Filter Filter
	Sort   []SortField
	Limit  int
}

// Operation is the kind of change a notification reports.
type Operation string

const (
	OpInsert Operation = "insert"
	OpSet    Operation = "set"
	OpRemove Operation = "remove"
)

// ChangeEvent reports that a document changed. Delivery is at least once.
type ChangeEvent struct {
	Collection string
	DocumentID string
	Operation  Operation
	Fields     []string
}

// Touches reports whether the event changed field (or a parent or child of it).
func (e ChangeEvent) Touches(field string) bool {
	if field == "" || e.Operation == OpRemove {
		return true
	}
	for _, f := range e.Fields {
		if f == field || strings.HasPrefix(f, field+".") || strings.HasPrefix(field, f+".") {
			return true
		}
	}
	return false
}

// Store is the document store consumed by agents.
type Store interface {
	// Insert stores doc and returns its id, generating one when doc has none.
	Insert(ctx context.Context, collection string, doc any) (string, error)
	// Find returns matching documents in query order.
	Find(ctx context.Context, collection string, q Query) ([]Document, error)
	// Get returns a single document by id.
	Get(ctx context.Context, collection, id string) (Document, error)
	// Update sets the top-level fields of patch on every match. Zero matches is ErrNotFound.
	Update(ctx context.Context, collection string, filter Filter, patch map[string]any) (int64, error)
	// Remove deletes every match and returns the count.
	Remove(ctx context.Context, collection string, filter Filter) (int64, error)
	// Subscribe delivers a ChangeEvent whenever field of a document changes through one of ops.
	Subscribe(ctx context.Context, collection, field string, ops ...Operation) (*Subscription, error)
	Close(ctx context.Context) error
}

// Subscription is a change feed. C is closed after Close.
type Subscription struct {
	C <-chan ChangeEvent

	once   sync.Once
	cancel func()
}

// Close ends delivery. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

var namespacePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidateCollection checks a collection name.
func ValidateCollection(name string) error {
	if !namespacePattern.MatchString(name) {
		return fmt.Errorf("%w: collection %q", ErrInvalidNamespace, name)
	}
	return nil
}

// Encode converts a struct or map into its JSON document form.
func Encode(v any) (Document, error) {
	if d, ok := v.(Document); ok {
		return normalize(map[string]any(d))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("encode document: %T is not an object", v)
	}
	return doc, nil
}

// Decode fills out from a document.
func Decode(doc Document, out any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode document %s: %w", doc.ID(), err)
	}
	return nil
}

// DecodeAll decodes a slice of documents into a slice of T.
func DecodeAll[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := Decode(d, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func normalize(m map[string]any) (Document, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return doc, nil
}

func normalizeValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// Matches reports whether doc satisfies filter.
func Matches(doc Document, filter Filter) bool {
	for path, want := range filter {
		got, ok := doc.Lookup(path)
		if !ok {
			if want == nil {
				continue
			}
			return false
		}
		want = normalizeValue(want)
		if arr, isArr := got.([]any); isArr {
			if _, wantArr := want.([]any); !wantArr {
				if !containsValue(arr, want) {
					return false
				}
				continue
			}
		}
		if !equalValues(got, want) {
			return false
		}
	}
	return true
}

func containsValue(arr []any, want any) bool {
	for _, v := range arr {
		if equalValues(v, want) {
			return true
		}
	}
	return false
}

func equalValues(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ab) == string(bb)
}

// SortDocuments orders docs in place. Missing values sort first; ties keep insertion order.
func SortDocuments(docs []Document, fields []SortField) {
	if len(fields) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range fields {
			a, _ := docs[i].Lookup(f.Field)
			b, _ := docs[j].Lookup(f.Field)
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if f.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// ApplyPatch returns a copy of doc with the top-level fields of patch set.
func ApplyPatch(doc Document, patch map[string]any) (Document, []string, error) {
	normalized, err := normalize(patch)
	if err != nil {
		return nil, nil, err
	}
	out := make(Document, len(doc)+len(normalized))
	for k, v := range doc {
		out[k] = v
	}
	fields := make([]string, 0, len(normalized))
	for k, v := range normalized {
		if k == IDField {
			continue
		}
		out[k] = v
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return out, fields, nil
}

func wantsOp(ops []Operation, op Operation) bool {
	if len(ops) == 0 {
		return true
	}
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}
