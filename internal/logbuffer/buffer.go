/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package logbuffer keeps the most recent log lines of a grid instance in memory.
package logbuffer

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"
)

// Entry is one captured log line.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Buffer is a thread-safe ring of log entries.
type Buffer struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	head     int
	count    int
}

// New creates a buffer holding up to capacity entries.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Buffer{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

// Add appends entry, overwriting the oldest one when full.
func (b *Buffer) Add(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.capacity
	if b.count < b.capacity {
		b.count++
	}
}

// All returns every entry, oldest first.
func (b *Buffer) All() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Entry, b.count)
	start := 0
	if b.count == b.capacity {
		start = b.head
	}
	for i := 0; i < b.count; i++ {
		result[i] = b.entries[(start+i)%b.capacity]
	}
	return result
}

// Query filters the captured entries. Empty fields match everything.
type Query struct {
	Level     string
	Component string
	// Agent matches the id of an equiplet or product agent.
	Agent  string
	Search string
	Since  time.Time
	Limit  int
	// Newest returns the latest entries first.
	Newest bool
}

// Query returns the entries matching q.
func (b *Buffer) Query(q Query) []Entry {
	all := b.All()
	search := strings.ToLower(q.Search)

	filtered := make([]Entry, 0, len(all))
	for _, e := range all {
		if q.Level != "" && e.Level != q.Level {
			continue
		}
		if q.Component != "" && e.Component != q.Component {
			continue
		}
		if q.Agent != "" && e.Agent != q.Agent {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if search != "" && !e.mentions(search) {
			continue
		}
		filtered = append(filtered, e)
	}

	if q.Newest {
		for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		}
	}
	if q.Limit > 0 && len(filtered) > q.Limit {
		filtered = filtered[:q.Limit]
	}
	return filtered
}

func (e Entry) mentions(lower string) bool {
	if strings.Contains(strings.ToLower(e.Message), lower) || strings.Contains(strings.ToLower(e.Agent), lower) {
		return true
	}
	for _, v := range e.Fields {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), lower) {
			return true
		}
	}
	return false
}

// Stats summarises the buffer.
type Stats struct {
	Capacity   int            `json:"capacity"`
	Count      int            `json:"count"`
	LevelCount map[string]int `json:"level_count"`
}

// Stats counts the captured entries per level.
func (b *Buffer) Stats() Stats {
	stats := Stats{Capacity: b.capacity, LevelCount: make(map[string]int)}
	for _, e := range b.All() {
		stats.Count++
		stats.LevelCount[e.Level]++
	}
	return stats
}

// Writer feeds zerolog JSON output into a buffer.
type Writer struct {
	buffer *Buffer
}

// NewWriter creates a writer that captures into buffer.
func NewWriter(buffer *Buffer) *Writer {
	return &Writer{buffer: buffer}
}

// Write implements io.Writer. Lines that are not JSON objects are dropped.
func (w *Writer) Write(p []byte) (int, error) {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		return len(p), nil
	}

	entry := Entry{Timestamp: time.Now(), Fields: make(map[string]any)}
	take := func(key string) string {
		s, _ := raw[key].(string)
		delete(raw, key)
		return s
	}
	entry.Level = take("level")
	entry.Message = take("message")
	entry.Component = take("component")
	entry.Agent = take("agent")
	if ts, ok := raw["time"]; ok {
		switch v := ts.(type) {
		case float64:
			entry.Timestamp = time.Unix(int64(v), 0)
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				entry.Timestamp = t
			}
		}
		delete(raw, "time")
	}
	for k, v := range raw {
		entry.Fields[k] = v
	}

	w.buffer.Add(entry)
	return len(p), nil
}

var _ io.Writer = (*Writer)(nil)
