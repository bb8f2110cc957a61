// Package history is the client's durable, append-only message log.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"chatrelay/internal/feature"
)

const FileName = "history.json"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is immutable once appended. On the wire and on disk it is
// {role, text, kind}.
type Message struct {
	Role    string
	Content string
	Kind    feature.Kind
}

type wireMessage struct {
	Role string       `json:"role"`
	Text string       `json:"text"`
	Kind feature.Kind `json:"kind,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{Role: m.Role, Text: m.Content, Kind: m.Kind})
}

// UnmarshalJSON accepts the legacy "cs" role as assistant and defaults kind to text.
func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Role == "cs" {
		w.Role = RoleAssistant
	}
	if w.Kind == "" {
		w.Kind = feature.KindText
	}
	*m = Message{Role: w.Role, Content: w.Text, Kind: w.Kind}
	return nil
}

// Same reports value equality on (role, content), the only identity messages have.
func (m Message) Same(o Message) bool {
	return m.Role == o.Role && m.Content == o.Content
}

type Log struct {
	path string

	mu      sync.RWMutex
	entries []Message
}

// Open loads the log stored in dir, creating dir when needed. A missing file
// is an empty log.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	l := &Log{path: filepath.Join(dir, FileName), entries: []Message{}}

	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &l.entries); err != nil {
			return nil, fmt.Errorf("decode history %s: %w", l.path, err)
		}
	}
	if l.entries == nil {
		l.entries = []Message{}
	}
	return l, nil
}

func (l *Log) Path() string { return l.path }

// Append persists m after every existing entry. The file is replaced whole,
// so readers see either the old or the new log.
func (l *Log) Append(m Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(m)
}

// AppendIfAbsent appends m unless an entry with the same role and content
// already exists. It reports whether m was appended.
func (l *Log) AppendIfAbsent(m Message) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Same(m) {
			return false, nil
		}
	}
	if err := l.appendLocked(m); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Log) appendLocked(m Message) error {
	if m.Kind == "" {
		m.Kind = feature.KindText
	}
	next := make([]Message, len(l.entries), len(l.entries)+1)
	copy(next, l.entries)
	next = append(next, m)
	if err := l.write(next); err != nil {
		return err
	}
	l.entries = next
	return nil
}

func (l *Log) write(entries []Message) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	tmpPath := l.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write tmp history: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}

// All returns a copy of the log in insertion order.
func (l *Log) All() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Log) Contains(role, content string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	probe := Message{Role: role, Content: content}
	for _, e := range l.entries {
		if e.Same(probe) {
			return true
		}
	}
	return false
}

// Clear wipes the log, on disk and in memory. It cannot be undone.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove history: %w", err)
	}
	l.entries = []Message{}
	return nil
}
