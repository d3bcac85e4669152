package core

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultLogBufferSize is the number of log lines kept for /api/v1/logs.
const DefaultLogBufferSize = 1000

// LogEntry is one captured log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// LogRingBuffer keeps the most recent zerolog lines. It is fed the JSON form
// of every line regardless of the console format.
type LogRingBuffer struct {
	mu    sync.RWMutex
	lines []LogEntry
	next  int // slot for the next line
	count int
}

// NewLogRingBuffer creates a ring buffer that holds up to size entries. A
// non-positive size means DefaultLogBufferSize.
func NewLogRingBuffer(size int) *LogRingBuffer {
	if size <= 0 {
		size = DefaultLogBufferSize
	}
	return &LogRingBuffer{lines: make([]LogEntry, size)}
}

// Write implements io.Writer so the buffer can be a zerolog output. Each
// call is expected to carry one line.
func (b *LogRingBuffer) Write(p []byte) (int, error) {
	entry := parseLogLine(p)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[b.next] = entry
	b.next = (b.next + 1) % len(b.lines)
	b.count = min(b.count+1, len(b.lines))
	return len(p), nil
}

func parseLogLine(p []byte) LogEntry {
	raw := strings.TrimRight(string(p), "\n")
	entry := LogEntry{Timestamp: time.Now().UTC(), Message: raw, Raw: raw}

	var fields struct {
		Time      string `json:"time"`
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(p, &fields); err != nil {
		return entry
	}
	if ts, err := time.Parse(time.RFC3339, fields.Time); err == nil {
		entry.Timestamp = ts.UTC()
	}
	entry.Level = fields.Level
	entry.Component = fields.Component
	if fields.Message != "" {
		entry.Message = fields.Message
	}
	return entry
}

// GetEntries returns the most recent n entries in chronological order.
// A non-empty level keeps only entries at that level.
func (b *LogRingBuffer) GetEntries(n int, level string) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	size := len(b.lines)
	out := make([]LogEntry, 0, min(max(n, 0), b.count))
	// Newest first, so a level filter still yields up to n lines.
	for i := 1; i <= b.count && len(out) < n; i++ {
		e := b.lines[(b.next-i+size)%size]
		if level == "" || strings.EqualFold(e.Level, level) {
			out = append(out, e)
		}
	}
	slices.Reverse(out)
	return out
}

// Len returns the number of captured entries.
func (b *LogRingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
