package llm

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/werdnum/family-assistant/pkg/models"
)

// DefaultBufferSize bounds the global request buffer.
const DefaultBufferSize = 100

// BufferRecord is one request/response observation. Records are immutable
// after insertion; GetRecent returns the shared pointers, so callers must
// treat them as read-only.
type BufferRecord struct {
	Timestamp  time.Time        `json:"timestamp"`
	RequestID  string           `json:"request_id"`
	ModelID    string           `json:"model_id"`
	Messages   []models.Message `json:"messages"`
	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice ToolChoice       `json:"tool_choice,omitempty"`
	Response   *Output          `json:"response,omitempty"`
	Error      string           `json:"error,omitempty"`
	DurationMS int64            `json:"duration_ms"`
}

// RequestBuffer is a bounded FIFO ring of recent request records, safe for
// concurrent use. Writers hold the lock only to append and evict; readers
// only to snapshot.
type RequestBuffer struct {
	mu      sync.Mutex
	records []*BufferRecord
	maxSize int
}

// NewRequestBuffer builds a buffer holding at most maxSize records. A
// non-positive maxSize falls back to DefaultBufferSize.
func NewRequestBuffer(maxSize int) *RequestBuffer {
	if maxSize <= 0 {
		maxSize = DefaultBufferSize
	}
	return &RequestBuffer{maxSize: maxSize}
}

// Add appends a record, evicting the oldest when full.
func (b *RequestBuffer) Add(rec *BufferRecord) {
	if rec == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) >= b.maxSize {
		drop := len(b.records) - b.maxSize + 1
		b.records = append(b.records[:0], b.records[drop:]...)
	}
	b.records = append(b.records, rec)
}

// GetRecent returns up to limit records newest-first. A non-positive limit
// defaults to 50. When sinceMinutes is positive, records older than that are
// excluded.
func (b *RequestBuffer) GetRecent(limit int, sinceMinutes int) []*BufferRecord {
	if limit <= 0 {
		limit = 50
	}
	var cutoff time.Time
	if sinceMinutes > 0 {
		cutoff = time.Now().Add(-time.Duration(sinceMinutes) * time.Minute)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*BufferRecord, 0, limit)
	for i := len(b.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := b.records[i]
		if !cutoff.IsZero() && rec.Timestamp.Before(cutoff) {
			break
		}
		out = append(out, rec)
	}
	return out
}

// Clear drops all records.
func (b *RequestBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
}

// Len returns the current record count.
func (b *RequestBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

var (
	globalBufferMu sync.Mutex
	globalBuffer   *RequestBuffer
)

// GlobalBuffer returns the process-wide request buffer, creating it on first
// use.
func GlobalBuffer() *RequestBuffer {
	globalBufferMu.Lock()
	defer globalBufferMu.Unlock()
	if globalBuffer == nil {
		globalBuffer = NewRequestBuffer(DefaultBufferSize)
	}
	return globalBuffer
}

// ResetGlobalBuffer drops the singleton. Intended for tests.
func ResetGlobalBuffer() {
	globalBufferMu.Lock()
	defer globalBufferMu.Unlock()
	globalBuffer = nil
}

// recordCall appends one observation for a provider call. Both successes and
// failures are recorded; a nil buffer falls back to the global one. Recording
// never affects the call outcome.
func recordCall(buf *RequestBuffer, modelID string, req *Request, out *Output, callErr error, start time.Time) {
	if buf == nil {
		buf = GlobalBuffer()
	}
	rec := &BufferRecord{
		Timestamp:  start,
		RequestID:  uuid.NewString(),
		ModelID:    modelID,
		Messages:   req.Messages,
		Tools:      req.Tools,
		ToolChoice: req.ToolChoice,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	} else {
		rec.Response = out
	}
	buf.Add(rec)
}
