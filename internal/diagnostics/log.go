// Package diagnostics keeps a short trace of what a voice session has been doing.
package diagnostics

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/voiceagent/domain/entities"
)

// DefaultCapacity is the number of entries kept when no capacity is configured
const DefaultCapacity = 20

// Log is a bounded FIFO of diagnostic entries, safe for concurrent use.
// Append and eviction happen under one lock.
type Log struct {
	mu       sync.Mutex
	entries  []entities.DiagnosticEntry
	capacity int
	logger   *zap.Logger
	onAdd    func(entities.DiagnosticEntry)
	now      func() time.Time
}

// NewLog creates a diagnostics log. A non-positive capacity falls back to DefaultCapacity.
func NewLog(capacity int, logger *zap.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		entries:  make([]entities.DiagnosticEntry, 0, capacity+1),
		capacity: capacity,
		logger:   logger,
		now:      time.Now,
	}
}

// OnAdd registers a callback invoked after every append, outside the lock
func (l *Log) OnAdd(fn func(entities.DiagnosticEntry)) {
	l.mu.Lock()
	l.onAdd = fn
	l.mu.Unlock()
}

// Add appends a formatted entry and evicts the oldest when over capacity
func (l *Log) Add(format string, args ...interface{}) {
	entry := entities.DiagnosticEntry{
		Timestamp: l.now(),
		Message:   fmt.Sprintf(format, args...),
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.capacity {
		copy(l.entries, l.entries[len(l.entries)-l.capacity:])
		l.entries = l.entries[:l.capacity]
	}
	onAdd := l.onAdd
	l.mu.Unlock()

	l.logger.Debug("diagnostic", zap.String("message", entry.Message))
	if onAdd != nil {
		onAdd(entry)
	}
}

// Entries returns a copy of the log, oldest first
func (l *Log) Entries() []entities.DiagnosticEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]entities.DiagnosticEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries held
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
