package adapters

import (
	"context"
	"errors"
	"sync"

	"github.com/satriahrh/arunika/voiceagent/domain"
	"github.com/satriahrh/arunika/voiceagent/domain/entities"
)

// DefaultHistoryCapacity is the number of finished sessions kept by default
const DefaultHistoryCapacity = 50

// ErrRecordNotFound is returned when no record has the requested ID
var ErrRecordNotFound = domain.ErrRecordNotFound

// MemorySessionHistory is an in-memory, bounded implementation of SessionHistory.
// The oldest record is evicted once capacity is reached; nothing survives a restart.
type MemorySessionHistory struct {
	mu       sync.RWMutex
	capacity int
	order    []string                           // local IDs, oldest first
	records  map[string]*entities.SessionRecord // local ID -> record
}

// NewMemorySessionHistory creates a history holding at most capacity records
func NewMemorySessionHistory(capacity int) *MemorySessionHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &MemorySessionHistory{
		capacity: capacity,
		records:  make(map[string]*entities.SessionRecord),
	}
}

// Save implements SessionHistory interface
func (m *MemorySessionHistory) Save(ctx context.Context, record *entities.SessionRecord) error {
	if record == nil {
		return errors.New("record cannot be nil")
	}
	if record.LocalID == "" {
		return errors.New("record local ID cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[record.LocalID]; !exists {
		m.order = append(m.order, record.LocalID)
	}
	m.records[record.LocalID] = copyRecord(record)

	for len(m.order) > m.capacity {
		delete(m.records, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

// GetByLocalID implements SessionHistory interface
func (m *MemorySessionHistory) GetByLocalID(ctx context.Context, localID string) (*entities.SessionRecord, error) {
	if localID == "" {
		return nil, errors.New("local ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	record, exists := m.records[localID]
	if !exists {
		return nil, ErrRecordNotFound
	}
	return copyRecord(record), nil
}

// List implements SessionHistory interface
func (m *MemorySessionHistory) List(ctx context.Context, limit int) ([]*entities.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.order) {
		limit = len(m.order)
	}

	result := make([]*entities.SessionRecord, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, copyRecord(m.records[m.order[i]]))
	}
	return result, nil
}

// copyRecord prevents callers from modifying stored records
func copyRecord(record *entities.SessionRecord) *entities.SessionRecord {
	recordCopy := *record
	if record.ChatID != nil {
		chatID := *record.ChatID
		recordCopy.ChatID = &chatID
	}
	recordCopy.Conversation = append([]entities.ConversationMessage(nil), record.Conversation...)
	return &recordCopy
}
