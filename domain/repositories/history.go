package repositories

import (
	"context"

	"github.com/satriahrh/arunika/voiceagent/domain/entities"
)

// SessionHistory keeps records of finished sessions
type SessionHistory interface {
	Save(ctx context.Context, record *entities.SessionRecord) error
	GetByLocalID(ctx context.Context, localID string) (*entities.SessionRecord, error)
	// List returns records newest first, at most limit of them
	List(ctx context.Context, limit int) ([]*entities.SessionRecord, error)
}
