package undo

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists undo entries.
type Repository interface {
	Create(ctx context.Context, entry Entry) error
	Get(ctx context.Context, id uuid.UUID) (Entry, error)
	// GetLive returns the newest unexecuted, unsuperseded entry for the entity.
	GetLive(ctx context.Context, kind EntityKind, entityID uuid.UUID) (Entry, error)
	// Supersede retires any live entry for the entity before a new capture.
	Supersede(ctx context.Context, kind EntityKind, entityID uuid.UUID) error
	MarkUndone(ctx context.Context, id uuid.UUID, at time.Time) error
	// DeleteExpired removes entries whose window closed before the cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
