package undo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drawline-erp/drawline-erp/internal/shared"
)

var _ Repository = (*pgRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the Postgres-backed undo repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) Create(ctx context.Context, entry Entry) error {
	snapshot, err := json.Marshal(entry.Snapshot)
	if err != nil {
		return err
	}
	const query = `
INSERT INTO undo_entries (id, entity_kind, entity_id, action, performed_by, snapshot, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := r.pool.Exec(ctx, query,
		entry.ID, string(entry.EntityKind), entry.EntityID, entry.Action,
		entry.PerformedBy, snapshot, entry.CreatedAt, entry.ExpiresAt); err != nil {
		return fmt.Errorf("%w: create undo entry: %v", shared.ErrPersistence, err)
	}
	return nil
}

const entryColumns = `
id, entity_kind, entity_id, action, performed_by, snapshot, superseded, created_at, expires_at, undone_at`

func scanEntry(row pgx.Row) (Entry, error) {
	var entry Entry
	var kind string
	var snapshot []byte
	err := row.Scan(&entry.ID, &kind, &entry.EntityID, &entry.Action,
		&entry.PerformedBy, &snapshot, &entry.Superseded, &entry.CreatedAt, &entry.ExpiresAt, &entry.UndoneAt)
	if err != nil {
		return Entry{}, err
	}
	entry.EntityKind = EntityKind(kind)
	if err := json.Unmarshal(snapshot, &entry.Snapshot); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (r *pgRepository) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM undo_entries WHERE id = $1`
	entry, err := scanEntry(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: entry %s", shared.ErrUndoNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("%w: get undo entry: %v", shared.ErrPersistence, err)
	}
	return entry, nil
}

func (r *pgRepository) GetLive(ctx context.Context, kind EntityKind, entityID uuid.UUID) (Entry, error) {
	query := `SELECT ` + entryColumns + `
FROM undo_entries
WHERE entity_kind = $1 AND entity_id = $2 AND undone_at IS NULL AND NOT superseded
ORDER BY created_at DESC
LIMIT 1`
	entry, err := scanEntry(r.pool.QueryRow(ctx, query, string(kind), entityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: no live entry for %s %s", shared.ErrUndoNotFound, kind, entityID)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("%w: get live undo entry: %v", shared.ErrPersistence, err)
	}
	return entry, nil
}

func (r *pgRepository) Supersede(ctx context.Context, kind EntityKind, entityID uuid.UUID) error {
	const query = `
UPDATE undo_entries SET superseded = TRUE
WHERE entity_kind = $1 AND entity_id = $2 AND undone_at IS NULL AND NOT superseded`
	if _, err := r.pool.Exec(ctx, query, string(kind), entityID); err != nil {
		return fmt.Errorf("%w: supersede undo entries: %v", shared.ErrPersistence, err)
	}
	return nil
}

func (r *pgRepository) MarkUndone(ctx context.Context, id uuid.UUID, at time.Time) error {
	const query = `UPDATE undo_entries SET undone_at = $2 WHERE id = $1 AND undone_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("%w: mark undone: %v", shared.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: entry %s", shared.ErrUndoNotFound, id)
	}
	return nil
}

func (r *pgRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM undo_entries WHERE expires_at < $1`
	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: delete expired undo entries: %v", shared.ErrPersistence, err)
	}
	return tag.RowsAffected(), nil
}
