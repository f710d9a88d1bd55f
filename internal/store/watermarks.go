package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lox/portfoliosync/internal/models"
)

// SetWatermark records a successful sync of wm.Entity inside the scope.
// last_synced_at only ever moves forward; an older timestamp keeps the
// stored one but still updates the run columns.
func (t *Tx) SetWatermark(ctx context.Context, wm models.Watermark) error {
	if wm.LastSyncedAt.IsZero() {
		return fmt.Errorf("set watermark %s: zero timestamp", wm.Entity)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_metadata (entity_type, last_synced_at, last_run_mode, last_run_status, last_run_id, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT(entity_type) DO UPDATE SET
			last_synced_at = CASE
				WHEN sync_metadata.last_synced_at IS NULL OR excluded.last_synced_at > sync_metadata.last_synced_at
				THEN excluded.last_synced_at
				ELSE sync_metadata.last_synced_at
			END,
			last_run_mode = excluded.last_run_mode,
			last_run_status = excluded.last_run_status,
			last_run_id = excluded.last_run_id,
			error_message = NULL,
			updated_at = excluded.updated_at
	`, string(wm.Entity), formatTime(wm.LastSyncedAt), string(wm.LastRunMode), string(wm.LastRunStatus),
		wm.LastRunID, formatTime(time.Now()))
	if err != nil {
		return &StorageError{Op: "set watermark", Entity: string(wm.Entity), Err: err}
	}
	return nil
}

// MarkEntityRun records the outcome of an entity run without touching
// last_synced_at. A successful run creates the row if needed, leaving
// last_synced_at NULL; other outcomes only update an existing row.
func (s *Store) MarkEntityRun(ctx context.Context, entity models.EntityType, runID string, mode models.Mode, status models.Status, errMsg string) error {
	var msg any
	if errMsg != "" {
		msg = errMsg
	}
	query := `
		UPDATE sync_metadata SET
			last_run_mode = ?,
			last_run_status = ?,
			last_run_id = ?,
			error_message = ?,
			updated_at = ?
		WHERE entity_type = ?
	`
	args := []any{string(mode), string(status), runID, msg, formatTime(time.Now()), string(entity)}
	if status == models.StatusSuccess {
		query = `
			INSERT INTO sync_metadata (last_run_mode, last_run_status, last_run_id, error_message, updated_at, entity_type)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_type) DO UPDATE SET
				last_run_mode = excluded.last_run_mode,
				last_run_status = excluded.last_run_status,
				last_run_id = excluded.last_run_id,
				error_message = excluded.error_message,
				updated_at = excluded.updated_at
		`
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return &StorageError{Op: "mark entity run", Entity: string(entity), Err: err}
	}
	return nil
}

// GetWatermark returns the stored watermark for entity. ok is false when
// the entity has never been synced.
func (s *Store) GetWatermark(ctx context.Context, entity models.EntityType) (wm models.Watermark, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, last_synced_at, last_run_mode, last_run_status, last_run_id, error_message, updated_at
		FROM sync_metadata WHERE entity_type = ?
	`, string(entity))
	wm, err = scanWatermark(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Watermark{}, false, nil
	}
	if err != nil {
		return models.Watermark{}, false, &StorageError{Op: "get watermark", Entity: string(entity), Err: err}
	}
	if wm.LastSyncedAt.IsZero() {
		return wm, false, nil
	}
	return wm, true, nil
}

// Watermarks returns every stored watermark keyed by entity type.
func (s *Store) Watermarks(ctx context.Context) (map[models.EntityType]models.Watermark, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, last_synced_at, last_run_mode, last_run_status, last_run_id, error_message, updated_at
		FROM sync_metadata ORDER BY entity_type
	`)
	if err != nil {
		return nil, &StorageError{Op: "list watermarks", Err: err}
	}
	defer rows.Close()

	out := make(map[models.EntityType]models.Watermark)
	for rows.Next() {
		wm, err := scanWatermark(rows)
		if err != nil {
			return nil, &StorageError{Op: "scan watermark", Err: err}
		}
		out[wm.Entity] = wm
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list watermarks", Err: err}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWatermark(row scanner) (models.Watermark, error) {
	var entity string
	var syncedAt, mode, status, runID, errMsg, updatedAt sql.NullString
	if err := row.Scan(&entity, &syncedAt, &mode, &status, &runID, &errMsg, &updatedAt); err != nil {
		return models.Watermark{}, err
	}
	wm := models.Watermark{
		Entity:        models.EntityType(entity),
		LastRunMode:   models.Mode(mode.String),
		LastRunStatus: models.Status(status.String),
		LastRunID:     runID.String,
		ErrorMessage:  errMsg.String,
	}
	synced, err := parseNullTime(syncedAt)
	if err != nil {
		return models.Watermark{}, err
	}
	wm.LastSyncedAt = synced.Time
	updated, err := parseNullTime(updatedAt)
	if err != nil {
		return models.Watermark{}, err
	}
	wm.UpdatedAt = updated.Time
	return wm, nil
}
