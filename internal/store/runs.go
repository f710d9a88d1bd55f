package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lox/portfoliosync/internal/models"
)

// SyncRun is the audit record of one coordinator run.
type SyncRun struct {
	ID          string
	Mode        models.Mode
	Status      models.Status
	StartedAt   time.Time
	FinishedAt  sql.NullTime
	Duration    time.Duration
	Entities    []EntityRun
	SummaryJSON string
}

// EntityRun is the per-entity outcome within a SyncRun.
type EntityRun struct {
	Entity          models.EntityType
	Status          models.Status
	WindowStart     sql.NullTime
	WindowEnd       sql.NullTime
	Pages           int
	Fetched         int
	Written         int
	Filtered        int
	Dropped         int
	Unpaired        int
	WatermarkBefore sql.NullTime
	WatermarkAfter  sql.NullTime
	ErrorKind       sql.NullString
	ErrorMessage    sql.NullString
	Duration        time.Duration
}

func (r *SyncRun) count(status models.Status) int {
	n := 0
	for _, e := range r.Entities {
		if e.Status == status {
			n++
		}
	}
	return n
}

func (r *SyncRun) written() int {
	n := 0
	for _, e := range r.Entities {
		n += e.Written
	}
	return n
}

// StartSyncRun inserts the run row with status running.
func (s *Store) StartSyncRun(ctx context.Context, id string, mode models.Mode, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, mode, status, started_at)
		VALUES (?, ?, ?, ?)
	`, id, string(mode), string(models.StatusRunning), formatTime(startedAt))
	if err != nil {
		return &StorageError{Op: "start sync run", Err: err}
	}
	return nil
}

// CompleteSyncRun stores the final outcome of a run and its entity rows.
func (s *Store) CompleteSyncRun(ctx context.Context, run *SyncRun) error {
	if run == nil {
		return nil
	}

	return s.InTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO sync_runs (id, mode, status, started_at, finished_at, duration_ms,
				entities_requested, entities_succeeded, entities_failed, entities_skipped,
				records_written, summary_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				finished_at = excluded.finished_at,
				duration_ms = excluded.duration_ms,
				entities_requested = excluded.entities_requested,
				entities_succeeded = excluded.entities_succeeded,
				entities_failed = excluded.entities_failed,
				entities_skipped = excluded.entities_skipped,
				records_written = excluded.records_written,
				summary_json = excluded.summary_json
		`, run.ID, string(run.Mode), string(run.Status), formatTime(run.StartedAt), nullTime(run.FinishedAt),
			run.Duration.Milliseconds(), len(run.Entities), run.count(models.StatusSuccess),
			run.count(models.StatusFailed), run.count(models.StatusSkipped), run.written(), run.SummaryJSON)
		if err != nil {
			return &StorageError{Op: "complete sync run", Err: err}
		}

		for _, e := range run.Entities {
			_, err := tx.tx.ExecContext(ctx, `
				INSERT INTO sync_run_entities (run_id, entity_type, status, window_start, window_end,
					pages, fetched, written, filtered, dropped, unpaired,
					watermark_before, watermark_after, error_kind, error_message, duration_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(run_id, entity_type) DO UPDATE SET
					status = excluded.status,
					pages = excluded.pages,
					fetched = excluded.fetched,
					written = excluded.written,
					filtered = excluded.filtered,
					dropped = excluded.dropped,
					unpaired = excluded.unpaired,
					watermark_after = excluded.watermark_after,
					error_kind = excluded.error_kind,
					error_message = excluded.error_message,
					duration_ms = excluded.duration_ms
			`, run.ID, string(e.Entity), string(e.Status), nullTime(e.WindowStart), nullTime(e.WindowEnd),
				e.Pages, e.Fetched, e.Written, e.Filtered, e.Dropped, e.Unpaired,
				nullTime(e.WatermarkBefore), nullTime(e.WatermarkAfter), e.ErrorKind, e.ErrorMessage,
				e.Duration.Milliseconds())
			if err != nil {
				return &StorageError{Op: "record entity run", Entity: string(e.Entity), Err: err}
			}
		}
		return nil
	})
}

// LatestSyncRun returns the most recently started run, or nil if none.
func (s *Store) LatestSyncRun(ctx context.Context) (*SyncRun, error) {
	runs, err := s.RecentSyncRuns(ctx, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// RecentSyncRuns returns up to limit runs, newest first, with their entity rows.
func (s *Store) RecentSyncRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, status, started_at, finished_at, COALESCE(duration_ms, 0), COALESCE(summary_json, '')
		FROM sync_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, &StorageError{Op: "list sync runs", Err: err}
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var r SyncRun
		var mode, status, started string
		var finished sql.NullString
		var durationMS int64
		if err := rows.Scan(&r.ID, &mode, &status, &started, &finished, &durationMS, &r.SummaryJSON); err != nil {
			return nil, &StorageError{Op: "scan sync run", Err: err}
		}
		r.Mode = models.Mode(mode)
		r.Status = models.Status(status)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseNullTime(finished); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list sync runs", Err: err}
	}

	for i := range runs {
		entities, err := s.entityRuns(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Entities = entities
	}
	return runs, nil
}

func (s *Store) entityRuns(ctx context.Context, runID string) ([]EntityRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, status, window_start, window_end, pages, fetched, written, filtered, dropped,
			unpaired, watermark_before, watermark_after, error_kind, error_message, duration_ms
		FROM sync_run_entities
		WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, &StorageError{Op: "list entity runs", Err: err}
	}
	defer rows.Close()

	byEntity := make(map[models.EntityType]EntityRun)
	for rows.Next() {
		var e EntityRun
		var entity, status string
		var winStart, winEnd, wmBefore, wmAfter sql.NullString
		var durationMS int64
		if err := rows.Scan(&entity, &status, &winStart, &winEnd, &e.Pages, &e.Fetched, &e.Written,
			&e.Filtered, &e.Dropped, &e.Unpaired, &wmBefore, &wmAfter, &e.ErrorKind, &e.ErrorMessage,
			&durationMS); err != nil {
			return nil, &StorageError{Op: "scan entity run", Err: err}
		}
		e.Entity = models.EntityType(entity)
		e.Status = models.Status(status)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		for _, f := range []struct {
			src sql.NullString
			dst *sql.NullTime
		}{{winStart, &e.WindowStart}, {winEnd, &e.WindowEnd}, {wmBefore, &e.WatermarkBefore}, {wmAfter, &e.WatermarkAfter}} {
			if *f.dst, err = parseNullTime(f.src); err != nil {
				return nil, err
			}
		}
		byEntity[e.Entity] = e
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list entity runs", Err: err}
	}

	var out []EntityRun
	for _, entity := range models.AllEntities {
		if e, ok := byEntity[entity]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}
