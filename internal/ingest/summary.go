package ingest

import (
	"database/sql"
	"time"

	"github.com/goccy/go-json"

	"github.com/lox/portfoliosync/internal/models"
	"github.com/lox/portfoliosync/internal/store"
)

// Error kinds recorded for failed entities in addition to the portal kinds.
const (
	KindCancelled = "cancelled"
	KindMalformed = "malformed"
	KindStorage   = "storage"
	KindInternal  = "internal"
)

// Summary is the outcome of one coordinator run.
type Summary struct {
	RunID      string          `json:"run_id"`
	Mode       models.Mode     `json:"mode"`
	Status     models.Status   `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	DurationMS int64           `json:"duration_ms"`
	Entities   []*EntityResult `json:"entities"`
	Error      string          `json:"error,omitempty"`
}

type EntityResult struct {
	Entity          models.EntityType `json:"entity"`
	Status          models.Status     `json:"status"`
	WindowStart     *time.Time        `json:"window_start,omitempty"`
	WindowEnd       *time.Time        `json:"window_end,omitempty"`
	Pages           int               `json:"pages"`
	Fetched         int               `json:"fetched"`
	Written         int               `json:"written"`
	Filtered        int               `json:"filtered"`
	Dropped         int               `json:"dropped"`
	Unpaired        int               `json:"unpaired"`
	WatermarkBefore *time.Time        `json:"watermark_before,omitempty"`
	WatermarkAfter  *time.Time        `json:"watermark_after,omitempty"`
	ErrorKind       string            `json:"error_kind,omitempty"`
	Error           string            `json:"error,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	DurationMS      int64             `json:"duration_ms"`
}

// Entity returns the result for entity, or nil if it was not requested.
func (s *Summary) Entity(entity models.EntityType) *EntityResult {
	for _, r := range s.Entities {
		if r.Entity == entity {
			return r
		}
	}
	return nil
}

// Count returns the number of entities that ended with status.
func (s *Summary) Count(status models.Status) int {
	n := 0
	for _, r := range s.Entities {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Written returns the total number of records written.
func (s *Summary) Written() int {
	n := 0
	for _, r := range s.Entities {
		n += r.Written
	}
	return n
}

func (s *Summary) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// resolveStatus derives the run status from the entity outcomes.
func (s *Summary) resolveStatus() models.Status {
	succeeded := s.Count(models.StatusSuccess)
	if succeeded == len(s.Entities) {
		return models.StatusSuccess
	}
	if succeeded == 0 {
		return models.StatusFailed
	}
	for _, r := range s.Entities {
		if fleetRoots[r.Entity] && r.Status == models.StatusFailed {
			return models.StatusFailed
		}
	}
	return models.StatusPartial
}

// SyncRun converts the summary into its audit record.
func (s *Summary) SyncRun() *store.SyncRun {
	run := &store.SyncRun{
		ID:         s.RunID,
		Mode:       s.Mode,
		Status:     s.Status,
		StartedAt:  s.StartedAt,
		FinishedAt: sql.NullTime{Time: s.FinishedAt, Valid: !s.FinishedAt.IsZero()},
		Duration:   time.Duration(s.DurationMS) * time.Millisecond,
	}
	if b, err := json.Marshal(s); err == nil {
		run.SummaryJSON = string(b)
	}
	for _, r := range s.Entities {
		msg := r.Error
		if msg == "" {
			msg = r.Reason
		}
		run.Entities = append(run.Entities, store.EntityRun{
			Entity:          r.Entity,
			Status:          r.Status,
			WindowStart:     nullTime(r.WindowStart),
			WindowEnd:       nullTime(r.WindowEnd),
			Pages:           r.Pages,
			Fetched:         r.Fetched,
			Written:         r.Written,
			Filtered:        r.Filtered,
			Dropped:         r.Dropped,
			Unpaired:        r.Unpaired,
			WatermarkBefore: nullTime(r.WatermarkBefore),
			WatermarkAfter:  nullTime(r.WatermarkAfter),
			ErrorKind:       sql.NullString{String: r.ErrorKind, Valid: r.ErrorKind != ""},
			ErrorMessage:    sql.NullString{String: msg, Valid: msg != ""},
			Duration:        time.Duration(r.DurationMS) * time.Millisecond,
		})
	}
	return run
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
