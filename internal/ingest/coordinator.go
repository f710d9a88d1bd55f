// Package ingest runs sync passes from the portal into the store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lox/portfoliosync/internal/fetch"
	"github.com/lox/portfoliosync/internal/metrics"
	"github.com/lox/portfoliosync/internal/models"
	"github.com/lox/portfoliosync/internal/portal"
	"github.com/lox/portfoliosync/internal/store"
)

// Gateway is the storage the coordinator writes through.
type Gateway interface {
	InTx(ctx context.Context, fn func(*store.Tx) error) error
	Watermarks(ctx context.Context) (map[models.EntityType]models.Watermark, error)
	MarkEntityRun(ctx context.Context, entity models.EntityType, runID string, mode models.Mode, status models.Status, errMsg string) error
	StartSyncRun(ctx context.Context, id string, mode models.Mode, startedAt time.Time) error
	CompleteSyncRun(ctx context.Context, run *store.SyncRun) error
}

type RunOptions struct {
	Mode models.Mode
	// Start is the earliest date fetched.
	Start time.Time
	// End is the exclusive upper bound. Zero means now.
	End time.Time
	// Entities to sync. Empty means all.
	Entities []models.EntityType
}

type Coordinator struct {
	gw       Gateway
	fetchers map[models.EntityType]fetch.Fetcher
	log      zerolog.Logger
	now      func() time.Time
	newID    func() string
}

type Option func(*Coordinator)

func WithLogger(log zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(gw Gateway, fetchers map[models.EntityType]fetch.Fetcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		gw:       gw,
		fetchers: fetchers,
		log:      zerolog.Nop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "coordinator").Logger()
	return c
}

// runState holds everything scoped to a single Run.
type runState struct {
	id         string
	mode       models.Mode
	floor      time.Time
	end        time.Time
	started    time.Time
	watermarks map[models.EntityType]models.Watermark
	summary    *Summary
	log        zerolog.Logger
}

func (st *runState) watermark(entity models.EntityType) (time.Time, bool) {
	wm, ok := st.watermarks[entity]
	if !ok || wm.LastSyncedAt.IsZero() {
		return time.Time{}, false
	}
	return wm.LastSyncedAt, true
}

// synced reports whether entity has stored data from an earlier run:
// either a watermark or a successful run of records without timestamps.
func (st *runState) synced(entity models.EntityType) bool {
	wm, ok := st.watermarks[entity]
	return ok && (!wm.LastSyncedAt.IsZero() || wm.LastRunStatus == models.StatusSuccess)
}

// blockedBy explains why entity cannot run yet, or returns "".
func (st *runState) blockedBy(entity models.EntityType) string {
	for _, dep := range dependencies[entity] {
		res := st.summary.Entity(dep)
		if res == nil {
			if !st.synced(dep) {
				return fmt.Sprintf("dependency %s never synced", dep)
			}
			continue
		}
		switch res.Status {
		case models.StatusSuccess:
		case models.StatusFailed:
			return fmt.Sprintf("dependency %s failed", dep)
		default:
			return fmt.Sprintf("dependency %s skipped", dep)
		}
	}
	return ""
}

// Run syncs the requested entities in dependency order. It never returns
// an error; every outcome is recorded in the summary.
func (c *Coordinator) Run(ctx context.Context, opts RunOptions) *Summary {
	mode := opts.Mode
	if mode == "" {
		mode = models.ModeIncremental
	}
	entities := opts.Entities
	if len(entities) == 0 {
		entities = models.AllEntities
	}

	st := &runState{
		id:      c.newID(),
		mode:    mode,
		floor:   opts.Start,
		end:     opts.End,
		started: c.now(),
	}
	st.summary = &Summary{RunID: st.id, Mode: mode, Status: models.StatusRunning, StartedAt: st.started.UTC()}
	st.log = c.log.With().Str("run_id", st.id).Str("mode", string(mode)).Logger()
	ctx = withRunID(ctx, st.id)

	st.log.Info().Int("entities", len(entities)).Msg("sync started")
	if err := c.gw.StartSyncRun(ctx, st.id, mode, st.started); err != nil {
		st.log.Warn().Err(err).Msg("record sync run start")
	}

	wms, err := c.gw.Watermarks(ctx)
	if err != nil {
		st.log.Error().Err(err).Msg("load watermarks")
		st.summary.Error = fmt.Sprintf("load watermarks: %v", err)
	}
	st.watermarks = wms

	for _, entity := range orderEntities(entities) {
		res := &EntityResult{Entity: entity}
		st.summary.Entities = append(st.summary.Entities, res)

		switch {
		case err != nil:
			res.Status = models.StatusFailed
			res.ErrorKind = KindStorage
			res.Error = st.summary.Error
		case ctx.Err() != nil:
			c.skip(ctx, st, res, KindCancelled)
		default:
			if reason := st.blockedBy(entity); reason != "" {
				c.skip(ctx, st, res, reason)
				continue
			}
			c.runEntity(ctx, st, res)
		}
	}

	return c.finish(ctx, st)
}

func orderEntities(requested []models.EntityType) []models.EntityType {
	want := make(map[models.EntityType]bool, len(requested))
	for _, e := range requested {
		want[e] = true
	}
	var out []models.EntityType
	for _, e := range models.AllEntities {
		if want[e] {
			out = append(out, e)
		}
	}
	return out
}

func (c *Coordinator) finish(ctx context.Context, st *runState) *Summary {
	s := st.summary
	finished := c.now()
	s.FinishedAt = finished.UTC()
	s.DurationMS = finished.Sub(st.started).Milliseconds()
	s.Status = s.resolveStatus()

	metrics.RunsTotal.WithLabelValues(string(s.Mode), string(s.Status)).Inc()
	metrics.RunDuration.WithLabelValues(string(s.Mode), string(s.Status)).Observe(finished.Sub(st.started).Seconds())

	if err := c.gw.CompleteSyncRun(context.WithoutCancel(ctx), s.SyncRun()); err != nil {
		st.log.Warn().Err(err).Msg("record sync run outcome")
	}

	ev := st.log.Info()
	if s.Status != models.StatusSuccess {
		ev = st.log.Warn()
	}
	ev.Str("status", string(s.Status)).
		Int("succeeded", s.Count(models.StatusSuccess)).
		Int("failed", s.Count(models.StatusFailed)).
		Int("skipped", s.Count(models.StatusSkipped)).
		Int("written", s.Written()).
		Int64("duration_ms", s.DurationMS).
		Msg("sync finished")
	return s
}

func (c *Coordinator) skip(ctx context.Context, st *runState, res *EntityResult, reason string) {
	res.Status = models.StatusSkipped
	res.Reason = reason
	metrics.EntityRuns.WithLabelValues(string(res.Entity), string(res.Status)).Inc()
	st.log.Warn().Str("entity", string(res.Entity)).Str("reason", reason).Msg("entity skipped")
	if err := c.gw.MarkEntityRun(context.WithoutCancel(ctx), res.Entity, st.id, st.mode, models.StatusSkipped, reason); err != nil {
		st.log.Warn().Err(err).Str("entity", string(res.Entity)).Msg("record skipped entity")
	}
}

func (c *Coordinator) runEntity(ctx context.Context, st *runState, res *EntityResult) {
	entity := res.Entity
	started := c.now()
	defer func() { res.DurationMS = c.now().Sub(started).Milliseconds() }()
	ctx = withEntity(ctx, entity)
	log := st.log.With().Str("entity", string(entity)).Logger()

	f, ok := c.fetchers[entity]
	if !ok {
		c.fail(ctx, st, res, log, 0, fmt.Errorf("no fetcher registered for %s", entity))
		return
	}

	before, hasBefore := st.watermark(entity)
	if hasBefore {
		res.WatermarkBefore = timePtr(before)
	}
	w := ComputeWindow(st.mode, before, st.floor, st.end, started)
	res.WindowStart, res.WindowEnd = timePtr(w.Start), timePtr(w.End)
	log = log.With().Str("window", w.String()).Logger()

	if w.Empty() {
		log.Info().Msg("empty window")
		c.succeed(ctx, st, res, log, time.Time{}, false)
		return
	}
	log.Info().Bool("bootstrap", w.Bootstrap).Msg("syncing entity")

	var (
		highest   time.Time
		wroteMark bool
		lastSeen  bool
	)
	for page, err := range f.Fetch(ctx, w) {
		if err != nil {
			c.fail(ctx, st, res, log, page.Number, err)
			return
		}

		records, filtered := filterSince(page.Records, w.Since)
		pageHighest := highest
		for _, r := range records {
			if ts := r.ChangedAt(); ts.After(pageHighest) {
				pageHighest = ts
			}
		}

		setMark := page.IsLast && !pageHighest.IsZero()
		var written int
		commitErr := c.gw.InTx(ctx, func(tx *store.Tx) error {
			n, err := tx.Upsert(ctx, entity, records)
			if err != nil {
				return err
			}
			written = n
			if setMark {
				return tx.SetWatermark(ctx, c.watermark(st, entity, pageHighest))
			}
			return nil
		})
		if commitErr != nil {
			c.fail(ctx, st, res, log, page.Number, commitErr)
			return
		}

		res.Pages++
		res.Fetched += len(page.Records)
		res.Written += written
		res.Filtered += filtered
		res.Dropped += page.Dropped
		res.Unpaired += page.Unpaired
		highest = pageHighest
		wroteMark = wroteMark || setMark
		lastSeen = lastSeen || page.IsLast

		metrics.PagesCommitted.WithLabelValues(string(entity)).Inc()
		metrics.RecordsWritten.WithLabelValues(string(entity)).Add(float64(written))
		log.Debug().Int("page", page.Number).Str("cursor", page.Cursor).Int("written", written).
			Int("filtered", filtered).Int("dropped", page.Dropped).Msg("page committed")

		// The watermark is committed with the last page.
		if page.IsLast {
			break
		}
	}

	if !lastSeen && !highest.IsZero() {
		err := c.gw.InTx(ctx, func(tx *store.Tx) error {
			return tx.SetWatermark(ctx, c.watermark(st, entity, highest))
		})
		if err != nil {
			c.fail(ctx, st, res, log, res.Pages, err)
			return
		}
		wroteMark = true
	}
	c.succeed(ctx, st, res, log, highest, wroteMark)
}

func (c *Coordinator) watermark(st *runState, entity models.EntityType, at time.Time) models.Watermark {
	return models.Watermark{
		Entity:        entity,
		LastSyncedAt:  at,
		LastRunMode:   st.mode,
		LastRunStatus: models.StatusSuccess,
		LastRunID:     st.id,
	}
}

func (c *Coordinator) succeed(ctx context.Context, st *runState, res *EntityResult, log zerolog.Logger, highest time.Time, wroteMark bool) {
	res.Status = models.StatusSuccess
	res.WatermarkAfter = res.WatermarkBefore
	if wroteMark && (res.WatermarkBefore == nil || highest.After(*res.WatermarkBefore)) {
		res.WatermarkAfter = timePtr(highest)
	}
	if !wroteMark {
		if err := c.gw.MarkEntityRun(context.WithoutCancel(ctx), res.Entity, st.id, st.mode, models.StatusSuccess, ""); err != nil {
			log.Warn().Err(err).Msg("record entity run")
		}
	}

	metrics.EntityRuns.WithLabelValues(string(res.Entity), string(res.Status)).Inc()
	metrics.EntityLastSuccess.WithLabelValues(string(res.Entity)).SetToCurrentTime()
	if res.WatermarkAfter != nil {
		metrics.EntityWatermark.WithLabelValues(string(res.Entity)).Set(float64(res.WatermarkAfter.Unix()))
	}
	log.Info().Int("pages", res.Pages).Int("fetched", res.Fetched).Int("written", res.Written).
		Int("filtered", res.Filtered).Int("dropped", res.Dropped).Int("unpaired", res.Unpaired).
		Msg("entity synced")
}

func (c *Coordinator) fail(ctx context.Context, st *runState, res *EntityResult, log zerolog.Logger, page int, err error) {
	res.Status = models.StatusFailed
	res.ErrorKind = classify(ctx, err)
	res.Error = err.Error()
	metrics.EntityRuns.WithLabelValues(string(res.Entity), string(res.Status)).Inc()

	ev := log.Error().Err(err).Str("kind", res.ErrorKind).Int("page", page)
	var perr *portal.Error
	if errors.As(err, &perr) {
		ev = ev.Int("attempts", perr.Attempts).Int("http_status", perr.Status)
	}
	ev.Msg("entity failed")

	if err := c.gw.MarkEntityRun(context.WithoutCancel(ctx), res.Entity, st.id, st.mode, models.StatusFailed, res.Error); err != nil {
		log.Warn().Err(err).Msg("record failed entity")
	}
}

// classify maps an entity failure to the kind reported in summaries.
func classify(ctx context.Context, err error) string {
	if errors.Is(err, context.Canceled) || (ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded)) {
		return KindCancelled
	}
	var perr *portal.Error
	if errors.As(err, &perr) {
		return string(perr.Kind)
	}
	var merr *fetch.MalformedError
	if errors.As(err, &merr) {
		return KindMalformed
	}
	var ierr *store.InvalidRecordError
	if errors.As(err, &ierr) || errors.Is(err, models.ErrInvalidRecord) {
		return KindMalformed
	}
	var serr *store.StorageError
	if errors.As(err, &serr) {
		return KindStorage
	}
	return KindInternal
}
