package ingest

import (
	"time"

	"github.com/lox/portfoliosync/internal/models"
)

// ComputeWindow returns the fetch window for one entity.
//
// A full run starts at floor. An incremental run starts at the stored
// watermark (never before floor) and filters on it; without a watermark it
// bootstraps like a full run. A zero end means now.
func ComputeWindow(mode models.Mode, watermark, floor, end, now time.Time) models.Window {
	w := models.Window{Start: floor.UTC(), End: end.UTC()}
	if end.IsZero() {
		w.End = now.UTC()
	}
	if mode != models.ModeIncremental {
		return w
	}
	if watermark.IsZero() {
		w.Bootstrap = true
		return w
	}
	w.Since = watermark.UTC()
	if w.Since.After(w.Start) {
		w.Start = w.Since
	}
	return w
}

// ExclusiveEnd turns an inclusive calendar date into the following
// midnight UTC. A zero date stays zero.
func ExclusiveEnd(date time.Time) time.Time {
	if date.IsZero() {
		return time.Time{}
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// filterSince drops records changed before since. Records without a
// change timestamp are always kept.
func filterSince(records []models.Record, since time.Time) (kept []models.Record, filtered int) {
	if since.IsZero() {
		return records, 0
	}
	kept = records[:0:0]
	for _, r := range records {
		if ts := r.ChangedAt(); !ts.IsZero() && ts.Before(since) {
			filtered++
			continue
		}
		kept = append(kept, r)
	}
	return kept, filtered
}

// dependencies lists the entities each entity needs in storage first.
var dependencies = map[models.EntityType][]models.EntityType{
	models.EntityPowerPlant:       {models.EntityCompany},
	models.EntityProductionDay:    {models.EntityPowerPlant},
	models.EntityProductionPeriod: {models.EntityPowerPlant},
	models.EntityBudget:           {models.EntityPowerPlant},
	models.EntityDowntimeEvent:    {models.EntityPowerPlant},
	models.EntityDowntimeDay:      {models.EntityDowntimeEvent},
	models.EntityDowntimePeriod:   {models.EntityDowntimeEvent},
	models.EntityWorkItem:         {models.EntityPowerPlant},
}

// fleetRoots fail the whole run when they fail.
var fleetRoots = map[models.EntityType]bool{
	models.EntityCompany:    true,
	models.EntityPowerPlant: true,
}
