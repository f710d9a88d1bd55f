// Package report summarises what a sync has left in the database: row
// counts, date coverage, currency pairing, orphaned children and the sync
// bookkeeping tables.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/lox/portfoliosync/internal/models"
	"github.com/lox/portfoliosync/internal/store"
)

type Report struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Tables      []TableStats `json:"tables"`
	Plants      PlantStats   `json:"plants"`
	Pairing     []Violation  `json:"pairing_violations"`
	Orphans     []Violation  `json:"orphans"`
	Watermarks  []Watermark  `json:"watermarks"`
	LatestRun   *RunInfo     `json:"latest_run,omitempty"`
	Problems    int          `json:"problems"`
}

// TableStats is the row count and covered date range of one entity table.
type TableStats struct {
	Entity models.EntityType `json:"entity"`
	Rows   int               `json:"rows"`
	From   string            `json:"from,omitempty"`
	To     string            `json:"to,omitempty"`
}

type PlantStats struct {
	Count              int     `json:"count" db:"count"`
	Companies          int     `json:"companies" db:"companies"`
	CapacityMW         float64 `json:"capacity_mw" db:"capacity_mw"`
	MissingCapacity    int     `json:"missing_capacity" db:"missing_capacity"`
	MissingCoordinates int     `json:"missing_coordinates" db:"missing_coordinates"`
}

// Violation counts rows in Table that break a rule. Detail names the
// money metric or the missing parent table.
type Violation struct {
	Table  models.EntityType `json:"table"`
	Detail string            `json:"detail"`
	Rows   int               `json:"rows"`
}

type Watermark struct {
	Entity       string         `json:"entity" db:"entity_type"`
	LastSyncedAt sql.NullString `json:"-" db:"last_synced_at"`
	Mode         sql.NullString `json:"-" db:"last_run_mode"`
	Status       sql.NullString `json:"-" db:"last_run_status"`
	RunID        sql.NullString `json:"-" db:"last_run_id"`
	Error        sql.NullString `json:"-" db:"error_message"`
}

func (w Watermark) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Entity       string `json:"entity"`
		LastSyncedAt string `json:"last_synced_at,omitempty"`
		Mode         string `json:"last_run_mode,omitempty"`
		Status       string `json:"last_run_status,omitempty"`
		RunID        string `json:"last_run_id,omitempty"`
		Error        string `json:"error,omitempty"`
	}{w.Entity, w.LastSyncedAt.String, w.Mode.String, w.Status.String, w.RunID.String, w.Error.String})
}

type RunInfo struct {
	ID         string        `json:"id"`
	Mode       models.Mode   `json:"mode"`
	Status     models.Status `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	DurationMS int64         `json:"duration_ms"`
	Written    int           `json:"records_written"`
	Failed     []string      `json:"failed,omitempty"`
	Skipped    []string      `json:"skipped,omitempty"`
}

// coverage names the column that dates each table's rows.
var coverage = map[models.EntityType]string{
	models.EntityProductionDay:    "date",
	models.EntityProductionPeriod: "timestamp",
	models.EntityBudget:           "printf('%04d-%02d', year, month)",
	models.EntityDowntimeEvent:    "start_time",
	models.EntityMarketPrice:      "timestamp",
	models.EntityDowntimeDay:      "date",
	models.EntityDowntimePeriod:   "timestamp",
	models.EntityWorkItem:         "due_date",
}

var moneyColumns = []struct {
	table  models.EntityType
	metric string
}{
	{models.EntityProductionDay, "revenue"},
	{models.EntityProductionPeriod, "revenue"},
	{models.EntityProductionPeriod, "downtime_cost"},
	{models.EntityMarketPrice, "price"},
	{models.EntityBudget, "revenue"},
	{models.EntityBudget, "avg_daily_revenue"},
	{models.EntityDowntimeDay, "cost"},
	{models.EntityDowntimePeriod, "cost"},
	{models.EntityWorkItem, "budget_cost"},
	{models.EntityWorkItem, "elapsed_cost"},
	{models.EntityWorkItem, "forecast_cost"},
}

var parents = []struct {
	table  models.EntityType
	column string
	parent models.EntityType
}{
	{models.EntityPowerPlant, "company_id", models.EntityCompany},
	{models.EntityProductionDay, "power_plant_id", models.EntityPowerPlant},
	{models.EntityProductionPeriod, "power_plant_id", models.EntityPowerPlant},
	{models.EntityBudget, "power_plant_id", models.EntityPowerPlant},
	{models.EntityDowntimeEvent, "power_plant_id", models.EntityPowerPlant},
	{models.EntityWorkItem, "power_plant_id", models.EntityPowerPlant},
	{models.EntityDowntimeDay, "downtime_event_id", models.EntityDowntimeEvent},
	{models.EntityDowntimePeriod, "downtime_event_id", models.EntityDowntimeEvent},
}

// Build queries st and assembles the report.
func Build(ctx context.Context, st *store.Store, now time.Time) (*Report, error) {
	db := sqlx.NewDb(st.DB(), "sqlite")
	r := &Report{GeneratedAt: now.UTC()}

	for _, e := range models.AllEntities {
		ts := TableStats{Entity: e}
		if err := db.GetContext(ctx, &ts.Rows, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, e)); err != nil {
			return nil, fmt.Errorf("count %s: %w", e, err)
		}
		if col, ok := coverage[e]; ok && ts.Rows > 0 {
			var span struct {
				From sql.NullString `db:"min_value"`
				To   sql.NullString `db:"max_value"`
			}
			q := fmt.Sprintf(`SELECT MIN(%[1]s) AS min_value, MAX(%[1]s) AS max_value FROM %[2]s`, col, e)
			if err := db.GetContext(ctx, &span, q); err != nil {
				return nil, fmt.Errorf("coverage %s: %w", e, err)
			}
			ts.From, ts.To = span.From.String, span.To.String
		}
		r.Tables = append(r.Tables, ts)
	}

	if err := db.GetContext(ctx, &r.Plants, `
		SELECT COUNT(*) AS count,
		       COUNT(DISTINCT company_id) AS companies,
		       COALESCE(SUM(capacity_mw), 0) AS capacity_mw,
		       COUNT(*) - COUNT(capacity_mw) AS missing_capacity,
		       COUNT(*) - COUNT(CASE WHEN latitude IS NOT NULL AND longitude IS NOT NULL THEN 1 END) AS missing_coordinates
		FROM power_plants`); err != nil {
		return nil, fmt.Errorf("plant stats: %w", err)
	}

	for _, m := range moneyColumns {
		var n int
		q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE (%[2]s_nok IS NULL) != (%[2]s_eur IS NULL)`, m.table, m.metric)
		if err := db.GetContext(ctx, &n, q); err != nil {
			return nil, fmt.Errorf("pairing %s.%s: %w", m.table, m.metric, err)
		}
		if n > 0 {
			r.Pairing = append(r.Pairing, Violation{Table: m.table, Detail: m.metric, Rows: n})
		}
	}

	for _, p := range parents {
		var n int
		q := fmt.Sprintf(`SELECT COUNT(*) FROM %[1]s c WHERE c.%[2]s IS NOT NULL
			AND NOT EXISTS (SELECT 1 FROM %[3]s p WHERE p.id = c.%[2]s)`, p.table, p.column, p.parent)
		if err := db.GetContext(ctx, &n, q); err != nil {
			return nil, fmt.Errorf("orphans %s: %w", p.table, err)
		}
		if n > 0 {
			r.Orphans = append(r.Orphans, Violation{Table: p.table, Detail: string(p.parent), Rows: n})
		}
	}

	if err := db.SelectContext(ctx, &r.Watermarks, `
		SELECT entity_type, last_synced_at, last_run_mode, last_run_status, last_run_id, error_message
		FROM sync_metadata ORDER BY entity_type`); err != nil {
		return nil, fmt.Errorf("watermarks: %w", err)
	}

	run, err := st.LatestSyncRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	if run != nil {
		info := &RunInfo{
			ID:         run.ID,
			Mode:       run.Mode,
			Status:     run.Status,
			StartedAt:  run.StartedAt,
			DurationMS: run.Duration.Milliseconds(),
		}
		for _, e := range run.Entities {
			info.Written += e.Written
			switch e.Status {
			case models.StatusFailed:
				info.Failed = append(info.Failed, string(e.Entity))
			case models.StatusSkipped:
				info.Skipped = append(info.Skipped, string(e.Entity))
			}
		}
		r.LatestRun = info
	}

	for _, v := range r.Pairing {
		r.Problems += v.Rows
	}
	for _, v := range r.Orphans {
		r.Problems += v.Rows
	}
	return r, nil
}

// Table returns the stats for entity.
func (r *Report) Table(entity models.EntityType) TableStats {
	for _, t := range r.Tables {
		if t.Entity == entity {
			return t
		}
	}
	return TableStats{Entity: entity}
}

func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// WriteText renders the report for a terminal.
func (r *Report) WriteText(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Portfolio data verification (%s)\n\n", r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintln(w, "TABLE\tROWS\tFROM\tTO")
	for _, t := range r.Tables {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", t.Entity, t.Rows, dash(t.From), dash(t.To))
	}

	fmt.Fprintf(w, "\nPlants: %d across %d companies, %.1f MW", r.Plants.Count, r.Plants.Companies, r.Plants.CapacityMW)
	if r.Plants.MissingCapacity > 0 || r.Plants.MissingCoordinates > 0 {
		fmt.Fprintf(w, " (missing capacity: %d, missing coordinates: %d)", r.Plants.MissingCapacity, r.Plants.MissingCoordinates)
	}
	fmt.Fprintln(w)

	if len(r.Pairing) == 0 {
		fmt.Fprintln(w, "Currency pairs: ok")
	} else {
		fmt.Fprintln(w, "Currency pairs with one side missing:")
		for _, v := range r.Pairing {
			fmt.Fprintf(w, "  %s.%s\t%d\n", v.Table, v.Detail, v.Rows)
		}
	}

	if len(r.Orphans) == 0 {
		fmt.Fprintln(w, "Orphans: none")
	} else {
		fmt.Fprintln(w, "Rows without a parent:")
		for _, v := range r.Orphans {
			fmt.Fprintf(w, "  %s -> %s\t%d\n", v.Table, v.Detail, v.Rows)
		}
	}

	fmt.Fprintln(w, "\nENTITY\tWATERMARK\tLAST RUN\tSTATUS\tERROR")
	for _, wm := range r.Watermarks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", wm.Entity, dash(wm.LastSyncedAt.String), dash(wm.Mode.String), dash(wm.Status.String), truncate(wm.Error.String, 60))
	}

	if r.LatestRun != nil {
		run := r.LatestRun
		fmt.Fprintf(w, "\nLatest run %s: %s %s at %s, %d records in %dms\n",
			run.ID, run.Mode, run.Status, run.StartedAt.Format(time.RFC3339), run.Written, run.DurationMS)
		if len(run.Failed) > 0 {
			fmt.Fprintf(w, "  failed: %s\n", strings.Join(run.Failed, ", "))
		}
		if len(run.Skipped) > 0 {
			fmt.Fprintf(w, "  skipped: %s\n", strings.Join(run.Skipped, ", "))
		}
	} else {
		fmt.Fprintln(w, "\nNo sync runs recorded")
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return dash(s)
	}
	return s[:n-3] + "..."
}
