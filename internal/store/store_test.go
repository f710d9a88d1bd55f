package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/lox/portfoliosync/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	return s
}

func nok(v int64) decimal.NullDecimal { return decimal.NewNullDecimal(decimal.NewFromInt(v)) }

func revenue(nokAmount, eurAmount int64) models.Money {
	return models.Money{NOK: nok(nokAmount), EUR: nok(eurAmount)}
}

func upsert(t *testing.T, s *Store, entity models.EntityType, records ...models.Record) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx *Tx) error {
		_, err := tx.Upsert(context.Background(), entity, records)
		return err
	})
	if err != nil {
		t.Fatalf("Upsert %s: %v", entity, err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := setupTestStore(t)

	if err := s.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	version, err := s.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("version = %d, want %d", version, len(migrations))
	}
}

func TestUpsertProductionDayReplacesByNaturalKey(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	date := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	upsert(t, s, models.EntityProductionDay, models.ProductionDay{PlantID: 1, Date: date, Revenue: revenue(100, 9)})
	upsert(t, s, models.EntityProductionDay, models.ProductionDay{PlantID: 1, Date: date, Revenue: revenue(150, 13)})

	n, err := s.Count(ctx, models.EntityProductionDay)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("production_days rows = %d, want 1", n)
	}

	var gotNOK, gotEUR float64
	var gotDate string
	err = s.db.QueryRow(`SELECT date, revenue_nok, revenue_eur FROM production_days`).Scan(&gotDate, &gotNOK, &gotEUR)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if gotDate != "2025-03-01" {
		t.Errorf("date = %q, want 2025-03-01", gotDate)
	}
	if gotNOK != 150 || gotEUR != 13 {
		t.Errorf("revenue = %v/%v, want 150/13", gotNOK, gotEUR)
	}
}

func TestUpsertStoresNullPairs(t *testing.T) {
	s := setupTestStore(t)
	date := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)

	upsert(t, s, models.EntityProductionDay, models.ProductionDay{PlantID: 1, Date: date})

	var gotNOK, gotEUR sql.NullFloat64
	if err := s.db.QueryRow(`SELECT revenue_nok, revenue_eur FROM production_days`).Scan(&gotNOK, &gotEUR); err != nil {
		t.Fatalf("query: %v", err)
	}
	if gotNOK.Valid || gotEUR.Valid {
		t.Errorf("revenue = %v/%v, want both null", gotNOK, gotEUR)
	}
}

func TestUpsertRejectsInvalidRecords(t *testing.T) {
	tests := []struct {
		name   string
		entity models.EntityType
		record models.Record
	}{
		{
			name:   "half currency pair",
			entity: models.EntityProductionDay,
			record: models.ProductionDay{PlantID: 1, Date: time.Now(), Revenue: models.Money{NOK: nok(100)}},
		},
		{
			name:   "missing key",
			entity: models.EntityWorkItem,
			record: models.WorkItem{PlantID: 1, Title: "Inspect"},
		},
		{
			name:   "wrong entity",
			entity: models.EntityBudget,
			record: models.Company{ID: 1, Name: "Acme"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestStore(t)
			ctx := context.Background()

			err := s.InTx(ctx, func(tx *Tx) error {
				_, err := tx.Upsert(ctx, tt.entity, []models.Record{tt.record})
				return err
			})

			var invalid *InvalidRecordError
			if !errors.As(err, &invalid) {
				t.Fatalf("err = %v, want InvalidRecordError", err)
			}
			if !errors.Is(err, models.ErrInvalidRecord) {
				t.Errorf("err = %v, want wrapping ErrInvalidRecord", err)
			}
		})
	}
}

func TestRollbackDiscardsWritesAndWatermark(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tx.Upsert(ctx, models.EntityCompany, []models.Record{models.Company{ID: 1, Name: "Acme"}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	wm := models.Watermark{
		Entity:        models.EntityCompany,
		LastSyncedAt:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		LastRunMode:   models.ModeFull,
		LastRunStatus: models.StatusSuccess,
	}
	if err := tx.SetWatermark(ctx, wm); err != nil {
		t.Fatalf("SetWatermark: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Errorf("second Rollback: %v", err)
	}
	if err := tx.Commit(); !errors.Is(err, ErrTxDone) {
		t.Errorf("Commit after Rollback = %v, want ErrTxDone", err)
	}

	n, err := s.Count(ctx, models.EntityCompany)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("companies = %d, want 0", n)
	}
	if _, ok, err := s.GetWatermark(ctx, models.EntityCompany); err != nil || ok {
		t.Errorf("GetWatermark = ok %v err %v, want absent", ok, err)
	}
}

func TestInTxRollsBackOnPanic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		s.InTx(ctx, func(tx *Tx) error {
			tx.Upsert(ctx, models.EntityCompany, []models.Record{models.Company{ID: 1, Name: "Acme"}})
			panic("boom")
		})
	}()

	if n, _ := s.Count(ctx, models.EntityCompany); n != 0 {
		t.Errorf("companies = %d, want 0", n)
	}
}

func TestSetWatermarkIsMonotonic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	later := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	earlier := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

	for _, ts := range []time.Time{later, earlier} {
		err := s.InTx(ctx, func(tx *Tx) error {
			return tx.SetWatermark(ctx, models.Watermark{
				Entity:        models.EntityPowerPlant,
				LastSyncedAt:  ts,
				LastRunMode:   models.ModeIncremental,
				LastRunStatus: models.StatusSuccess,
				LastRunID:     "run-" + ts.Format("0102"),
			})
		})
		if err != nil {
			t.Fatalf("SetWatermark(%v): %v", ts, err)
		}
	}

	wm, ok, err := s.GetWatermark(ctx, models.EntityPowerPlant)
	if err != nil || !ok {
		t.Fatalf("GetWatermark: ok %v err %v", ok, err)
	}
	if !wm.LastSyncedAt.Equal(later) {
		t.Errorf("LastSyncedAt = %v, want %v", wm.LastSyncedAt, later)
	}
	if wm.LastRunID != "run-0115" {
		t.Errorf("LastRunID = %q, want run-0115", wm.LastRunID)
	}
	if wm.LastRunMode != models.ModeIncremental {
		t.Errorf("LastRunMode = %q", wm.LastRunMode)
	}
}

func TestSetWatermarkRejectsZero(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *Tx) error {
		return tx.SetWatermark(ctx, models.Watermark{Entity: models.EntityCompany})
	})
	if err == nil {
		t.Fatal("expected error for zero watermark")
	}
}

func TestMarkEntityRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	if err := s.MarkEntityRun(ctx, models.EntityMarketPrice, "r1", models.ModeFull, models.StatusFailed, "boom"); err != nil {
		t.Fatalf("MarkEntityRun without row: %v", err)
	}
	if _, ok, _ := s.GetWatermark(ctx, models.EntityMarketPrice); ok {
		t.Fatal("MarkEntityRun created a watermark")
	}

	err := s.InTx(ctx, func(tx *Tx) error {
		return tx.SetWatermark(ctx, models.Watermark{Entity: models.EntityMarketPrice, LastSyncedAt: ts, LastRunMode: models.ModeFull, LastRunStatus: models.StatusSuccess})
	})
	if err != nil {
		t.Fatalf("SetWatermark: %v", err)
	}
	if err := s.MarkEntityRun(ctx, models.EntityMarketPrice, "r2", models.ModeIncremental, models.StatusFailed, "server error"); err != nil {
		t.Fatalf("MarkEntityRun: %v", err)
	}

	wm, ok, err := s.GetWatermark(ctx, models.EntityMarketPrice)
	if err != nil || !ok {
		t.Fatalf("GetWatermark: ok %v err %v", ok, err)
	}
	if !wm.LastSyncedAt.Equal(ts) {
		t.Errorf("LastSyncedAt = %v, want unchanged %v", wm.LastSyncedAt, ts)
	}
	if wm.LastRunStatus != models.StatusFailed || wm.ErrorMessage != "server error" {
		t.Errorf("run columns = %q %q", wm.LastRunStatus, wm.ErrorMessage)
	}
}

func TestMarkEntityRunSuccessCreatesRow(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.MarkEntityRun(ctx, models.EntityCompany, "r1", models.ModeFull, models.StatusSuccess, ""); err != nil {
		t.Fatalf("MarkEntityRun: %v", err)
	}
	if _, ok, _ := s.GetWatermark(ctx, models.EntityCompany); ok {
		t.Error("row without timestamp reported as a watermark")
	}
	wms, err := s.Watermarks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	wm, ok := wms[models.EntityCompany]
	if !ok {
		t.Fatal("no sync_metadata row after successful run")
	}
	if !wm.LastSyncedAt.IsZero() || wm.LastRunStatus != models.StatusSuccess || wm.LastRunID != "r1" {
		t.Errorf("row = %+v", wm)
	}

	if err := s.MarkEntityRun(ctx, models.EntityCompany, "r2", models.ModeIncremental, models.StatusSuccess, ""); err != nil {
		t.Fatalf("MarkEntityRun again: %v", err)
	}
	wms, _ = s.Watermarks(ctx)
	if got := wms[models.EntityCompany].LastRunID; got != "r2" {
		t.Errorf("LastRunID = %q, want r2", got)
	}
}

func TestLookups(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	upsert(t, s, models.EntityPowerPlant,
		models.PowerPlant{ID: 2, UUID: "b", Name: "Wind"},
		models.PowerPlant{ID: 1, UUID: "a", Name: "Hydro"},
	)
	upsert(t, s, models.EntityDowntimeEvent, models.DowntimeEvent{ID: 7, PlantID: 1})

	plants, err := s.PlantRefs(ctx)
	if err != nil {
		t.Fatalf("PlantRefs: %v", err)
	}
	if len(plants) != 2 || plants[0].UUID != "a" || plants[1].ID != 2 {
		t.Errorf("PlantRefs = %+v", plants)
	}

	ids, err := s.DowntimeEventIDs(ctx)
	if err != nil {
		t.Fatalf("DowntimeEventIDs: %v", err)
	}
	if !ids[7] || len(ids) != 1 {
		t.Errorf("DowntimeEventIDs = %v", ids)
	}
}

func TestSyncRunAudit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2025, 5, 1, 6, 0, 0, 0, time.UTC)

	if err := s.StartSyncRun(ctx, "run-1", models.ModeFull, started); err != nil {
		t.Fatalf("StartSyncRun: %v", err)
	}

	run := &SyncRun{
		ID:         "run-1",
		Mode:       models.ModeFull,
		Status:     models.StatusPartial,
		StartedAt:  started,
		FinishedAt: sql.NullTime{Time: started.Add(time.Minute), Valid: true},
		Duration:   time.Minute,
		Entities: []EntityRun{
			{Entity: models.EntityMarketPrice, Status: models.StatusFailed, ErrorKind: sql.NullString{String: "server", Valid: true}},
			{Entity: models.EntityCompany, Status: models.StatusSuccess, Written: 3, Pages: 1},
		},
		SummaryJSON: `{"status":"partial"}`,
	}
	if err := s.CompleteSyncRun(ctx, run); err != nil {
		t.Fatalf("CompleteSyncRun: %v", err)
	}

	got, err := s.LatestSyncRun(ctx)
	if err != nil {
		t.Fatalf("LatestSyncRun: %v", err)
	}
	if got == nil || got.Status != models.StatusPartial || got.Duration != time.Minute {
		t.Fatalf("LatestSyncRun = %+v", got)
	}
	if len(got.Entities) != 2 {
		t.Fatalf("entities = %d, want 2", len(got.Entities))
	}
	if got.Entities[0].Entity != models.EntityCompany || got.Entities[0].Written != 3 {
		t.Errorf("entities not in dependency order: %+v", got.Entities)
	}
	if got.Entities[1].ErrorKind.String != "server" {
		t.Errorf("ErrorKind = %v", got.Entities[1].ErrorKind)
	}

	var succeeded, failed int
	if err := s.db.QueryRow(`SELECT entities_succeeded, entities_failed FROM sync_runs WHERE id = 'run-1'`).Scan(&succeeded, &failed); err != nil {
		t.Fatalf("query: %v", err)
	}
	if succeeded != 1 || failed != 1 {
		t.Errorf("succeeded/failed = %d/%d, want 1/1", succeeded, failed)
	}
}

func TestLatestSyncRunEmpty(t *testing.T) {
	s := setupTestStore(t)
	run, err := s.LatestSyncRun(context.Background())
	if err != nil || run != nil {
		t.Errorf("LatestSyncRun = %v, %v; want nil, nil", run, err)
	}
}

func TestRawPayloadDeduplication(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	body := []byte(`[{"id":1,"name":"Acme"}]`)

	id, err := s.StoreRawPayload(ctx, "run-1", "companies", "/api/v1/companies", "", body)
	if err != nil || id == 0 {
		t.Fatalf("StoreRawPayload: id %d err %v", id, err)
	}
	dup, err := s.StoreRawPayload(ctx, "run-2", "companies", "/api/v1/companies", "", body)
	if err != nil {
		t.Fatalf("StoreRawPayload duplicate: %v", err)
	}
	if dup != 0 {
		t.Errorf("duplicate id = %d, want 0", dup)
	}

	got, err := s.GetRawPayload(ctx, id)
	if err != nil {
		t.Fatalf("GetRawPayload: %v", err)
	}
	if string(got) != string(body) {
		t.Errorf("payload = %s", got)
	}

	deleted, err := s.CleanupRawPayloads(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("CleanupRawPayloads: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
}

func TestSnapshot(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	upsert(t, s, models.EntityCompany, models.Company{ID: 1, Name: "Acme"})

	dest := filepath.Join(t.TempDir(), "out", "snapshot.db")
	for i := 0; i < 2; i++ {
		if err := s.Snapshot(ctx, dest); err != nil {
			t.Fatalf("Snapshot #%d: %v", i+1, err)
		}
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}

	copyStore, err := Open(ctx, dest, zerolog.Nop())
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer copyStore.Close()
	if n, err := copyStore.Count(ctx, models.EntityCompany); err != nil || n != 1 {
		t.Errorf("snapshot companies = %d (%v), want 1", n, err)
	}
}
