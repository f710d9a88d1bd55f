package store

import (
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial portfolio schema",
		SQL: `
CREATE TABLE IF NOT EXISTS companies (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    created_at TEXT,
    updated_at TEXT
);

CREATE TABLE IF NOT EXISTS power_plants (
    id INTEGER PRIMARY KEY,
    uuid TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    company_id INTEGER,
    power_plant_type TEXT,
    capacity_mw REAL,
    price_area TEXT,
    latitude REAL,
    longitude REAL,
    commissioned_date TEXT,
    created_at TEXT,
    updated_at TEXT
);

CREATE TABLE IF NOT EXISTS production_days (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    power_plant_id INTEGER NOT NULL,
    date TEXT NOT NULL,
    volume REAL,
    revenue_nok REAL,
    revenue_eur REAL,
    forecasted_volume REAL,
    cap_theoretical_volume REAL,
    full_load_count INTEGER,
    no_load_count INTEGER,
    operational_count INTEGER,
    UNIQUE(power_plant_id, date)
);

CREATE TABLE IF NOT EXISTS production_periods (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    power_plant_id INTEGER NOT NULL,
    timestamp TEXT NOT NULL,
    volume REAL,
    revenue_nok REAL,
    revenue_eur REAL,
    forecasted_volume REAL,
    downtime_volume REAL,
    downtime_cost_nok REAL,
    downtime_cost_eur REAL,
    UNIQUE(power_plant_id, timestamp)
);

CREATE TABLE IF NOT EXISTS market_prices (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    price_area TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    price_nok REAL,
    price_eur REAL,
    UNIQUE(price_area, timestamp)
);

CREATE TABLE IF NOT EXISTS budgets (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    power_plant_id INTEGER NOT NULL,
    year INTEGER NOT NULL,
    month INTEGER NOT NULL,
    volume REAL,
    revenue_nok REAL,
    revenue_eur REAL,
    avg_daily_volume REAL,
    avg_daily_revenue_nok REAL,
    avg_daily_revenue_eur REAL,
    UNIQUE(power_plant_id, year, month)
);

CREATE TABLE IF NOT EXISTS downtime_events (
    id INTEGER PRIMARY KEY,
    power_plant_id INTEGER NOT NULL,
    start_time TEXT,
    end_time TEXT,
    duration_hours REAL,
    reason TEXT,
    event_type TEXT,
    lost_production_kwh REAL,
    created_at TEXT,
    updated_at TEXT
);

CREATE TABLE IF NOT EXISTS downtime_days (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    downtime_event_id INTEGER NOT NULL,
    power_plant_id INTEGER NOT NULL,
    date TEXT NOT NULL,
    reason TEXT,
    volume REAL,
    cost_nok REAL,
    cost_eur REAL,
    hour_count INTEGER,
    UNIQUE(downtime_event_id, date)
);

CREATE TABLE IF NOT EXISTS downtime_periods (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    downtime_event_id INTEGER NOT NULL,
    power_plant_id INTEGER NOT NULL,
    timestamp TEXT NOT NULL,
    reason TEXT,
    volume REAL,
    cost_nok REAL,
    cost_eur REAL,
    UNIQUE(downtime_event_id, timestamp)
);

CREATE TABLE IF NOT EXISTS work_items (
    id INTEGER PRIMARY KEY,
    power_plant_id INTEGER NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    status TEXT,
    priority TEXT,
    assigned_to TEXT,
    due_date TEXT,
    completed_at TEXT,
    budget_cost_nok REAL,
    budget_cost_eur REAL,
    elapsed_cost_nok REAL,
    elapsed_cost_eur REAL,
    forecast_cost_nok REAL,
    forecast_cost_eur REAL,
    created_at TEXT,
    updated_at TEXT
);

CREATE TABLE IF NOT EXISTS sync_metadata (
    entity_type TEXT PRIMARY KEY,
    last_synced_at TEXT,
    last_run_mode TEXT,
    last_run_status TEXT,
    last_run_id TEXT,
    error_message TEXT,
    updated_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_power_plants_company ON power_plants(company_id);
CREATE INDEX IF NOT EXISTS idx_production_days_date ON production_days(date);
CREATE INDEX IF NOT EXISTS idx_production_periods_timestamp ON production_periods(timestamp);
CREATE INDEX IF NOT EXISTS idx_market_prices_timestamp ON market_prices(timestamp);
CREATE INDEX IF NOT EXISTS idx_budgets_period ON budgets(year, month);
CREATE INDEX IF NOT EXISTS idx_downtime_events_plant ON downtime_events(power_plant_id, start_time);
CREATE INDEX IF NOT EXISTS idx_downtime_days_plant ON downtime_days(power_plant_id, date);
CREATE INDEX IF NOT EXISTS idx_downtime_periods_plant ON downtime_periods(power_plant_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_work_items_plant ON work_items(power_plant_id);
CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status);
`,
	},
	{
		Version:     2,
		Description: "Sync run audit tables",
		SQL: `
CREATE TABLE IF NOT EXISTS sync_runs (
    id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    duration_ms INTEGER,
    entities_requested INTEGER,
    entities_succeeded INTEGER,
    entities_failed INTEGER,
    entities_skipped INTEGER,
    records_written INTEGER,
    summary_json TEXT
);

CREATE TABLE IF NOT EXISTS sync_run_entities (
    run_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    status TEXT NOT NULL,
    window_start TEXT,
    window_end TEXT,
    pages INTEGER,
    fetched INTEGER,
    written INTEGER,
    filtered INTEGER,
    dropped INTEGER,
    unpaired INTEGER,
    watermark_before TEXT,
    watermark_after TEXT,
    error_kind TEXT,
    error_message TEXT,
    duration_ms INTEGER,
    PRIMARY KEY (run_id, entity_type)
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at);
`,
	},
	{
		Version:     3,
		Description: "Raw API payload archive",
		SQL: `
CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sync_run_id TEXT,
    fetched_at TEXT NOT NULL,
    entity_type TEXT,
    endpoint TEXT NOT NULL,
    params TEXT,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_raw_payloads_fetched ON raw_payloads(fetched_at);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.log.Info().Int("version", m.Version).Str("description", m.Description).Msg("applying migration")

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, formatTime(time.Now()),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at TEXT
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
