package store

import (
	"context"
	"fmt"

	"github.com/lox/portfoliosync/internal/models"
)

// Upsert writes records of one entity type by natural key inside the
// scope. It stops at the first rejected record; the caller is expected to
// roll back. It returns how many records were written.
func (t *Tx) Upsert(ctx context.Context, entity models.EntityType, records []models.Record) (int, error) {
	for i, rec := range records {
		if rec.Entity() != entity {
			return i, &InvalidRecordError{
				Entity: string(entity),
				Key:    rec.Key(),
				Err:    fmt.Errorf("%w: got %s record", models.ErrInvalidRecord, rec.Entity()),
			}
		}
		if err := rec.Validate(); err != nil {
			return i, &InvalidRecordError{Entity: string(entity), Key: rec.Key(), Err: err}
		}
		if err := t.upsert(ctx, rec); err != nil {
			return i, &StorageError{Op: "upsert " + rec.Key(), Entity: string(entity), Err: err}
		}
	}
	return len(records), nil
}

func (t *Tx) upsert(ctx context.Context, rec models.Record) error {
	switch r := rec.(type) {
	case models.Company:
		return t.upsertCompany(ctx, r)
	case models.PowerPlant:
		return t.upsertPowerPlant(ctx, r)
	case models.ProductionDay:
		return t.upsertProductionDay(ctx, r)
	case models.ProductionPeriod:
		return t.upsertProductionPeriod(ctx, r)
	case models.MarketPrice:
		return t.upsertMarketPrice(ctx, r)
	case models.Budget:
		return t.upsertBudget(ctx, r)
	case models.DowntimeEvent:
		return t.upsertDowntimeEvent(ctx, r)
	case models.DowntimeDay:
		return t.upsertDowntimeDay(ctx, r)
	case models.DowntimePeriod:
		return t.upsertDowntimePeriod(ctx, r)
	case models.WorkItem:
		return t.upsertWorkItem(ctx, r)
	}
	return fmt.Errorf("unsupported record type %T", rec)
}

func (t *Tx) upsertCompany(ctx context.Context, c models.Company) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO companies (id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, c.ID, c.Name, c.Description, nullTime(c.CreatedAt), nullTime(c.UpdatedAt))
	return err
}

func (t *Tx) upsertPowerPlant(ctx context.Context, p models.PowerPlant) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO power_plants (id, uuid, name, company_id, power_plant_type, capacity_mw, price_area,
			latitude, longitude, commissioned_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			uuid = excluded.uuid,
			name = excluded.name,
			company_id = excluded.company_id,
			power_plant_type = excluded.power_plant_type,
			capacity_mw = excluded.capacity_mw,
			price_area = excluded.price_area,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			commissioned_date = excluded.commissioned_date,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, p.ID, p.UUID, p.Name, p.CompanyID, p.PlantType, p.CapacityMW, p.PriceArea,
		p.Latitude, p.Longitude, nullDate(p.CommissionedDate), nullTime(p.CreatedAt), nullTime(p.UpdatedAt))
	return err
}

func (t *Tx) upsertProductionDay(ctx context.Context, d models.ProductionDay) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO production_days (power_plant_id, date, volume, revenue_nok, revenue_eur, forecasted_volume,
			cap_theoretical_volume, full_load_count, no_load_count, operational_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(power_plant_id, date) DO UPDATE SET
			volume = excluded.volume,
			revenue_nok = excluded.revenue_nok,
			revenue_eur = excluded.revenue_eur,
			forecasted_volume = excluded.forecasted_volume,
			cap_theoretical_volume = excluded.cap_theoretical_volume,
			full_load_count = excluded.full_load_count,
			no_load_count = excluded.no_load_count,
			operational_count = excluded.operational_count
	`, d.PlantID, formatDate(d.Date), d.Volume, d.Revenue.NOK, d.Revenue.EUR, d.ForecastedVolume,
		d.CapTheoreticalVolume, d.FullLoadCount, d.NoLoadCount, d.OperationalCount)
	return err
}

func (t *Tx) upsertProductionPeriod(ctx context.Context, p models.ProductionPeriod) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO production_periods (power_plant_id, timestamp, volume, revenue_nok, revenue_eur,
			forecasted_volume, downtime_volume, downtime_cost_nok, downtime_cost_eur)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(power_plant_id, timestamp) DO UPDATE SET
			volume = excluded.volume,
			revenue_nok = excluded.revenue_nok,
			revenue_eur = excluded.revenue_eur,
			forecasted_volume = excluded.forecasted_volume,
			downtime_volume = excluded.downtime_volume,
			downtime_cost_nok = excluded.downtime_cost_nok,
			downtime_cost_eur = excluded.downtime_cost_eur
	`, p.PlantID, formatTime(p.Timestamp), p.Volume, p.Revenue.NOK, p.Revenue.EUR,
		p.ForecastedVolume, p.DowntimeVolume, p.DowntimeCost.NOK, p.DowntimeCost.EUR)
	return err
}

func (t *Tx) upsertMarketPrice(ctx context.Context, m models.MarketPrice) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO market_prices (price_area, timestamp, price_nok, price_eur)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(price_area, timestamp) DO UPDATE SET
			price_nok = excluded.price_nok,
			price_eur = excluded.price_eur
	`, m.PriceArea, formatTime(m.Timestamp), m.Price.NOK, m.Price.EUR)
	return err
}

func (t *Tx) upsertBudget(ctx context.Context, b models.Budget) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO budgets (power_plant_id, year, month, volume, revenue_nok, revenue_eur,
			avg_daily_volume, avg_daily_revenue_nok, avg_daily_revenue_eur)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(power_plant_id, year, month) DO UPDATE SET
			volume = excluded.volume,
			revenue_nok = excluded.revenue_nok,
			revenue_eur = excluded.revenue_eur,
			avg_daily_volume = excluded.avg_daily_volume,
			avg_daily_revenue_nok = excluded.avg_daily_revenue_nok,
			avg_daily_revenue_eur = excluded.avg_daily_revenue_eur
	`, b.PlantID, b.Year, b.Month, b.Volume, b.Revenue.NOK, b.Revenue.EUR,
		b.AvgDailyVolume, b.AvgDailyRevenue.NOK, b.AvgDailyRevenue.EUR)
	return err
}

func (t *Tx) upsertDowntimeEvent(ctx context.Context, e models.DowntimeEvent) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO downtime_events (id, power_plant_id, start_time, end_time, duration_hours, reason,
			event_type, lost_production_kwh, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			power_plant_id = excluded.power_plant_id,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			duration_hours = excluded.duration_hours,
			reason = excluded.reason,
			event_type = excluded.event_type,
			lost_production_kwh = excluded.lost_production_kwh,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, e.ID, e.PlantID, nullTime(e.StartTime), nullTime(e.EndTime), e.DurationHours, e.Reason,
		e.EventType, e.LostProductionKWh, nullTime(e.CreatedAt), nullTime(e.UpdatedAt))
	return err
}

func (t *Tx) upsertDowntimeDay(ctx context.Context, d models.DowntimeDay) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO downtime_days (downtime_event_id, power_plant_id, date, reason, volume, cost_nok, cost_eur, hour_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(downtime_event_id, date) DO UPDATE SET
			power_plant_id = excluded.power_plant_id,
			reason = excluded.reason,
			volume = excluded.volume,
			cost_nok = excluded.cost_nok,
			cost_eur = excluded.cost_eur,
			hour_count = excluded.hour_count
	`, d.EventID, d.PlantID, formatDate(d.Date), d.Reason, d.Volume, d.Cost.NOK, d.Cost.EUR, d.HourCount)
	return err
}

func (t *Tx) upsertDowntimePeriod(ctx context.Context, p models.DowntimePeriod) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO downtime_periods (downtime_event_id, power_plant_id, timestamp, reason, volume, cost_nok, cost_eur)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(downtime_event_id, timestamp) DO UPDATE SET
			power_plant_id = excluded.power_plant_id,
			reason = excluded.reason,
			volume = excluded.volume,
			cost_nok = excluded.cost_nok,
			cost_eur = excluded.cost_eur
	`, p.EventID, p.PlantID, formatTime(p.Timestamp), p.Reason, p.Volume, p.Cost.NOK, p.Cost.EUR)
	return err
}

func (t *Tx) upsertWorkItem(ctx context.Context, w models.WorkItem) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO work_items (id, power_plant_id, title, description, status, priority, assigned_to,
			due_date, completed_at, budget_cost_nok, budget_cost_eur, elapsed_cost_nok, elapsed_cost_eur,
			forecast_cost_nok, forecast_cost_eur, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			power_plant_id = excluded.power_plant_id,
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			priority = excluded.priority,
			assigned_to = excluded.assigned_to,
			due_date = excluded.due_date,
			completed_at = excluded.completed_at,
			budget_cost_nok = excluded.budget_cost_nok,
			budget_cost_eur = excluded.budget_cost_eur,
			elapsed_cost_nok = excluded.elapsed_cost_nok,
			elapsed_cost_eur = excluded.elapsed_cost_eur,
			forecast_cost_nok = excluded.forecast_cost_nok,
			forecast_cost_eur = excluded.forecast_cost_eur,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, w.ID, w.PlantID, w.Title, w.Description, w.Status, w.Priority, w.AssignedTo,
		nullDate(w.DueDate), nullTime(w.CompletedAt), w.BudgetCost.NOK, w.BudgetCost.EUR,
		w.ElapsedCost.NOK, w.ElapsedCost.EUR, w.ForecastCost.NOK, w.ForecastCost.EUR,
		nullTime(w.CreatedAt), nullTime(w.UpdatedAt))
	return err
}

// PlantRefs lists stored power plants for per-plant requests.
func (s *Store) PlantRefs(ctx context.Context) ([]models.PlantRef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, uuid, name FROM power_plants ORDER BY id`)
	if err != nil {
		return nil, &StorageError{Op: "list plants", Err: err}
	}
	defer rows.Close()

	var plants []models.PlantRef
	for rows.Next() {
		var p models.PlantRef
		if err := rows.Scan(&p.ID, &p.UUID, &p.Name); err != nil {
			return nil, &StorageError{Op: "scan plant", Err: err}
		}
		plants = append(plants, p)
	}
	return plants, rows.Err()
}

// DowntimeEventIDs returns the set of stored downtime event ids.
func (s *Store) DowntimeEventIDs(ctx context.Context) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM downtime_events`)
	if err != nil {
		return nil, &StorageError{Op: "list downtime events", Err: err}
	}
	defer rows.Close()

	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, &StorageError{Op: "scan downtime event", Err: err}
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// Count returns the number of rows stored for an entity type.
func (s *Store) Count(ctx context.Context, entity models.EntityType) (int, error) {
	if !entity.Valid() {
		return 0, fmt.Errorf("unknown entity type %q", entity)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+string(entity)).Scan(&n); err != nil {
		return 0, &StorageError{Op: "count", Entity: string(entity), Err: err}
	}
	return n, nil
}
