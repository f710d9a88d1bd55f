package models

import (
	"database/sql"
	"fmt"
	"time"
)

// Record is implemented by every entity type written to the store.
type Record interface {
	Entity() EntityType
	// Key renders the natural key.
	Key() string
	// ChangedAt is the timestamp used to advance the entity watermark.
	ChangedAt() time.Time
	Validate() error
}

func changedAt(updated, created sql.NullTime, fallback time.Time) time.Time {
	if updated.Valid {
		return updated.Time.UTC()
	}
	if created.Valid {
		return created.Time.UTC()
	}
	return fallback.UTC()
}

const dateLayout = "2006-01-02"

type Company struct {
	ID          int64
	Name        string
	Description sql.NullString
	CreatedAt   sql.NullTime
	UpdatedAt   sql.NullTime
}

func (c Company) Entity() EntityType   { return EntityCompany }
func (c Company) Key() string          { return fmt.Sprintf("company_id=%d", c.ID) }
func (c Company) ChangedAt() time.Time { return changedAt(c.UpdatedAt, c.CreatedAt, time.Time{}) }

func (c Company) Validate() error {
	if c.ID == 0 {
		return missing(EntityCompany, c.Key(), "id")
	}
	if c.Name == "" {
		return missing(EntityCompany, c.Key(), "name")
	}
	return nil
}

type PowerPlant struct {
	ID               int64
	UUID             string
	Name             string
	CompanyID        sql.NullInt64
	PlantType        sql.NullString
	CapacityMW       sql.NullFloat64
	PriceArea        sql.NullString
	Latitude         sql.NullFloat64
	Longitude        sql.NullFloat64
	CommissionedDate sql.NullTime
	CreatedAt        sql.NullTime
	UpdatedAt        sql.NullTime
}

func (p PowerPlant) Entity() EntityType   { return EntityPowerPlant }
func (p PowerPlant) Key() string          { return fmt.Sprintf("plant_id=%d", p.ID) }
func (p PowerPlant) ChangedAt() time.Time { return changedAt(p.UpdatedAt, p.CreatedAt, time.Time{}) }

func (p PowerPlant) Validate() error {
	switch {
	case p.ID == 0:
		return missing(EntityPowerPlant, p.Key(), "id")
	case p.UUID == "":
		return missing(EntityPowerPlant, p.Key(), "uuid")
	case p.Name == "":
		return missing(EntityPowerPlant, p.Key(), "name")
	}
	return nil
}

type ProductionDay struct {
	PlantID              int64
	Date                 time.Time
	Volume               sql.NullFloat64
	Revenue              Money
	ForecastedVolume     sql.NullFloat64
	CapTheoreticalVolume sql.NullFloat64
	FullLoadCount        sql.NullInt64
	NoLoadCount          sql.NullInt64
	OperationalCount     sql.NullInt64
}

func (d ProductionDay) Entity() EntityType { return EntityProductionDay }

func (d ProductionDay) Key() string {
	return fmt.Sprintf("plant_id=%d date=%s", d.PlantID, d.Date.Format(dateLayout))
}

func (d ProductionDay) ChangedAt() time.Time { return d.Date.UTC() }

func (d ProductionDay) Validate() error {
	if d.PlantID == 0 {
		return missing(EntityProductionDay, d.Key(), "power_plant_id")
	}
	if d.Date.IsZero() {
		return missing(EntityProductionDay, d.Key(), "date")
	}
	return checkPairs(EntityProductionDay, d.Key(), map[string]Money{"revenue": d.Revenue})
}

type ProductionPeriod struct {
	PlantID          int64
	Timestamp        time.Time
	Volume           sql.NullFloat64
	Revenue          Money
	ForecastedVolume sql.NullFloat64
	DowntimeVolume   sql.NullFloat64
	DowntimeCost     Money
}

func (p ProductionPeriod) Entity() EntityType { return EntityProductionPeriod }

func (p ProductionPeriod) Key() string {
	return fmt.Sprintf("plant_id=%d timestamp=%s", p.PlantID, p.Timestamp.UTC().Format(time.RFC3339))
}

func (p ProductionPeriod) ChangedAt() time.Time { return p.Timestamp.UTC() }

func (p ProductionPeriod) Validate() error {
	if p.PlantID == 0 {
		return missing(EntityProductionPeriod, p.Key(), "power_plant_id")
	}
	if p.Timestamp.IsZero() {
		return missing(EntityProductionPeriod, p.Key(), "timestamp")
	}
	return checkPairs(EntityProductionPeriod, p.Key(), map[string]Money{
		"revenue":       p.Revenue,
		"downtime_cost": p.DowntimeCost,
	})
}

type MarketPrice struct {
	PriceArea string
	Timestamp time.Time
	Price     Money
}

func (m MarketPrice) Entity() EntityType { return EntityMarketPrice }

func (m MarketPrice) Key() string {
	return fmt.Sprintf("price_area=%s timestamp=%s", m.PriceArea, m.Timestamp.UTC().Format(time.RFC3339))
}

func (m MarketPrice) ChangedAt() time.Time { return m.Timestamp.UTC() }

func (m MarketPrice) Validate() error {
	if m.PriceArea == "" {
		return missing(EntityMarketPrice, m.Key(), "price_area")
	}
	if m.Timestamp.IsZero() {
		return missing(EntityMarketPrice, m.Key(), "timestamp")
	}
	return checkPairs(EntityMarketPrice, m.Key(), map[string]Money{"price": m.Price})
}

type Budget struct {
	PlantID         int64
	Year            int
	Month           int
	Volume          sql.NullFloat64
	Revenue         Money
	AvgDailyVolume  sql.NullFloat64
	AvgDailyRevenue Money
}

func (b Budget) Entity() EntityType { return EntityBudget }

func (b Budget) Key() string {
	return fmt.Sprintf("plant_id=%d month=%04d-%02d", b.PlantID, b.Year, b.Month)
}

// ChangedAt is the first day of the budget month.
func (b Budget) ChangedAt() time.Time {
	if b.Year == 0 || b.Month == 0 {
		return time.Time{}
	}
	return time.Date(b.Year, time.Month(b.Month), 1, 0, 0, 0, 0, time.UTC)
}

func (b Budget) Validate() error {
	if b.PlantID == 0 {
		return missing(EntityBudget, b.Key(), "power_plant_id")
	}
	if b.Year == 0 {
		return missing(EntityBudget, b.Key(), "year")
	}
	if b.Month < 1 || b.Month > 12 {
		return fmt.Errorf("%w: %s %s: month %d out of range", ErrInvalidRecord, EntityBudget, b.Key(), b.Month)
	}
	return checkPairs(EntityBudget, b.Key(), map[string]Money{
		"revenue":           b.Revenue,
		"avg_daily_revenue": b.AvgDailyRevenue,
	})
}

type DowntimeEvent struct {
	ID                int64
	PlantID           int64
	StartTime         sql.NullTime
	EndTime           sql.NullTime
	DurationHours     sql.NullFloat64
	Reason            sql.NullString
	EventType         sql.NullString
	LostProductionKWh sql.NullFloat64
	CreatedAt         sql.NullTime
	UpdatedAt         sql.NullTime
}

func (e DowntimeEvent) Entity() EntityType { return EntityDowntimeEvent }
func (e DowntimeEvent) Key() string        { return fmt.Sprintf("downtime_event_id=%d", e.ID) }

func (e DowntimeEvent) ChangedAt() time.Time {
	return changedAt(e.UpdatedAt, e.CreatedAt, e.StartTime.Time)
}

func (e DowntimeEvent) Validate() error {
	if e.ID == 0 {
		return missing(EntityDowntimeEvent, e.Key(), "id")
	}
	if e.PlantID == 0 {
		return missing(EntityDowntimeEvent, e.Key(), "power_plant_id")
	}
	return nil
}

type DowntimeDay struct {
	EventID   int64
	PlantID   int64
	Date      time.Time
	Reason    sql.NullString
	Volume    sql.NullFloat64
	Cost      Money
	HourCount sql.NullInt64
}

func (d DowntimeDay) Entity() EntityType { return EntityDowntimeDay }

func (d DowntimeDay) Key() string {
	return fmt.Sprintf("downtime_event_id=%d date=%s", d.EventID, d.Date.Format(dateLayout))
}

func (d DowntimeDay) ChangedAt() time.Time { return d.Date.UTC() }

func (d DowntimeDay) Validate() error {
	switch {
	case d.EventID == 0:
		return missing(EntityDowntimeDay, d.Key(), "downtime_event_id")
	case d.PlantID == 0:
		return missing(EntityDowntimeDay, d.Key(), "power_plant_id")
	case d.Date.IsZero():
		return missing(EntityDowntimeDay, d.Key(), "date")
	}
	return checkPairs(EntityDowntimeDay, d.Key(), map[string]Money{"cost": d.Cost})
}

type DowntimePeriod struct {
	EventID   int64
	PlantID   int64
	Timestamp time.Time
	Reason    sql.NullString
	Volume    sql.NullFloat64
	Cost      Money
}

func (p DowntimePeriod) Entity() EntityType { return EntityDowntimePeriod }

func (p DowntimePeriod) Key() string {
	return fmt.Sprintf("downtime_event_id=%d timestamp=%s", p.EventID, p.Timestamp.UTC().Format(time.RFC3339))
}

func (p DowntimePeriod) ChangedAt() time.Time { return p.Timestamp.UTC() }

func (p DowntimePeriod) Validate() error {
	switch {
	case p.EventID == 0:
		return missing(EntityDowntimePeriod, p.Key(), "downtime_event_id")
	case p.PlantID == 0:
		return missing(EntityDowntimePeriod, p.Key(), "power_plant_id")
	case p.Timestamp.IsZero():
		return missing(EntityDowntimePeriod, p.Key(), "timestamp")
	}
	return checkPairs(EntityDowntimePeriod, p.Key(), map[string]Money{"cost": p.Cost})
}

type WorkItem struct {
	ID           int64
	PlantID      int64
	Title        string
	Description  sql.NullString
	Status       sql.NullString
	Priority     sql.NullString
	AssignedTo   sql.NullString
	DueDate      sql.NullTime
	CompletedAt  sql.NullTime
	BudgetCost   Money
	ElapsedCost  Money
	ForecastCost Money
	CreatedAt    sql.NullTime
	UpdatedAt    sql.NullTime
}

func (w WorkItem) Entity() EntityType   { return EntityWorkItem }
func (w WorkItem) Key() string          { return fmt.Sprintf("work_item_id=%d", w.ID) }
func (w WorkItem) ChangedAt() time.Time { return changedAt(w.UpdatedAt, w.CreatedAt, time.Time{}) }

func (w WorkItem) Validate() error {
	switch {
	case w.ID == 0:
		return missing(EntityWorkItem, w.Key(), "id")
	case w.PlantID == 0:
		return missing(EntityWorkItem, w.Key(), "power_plant_id")
	case w.Title == "":
		return missing(EntityWorkItem, w.Key(), "title")
	}
	return checkPairs(EntityWorkItem, w.Key(), map[string]Money{
		"budget_cost":   w.BudgetCost,
		"elapsed_cost":  w.ElapsedCost,
		"forecast_cost": w.ForecastCost,
	})
}
