package fetch

import (
	"bytes"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lox/portfoliosync/internal/models"
)

const dateLayout = "2006-01-02"

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	dateLayout,
	"2006-01",
}

// apiTime decodes the portal's mixed timestamp formats. Times without a
// zone are taken as UTC. Null and empty strings decode as unset.
type apiTime struct {
	time.Time
	Valid bool
}

func (t *apiTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = apiTime{}
		return nil
	}
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("time %s: not a string", b)
	}
	if s == "" {
		*t = apiTime{}
		return nil
	}
	parsed, err := parseTime(s)
	if err != nil {
		return err
	}
	*t = apiTime{Time: parsed, Valid: true}
	return nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if tm, err := time.Parse(layout, s); err == nil {
			return tm.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

func (t apiTime) null() sql.NullTime {
	if !t.Valid {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.Time, Valid: true}
}

func (t apiTime) day() time.Time {
	if !t.Valid {
		return time.Time{}
	}
	y, m, d := t.Time.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (t apiTime) hour() time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.Truncate(time.Hour)
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func deref(i *int64) int64 {
	if i == nil {
		return 0
	}
	return *i
}

type companyRow struct {
	ID          *int64  `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	CreatedAt   apiTime `json:"created_at"`
	UpdatedAt   apiTime `json:"updated_at"`
}

type plantRow struct {
	ID               *int64   `json:"id"`
	UUID             string   `json:"uuid"`
	Name             string   `json:"name"`
	CompanyID        *int64   `json:"company_id"`
	PlantType        *string  `json:"power_plant_type"`
	CapacityMW       *float64 `json:"capacity_mw"`
	PriceArea        *string  `json:"price_area"`
	Latitude         *float64 `json:"latitude"`
	Longitude        *float64 `json:"longitude"`
	CommissionedDate apiTime  `json:"commissioned_date"`
	CreatedAt        apiTime  `json:"created_at"`
	UpdatedAt        apiTime  `json:"updated_at"`
}

type dayRow struct {
	Date                 apiTime             `json:"date"`
	Volume               *float64            `json:"volume"`
	Revenue              decimal.NullDecimal `json:"revenue"`
	ForecastedVolume     *float64            `json:"forecasted_volume"`
	CapTheoreticalVolume *float64            `json:"cap_theoretical_volume"`
	FullLoadCount        *int64              `json:"full_load_count"`
	NoLoadCount          *int64              `json:"no_load_count"`
	OperationalCount     *int64              `json:"operational_count"`
}

type periodRow struct {
	Timestamp        apiTime             `json:"timestamp"`
	Volume           *float64            `json:"volume"`
	Revenue          decimal.NullDecimal `json:"revenue"`
	ForecastedVolume *float64            `json:"forecasted_volume"`
	DowntimeVolume   *float64            `json:"downtime_volume"`
	DowntimeCost     decimal.NullDecimal `json:"downtime_cost"`
}

type budgetRow struct {
	Month           apiTime             `json:"month"`
	Volume          *float64            `json:"volume"`
	Revenue         decimal.NullDecimal `json:"revenue"`
	AvgDailyVolume  *float64            `json:"avg_daily_volume"`
	AvgDailyRevenue decimal.NullDecimal `json:"avg_daily_revenue"`
}

type eventRow struct {
	ID                *int64   `json:"id"`
	PowerPlantUUID    string   `json:"power_plant_uuid"`
	PowerPlantID      *int64   `json:"power_plant_id"`
	StartTime         apiTime  `json:"start_time"`
	EndTime           apiTime  `json:"end_time"`
	DurationHours     *float64 `json:"duration_hours"`
	Reason            *string  `json:"reason"`
	EventType         *string  `json:"event_type"`
	LostProductionKWh *float64 `json:"lost_production_kwh"`
	CreatedAt         apiTime  `json:"created_at"`
	UpdatedAt         apiTime  `json:"updated_at"`
}

type priceRow struct {
	PriceArea string              `json:"price_area"`
	Timestamp apiTime             `json:"timestamp"`
	NOK       decimal.NullDecimal `json:"nok_mwh"`
	EUR       decimal.NullDecimal `json:"eur_mwh"`
}

type downtimeDayRow struct {
	DowntimeEventID *int64              `json:"downtime_event_id"`
	Date            apiTime             `json:"date"`
	Reason          *string             `json:"reason"`
	Volume          *float64            `json:"volume"`
	Cost            decimal.NullDecimal `json:"cost"`
	HourCount       *int64              `json:"hour_count"`
}

type downtimePeriodRow struct {
	DowntimeEventID *int64              `json:"downtime_event_id"`
	Timestamp       apiTime             `json:"timestamp"`
	Reason          *string             `json:"reason"`
	Volume          *float64            `json:"volume"`
	Cost            decimal.NullDecimal `json:"cost"`
}

type workItemRow struct {
	ID           *int64              `json:"id"`
	Title        string              `json:"title"`
	Description  *string             `json:"description"`
	Status       *string             `json:"status"`
	Priority     *string             `json:"priority"`
	AssignedTo   *string             `json:"assigned_to"`
	DueDate      apiTime             `json:"due_date"`
	CompletedAt  apiTime             `json:"completed_at"`
	BudgetCost   decimal.NullDecimal `json:"budget_cost"`
	ElapsedCost  decimal.NullDecimal `json:"elapsed_cost"`
	ForecastCost decimal.NullDecimal `json:"forecast_cost"`
	CreatedAt    apiTime             `json:"created_at"`
	UpdatedAt    apiTime             `json:"updated_at"`
}

// pair joins the NOK and EUR rows sharing a natural key. Either side may
// be nil.
type pair[W any] struct {
	nok *W
	eur *W
}

// base returns whichever row carries the non-monetary fields.
func (p pair[W]) base() *W {
	if p.nok != nil {
		return p.nok
	}
	return p.eur
}

// amounts extracts one monetary field from both sides of the pair.
func amounts[W any](p pair[W], field func(*W) decimal.NullDecimal) (nok, eur decimal.NullDecimal) {
	if p.nok != nil {
		nok = field(p.nok)
	}
	if p.eur != nil {
		eur = field(p.eur)
	}
	return nok, eur
}

// pairRows matches rows by key, keeping first-seen order. Rows without a
// usable key are reported through keyOf's error.
func pairRows[W any](nokRows, eurRows []W, keyOf func(*W) (string, error)) ([]pair[W], error) {
	index := make(map[string]int)
	var out []pair[W]
	add := func(rows []W, eur bool) error {
		for i := range rows {
			row := &rows[i]
			key, err := keyOf(row)
			if err != nil {
				return err
			}
			j, ok := index[key]
			if !ok {
				j = len(out)
				index[key] = j
				out = append(out, pair[W]{})
			}
			if eur {
				out[j].eur = row
			} else {
				out[j].nok = row
			}
		}
		return nil
	}
	if err := add(nokRows, false); err != nil {
		return nil, err
	}
	if err := add(eurRows, true); err != nil {
		return nil, err
	}
	return out, nil
}

// pairer builds Money values and counts the halves it had to discard.
type pairer struct {
	unpaired int
}

func (p *pairer) money(nok, eur decimal.NullDecimal) models.Money {
	m, ok := models.NewMoney(nok, eur)
	if !ok {
		p.unpaired++
	}
	return m
}
