package models

import (
	"fmt"
	"strings"
	"time"
)

// EntityType names one of the persisted record kinds. Values double as
// table names.
type EntityType string

const (
	EntityCompany          EntityType = "companies"
	EntityPowerPlant       EntityType = "power_plants"
	EntityProductionDay    EntityType = "production_days"
	EntityProductionPeriod EntityType = "production_periods"
	EntityBudget           EntityType = "budgets"
	EntityDowntimeEvent    EntityType = "downtime_events"
	EntityMarketPrice      EntityType = "market_prices"
	EntityDowntimeDay      EntityType = "downtime_days"
	EntityDowntimePeriod   EntityType = "downtime_periods"
	EntityWorkItem         EntityType = "work_items"
)

// AllEntities lists every entity type in dependency order.
var AllEntities = []EntityType{
	EntityCompany,
	EntityPowerPlant,
	EntityProductionDay,
	EntityProductionPeriod,
	EntityBudget,
	EntityDowntimeEvent,
	EntityMarketPrice,
	EntityDowntimeDay,
	EntityDowntimePeriod,
	EntityWorkItem,
}

var entityAliases = map[string]EntityType{
	"company":           EntityCompany,
	"power_plant":       EntityPowerPlant,
	"plants":            EntityPowerPlant,
	"production":        EntityProductionDay,
	"production_day":    EntityProductionDay,
	"production_period": EntityProductionPeriod,
	"budget":            EntityBudget,
	"downtime_event":    EntityDowntimeEvent,
	"market_price":      EntityMarketPrice,
	"downtime_day":      EntityDowntimeDay,
	"downtime_period":   EntityDowntimePeriod,
	"work_item":         EntityWorkItem,
}

func (e EntityType) String() string { return string(e) }

func (e EntityType) Valid() bool {
	for _, known := range AllEntities {
		if e == known {
			return true
		}
	}
	return false
}

// ParseEntityType accepts table names and their singular forms.
func ParseEntityType(s string) (EntityType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if e := EntityType(name); e.Valid() {
		return e, nil
	}
	if e, ok := entityAliases[name]; ok {
		return e, nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// ParseEntities parses a list of entity names, dropping duplicates and
// returning them in dependency order. An empty list selects every entity.
func ParseEntities(names []string) ([]EntityType, error) {
	if len(names) == 0 {
		return append([]EntityType(nil), AllEntities...), nil
	}
	want := make(map[EntityType]bool, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		e, err := ParseEntityType(n)
		if err != nil {
			return nil, err
		}
		want[e] = true
	}
	var out []EntityType
	for _, e := range AllEntities {
		if want[e] {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return append([]EntityType(nil), AllEntities...), nil
	}
	return out, nil
}

type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeFull:
		return ModeFull, nil
	case ModeIncremental:
		return ModeIncremental, nil
	}
	return "", fmt.Errorf("unknown sync mode %q (want full or incremental)", s)
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusRunning Status = "running"
)

// Window is the [Start, End) range fetched for one entity. Since is the
// watermark an incremental run filters against; zero means no filter.
type Window struct {
	Start     time.Time
	End       time.Time
	Since     time.Time
	Bootstrap bool
}

func (w Window) Empty() bool {
	return !w.Start.Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// Watermark is the sync_metadata row for one entity type.
type Watermark struct {
	Entity        EntityType
	LastSyncedAt  time.Time
	LastRunMode   Mode
	LastRunStatus Status
	LastRunID     string
	ErrorMessage  string
	UpdatedAt     time.Time
}

// PlantRef is the minimal power plant identity fetchers need to build
// per-plant requests and map UUIDs to ids.
type PlantRef struct {
	ID   int64
	UUID string
	Name string
}
