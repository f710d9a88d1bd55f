package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/lox/portfoliosync/internal/models"
)

const (
	pathCompanies         = "/api/v1/companies"
	pathPowerPlants       = "/api/v2/power_plants"
	pathProductionDays    = "/api/v2/production/days"
	pathProductionPeriods = "/api/v2/production_periods"
	pathBudgets           = "/api/v2/budgets"
	pathDowntimeEvents    = "/api/v2/downtime_events"
	pathMarketPrices      = "/api/v1/market_prices"
	pathDowntimeDays      = "/api/v2/downtime_days"
	pathDowntimePeriods   = "/api/v2/downtime_periods"
	pathWorkItems         = "/api/v2/work_items"
)

type set struct {
	api    API
	lookup Lookup
	areas  []string
	log    zerolog.Logger
}

// NewSet returns one fetcher per entity type.
func NewSet(api API, lookup Lookup, opts Options) map[models.EntityType]Fetcher {
	s := &set{
		api:    api,
		lookup: lookup,
		areas:  opts.PriceAreas,
		log:    opts.Logger.With().Str("component", "fetch").Logger(),
	}

	fetchers := []*fetcher{
		{entity: models.EntityCompany, plan: whole, load: s.companies},
		{entity: models.EntityPowerPlant, plan: whole, load: s.powerPlants},
		{entity: models.EntityProductionDay, plan: s.perPlant, load: s.productionDays},
		{entity: models.EntityProductionPeriod, plan: s.perPlant, load: s.productionPeriods},
		{entity: models.EntityBudget, plan: s.perPlant, load: s.budgets},
		{entity: models.EntityDowntimeEvent, plan: yearly, load: s.downtimeEvents},
		{entity: models.EntityMarketPrice, plan: yearly, load: s.marketPrices},
		{entity: models.EntityDowntimeDay, plan: s.perPlant, load: s.downtimeDays},
		{entity: models.EntityDowntimePeriod, plan: s.perPlant, load: s.downtimePeriods},
		{entity: models.EntityWorkItem, plan: s.perPlant, load: s.workItems},
	}

	out := make(map[models.EntityType]Fetcher, len(fetchers))
	for _, f := range fetchers {
		out[f.entity] = f
	}
	return out
}

func whole(ctx context.Context, w models.Window) ([]unit, error) {
	return []unit{{label: "all"}}, nil
}

func yearly(ctx context.Context, w models.Window) ([]unit, error) {
	var units []unit
	for _, c := range SplitByYear(w.Start, w.End) {
		units = append(units, unit{chunk: c, label: c.String()})
	}
	return units, nil
}

func (s *set) perPlant(ctx context.Context, w models.Window) ([]unit, error) {
	chunks := SplitByYear(w.Start, w.End)
	if len(chunks) == 0 {
		return nil, nil
	}
	refs, err := s.lookup.PlantRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load power plants: %w", err)
	}
	var units []unit
	for i := range refs {
		ref := &refs[i]
		for _, c := range chunks {
			units = append(units, unit{plant: ref, chunk: c, label: fmt.Sprintf("%s %s", ref.UUID, c)})
		}
	}
	return units, nil
}

func plantDates(u unit) url.Values {
	return url.Values{
		"power_plant_uuid": {u.plant.UUID},
		"from_date":        {u.chunk.FirstDay()},
		"to_date":          {u.chunk.LastDay()},
	}
}

func plantTimestamps(u unit) url.Values {
	return url.Values{
		"power_plant_uuid": {u.plant.UUID},
		"timestamp_from":   {u.chunk.Start.Format(time.RFC3339)},
		"timestamp_to":     {u.chunk.End.Format(time.RFC3339)},
	}
}

func dateKey(t apiTime, field string) (string, error) {
	if !t.Valid {
		return "", fmt.Errorf("missing %s", field)
	}
	return t.day().Format(dateLayout), nil
}

func hourKey(t apiTime, field string) (string, error) {
	if !t.Valid {
		return "", fmt.Errorf("missing %s", field)
	}
	return t.hour().Format(time.RFC3339), nil
}

func malformed(entity models.EntityType, path string, err error) error {
	var merr *MalformedError
	if errors.As(err, &merr) {
		return err
	}
	return &MalformedError{Entity: entity, Path: path, Err: err}
}

func (s *set) companies(ctx context.Context, u unit) (pageData, error) {
	rows, err := fetchRows[companyRow](ctx, s.api, models.EntityCompany, pathCompanies, nil)
	if err != nil {
		return pageData{}, err
	}
	var data pageData
	for _, r := range rows {
		data.records = append(data.records, models.Company{
			ID:          deref(r.ID),
			Name:        r.Name,
			Description: nullString(r.Description),
			CreatedAt:   r.CreatedAt.null(),
			UpdatedAt:   r.UpdatedAt.null(),
		})
	}
	return data, nil
}

func (s *set) powerPlants(ctx context.Context, u unit) (pageData, error) {
	rows, err := fetchRows[plantRow](ctx, s.api, models.EntityPowerPlant, pathPowerPlants, nil)
	if err != nil {
		return pageData{}, err
	}
	var data pageData
	for _, r := range rows {
		commissioned := r.CommissionedDate.null()
		if commissioned.Valid {
			commissioned.Time = r.CommissionedDate.day()
		}
		data.records = append(data.records, models.PowerPlant{
			ID:               deref(r.ID),
			UUID:             r.UUID,
			Name:             r.Name,
			CompanyID:        nullInt(r.CompanyID),
			PlantType:        nullString(r.PlantType),
			CapacityMW:       nullFloat(r.CapacityMW),
			PriceArea:        nullString(r.PriceArea),
			Latitude:         nullFloat(r.Latitude),
			Longitude:        nullFloat(r.Longitude),
			CommissionedDate: commissioned,
			CreatedAt:        r.CreatedAt.null(),
			UpdatedAt:        r.UpdatedAt.null(),
		})
	}
	return data, nil
}

func (s *set) productionDays(ctx context.Context, u unit) (pageData, error) {
	const entity = models.EntityProductionDay
	nok, eur, err := fetchCurrencies[dayRow](ctx, s.api, entity, pathProductionDays, plantDates(u))
	if err != nil {
		return pageData{}, err
	}
	pairs, err := pairRows(nok, eur, func(r *dayRow) (string, error) { return dateKey(r.Date, "date") })
	if err != nil {
		return pageData{}, malformed(entity, pathProductionDays, err)
	}

	var pr pairer
	var data pageData
	for _, p := range pairs {
		r := p.base()
		data.records = append(data.records, models.ProductionDay{
			PlantID:              u.plant.ID,
			Date:                 r.Date.day(),
			Volume:               nullFloat(r.Volume),
			Revenue:              pr.money(amounts(p, func(r *dayRow) decimal.NullDecimal { return r.Revenue })),
			ForecastedVolume:     nullFloat(r.ForecastedVolume),
			CapTheoreticalVolume: nullFloat(r.CapTheoreticalVolume),
			FullLoadCount:        nullInt(r.FullLoadCount),
			NoLoadCount:          nullInt(r.NoLoadCount),
			OperationalCount:     nullInt(r.OperationalCount),
		})
	}
	data.unpaired = pr.unpaired
	return data, nil
}

func (s *set) productionPeriods(ctx context.Context, u unit) (pageData, error) {
	const entity = models.EntityProductionPeriod
	nok, eur, err := fetchCurrencies[periodRow](ctx, s.api, entity, pathProductionPeriods, plantTimestamps(u))
	if err != nil {
		return pageData{}, err
	}
	pairs, err := pairRows(nok, eur, func(r *periodRow) (string, error) { return hourKey(r.Timestamp, "timestamp") })
	if err != nil {
		return pageData{}, malformed(entity, pathProductionPeriods, err)
	}

	var pr pairer
	var data pageData
	for _, p := range pairs {
		r := p.base()
		data.records = append(data.records, models.ProductionPeriod{
			PlantID:          u.plant.ID,
			Timestamp:        r.Timestamp.hour(),
			Volume:           nullFloat(r.Volume),
			Revenue:          pr.money(amounts(p, func(r *periodRow) decimal.NullDecimal { return r.Revenue })),
			ForecastedVolume: nullFloat(r.ForecastedVolume),
			DowntimeVolume:   nullFloat(r.DowntimeVolume),
			DowntimeCost:     pr.money(amounts(p, func(r *periodRow) decimal.NullDecimal { return r.DowntimeCost })),
		})
	}
	data.unpaired = pr.unpaired
	return data, nil
}

func (s *set) budgets(ctx context.Context, u unit) (pageData, error) {
	const entity = models.EntityBudget
	params := url.Values{
		"power_plant_uuid": {u.plant.UUID},
		"from":             {u.chunk.FirstDay()},
		"to":               {u.chunk.LastDay()},
	}
	nok, eur, err := fetchCurrencies[budgetRow](ctx, s.api, entity, pathBudgets, params)
	if err != nil {
		return pageData{}, err
	}
	pairs, err := pairRows(nok, eur, func(r *budgetRow) (string, error) {
		if !r.Month.Valid {
			return "", errors.New("missing month")
		}
		return r.Month.Format("2006-01"), nil
	})
	if err != nil {
		return pageData{}, malformed(entity, pathBudgets, err)
	}

	var pr pairer
	var data pageData
	for _, p := range pairs {
		r := p.base()
		data.records = append(data.records, models.Budget{
			PlantID:         u.plant.ID,
			Year:            r.Month.Year(),
			Month:           int(r.Month.Month()),
			Volume:          nullFloat(r.Volume),
			Revenue:         pr.money(amounts(p, func(r *budgetRow) decimal.NullDecimal { return r.Revenue })),
			AvgDailyVolume:  nullFloat(r.AvgDailyVolume),
			AvgDailyRevenue: pr.money(amounts(p, func(r *budgetRow) decimal.NullDecimal { return r.AvgDailyRevenue })),
		})
	}
	data.unpaired = pr.unpaired
	return data, nil
}

func (s *set) downtimeEvents(ctx context.Context, u unit) (pageData, error) {
	params := url.Values{
		"start_date": {u.chunk.FirstDay()},
		"end_date":   {u.chunk.LastDay()},
	}
	rows, err := fetchRows[eventRow](ctx, s.api, models.EntityDowntimeEvent, pathDowntimeEvents, params)
	if err != nil {
		return pageData{}, err
	}
	refs, err := s.lookup.PlantRefs(ctx)
	if err != nil {
		return pageData{}, fmt.Errorf("load power plants: %w", err)
	}
	byUUID := make(map[string]int64, len(refs))
	byID := make(map[int64]bool, len(refs))
	for _, ref := range refs {
		byUUID[ref.UUID] = ref.ID
		byID[ref.ID] = true
	}

	var data pageData
	for _, r := range rows {
		plantID, ok := byUUID[r.PowerPlantUUID]
		if !ok && r.PowerPlantID != nil && byID[*r.PowerPlantID] {
			plantID, ok = *r.PowerPlantID, true
		}
		if !ok {
			data.dropped++
			s.log.Debug().Int64("downtime_event_id", deref(r.ID)).Str("power_plant_uuid", r.PowerPlantUUID).
				Msg("dropping downtime event for unknown power plant")
			continue
		}
		data.records = append(data.records, models.DowntimeEvent{
			ID:                deref(r.ID),
			PlantID:           plantID,
			StartTime:         r.StartTime.null(),
			EndTime:           r.EndTime.null(),
			DurationHours:     nullFloat(r.DurationHours),
			Reason:            nullString(r.Reason),
			EventType:         nullString(r.EventType),
			LostProductionKWh: nullFloat(r.LostProductionKWh),
			CreatedAt:         r.CreatedAt.null(),
			UpdatedAt:         r.UpdatedAt.null(),
		})
	}
	return data, nil
}

func (s *set) marketPrices(ctx context.Context, u unit) (pageData, error) {
	params := url.Values{
		"from_date": {u.chunk.FirstDay()},
		"to_date":   {u.chunk.LastDay()},
	}
	for _, area := range s.areas {
		params.Add("price_areas[]", area)
	}
	rows, err := fetchRows[priceRow](ctx, s.api, models.EntityMarketPrice, pathMarketPrices, params)
	if err != nil {
		return pageData{}, err
	}

	var pr pairer
	var data pageData
	for _, r := range rows {
		if !r.Timestamp.Valid {
			return pageData{}, malformed(models.EntityMarketPrice, pathMarketPrices, errors.New("missing timestamp"))
		}
		data.records = append(data.records, models.MarketPrice{
			PriceArea: r.PriceArea,
			Timestamp: r.Timestamp.hour(),
			Price:     pr.money(r.NOK, r.EUR),
		})
	}
	data.unpaired = pr.unpaired
	return data, nil
}

func (s *set) downtimeDays(ctx context.Context, u unit) (pageData, error) {
	const entity = models.EntityDowntimeDay
	nok, eur, err := fetchCurrencies[downtimeDayRow](ctx, s.api, entity, pathDowntimeDays, plantDates(u))
	if err != nil {
		return pageData{}, err
	}
	pairs, err := pairRows(nok, eur, func(r *downtimeDayRow) (string, error) {
		day, err := dateKey(r.Date, "date")
		if err != nil {
			return "", err
		}
		return eventKey(r.DowntimeEventID, day)
	})
	if err != nil {
		return pageData{}, malformed(entity, pathDowntimeDays, err)
	}
	events, err := s.lookup.DowntimeEventIDs(ctx)
	if err != nil {
		return pageData{}, fmt.Errorf("load downtime events: %w", err)
	}

	var pr pairer
	var data pageData
	for _, p := range pairs {
		r := p.base()
		if !events[deref(r.DowntimeEventID)] {
			data.dropped++
			continue
		}
		data.records = append(data.records, models.DowntimeDay{
			EventID:   deref(r.DowntimeEventID),
			PlantID:   u.plant.ID,
			Date:      r.Date.day(),
			Reason:    nullString(r.Reason),
			Volume:    nullFloat(r.Volume),
			Cost:      pr.money(amounts(p, func(r *downtimeDayRow) decimal.NullDecimal { return r.Cost })),
			HourCount: nullInt(r.HourCount),
		})
	}
	data.unpaired = pr.unpaired
	return data, nil
}

func (s *set) downtimePeriods(ctx context.Context, u unit) (pageData, error) {
	const entity = models.EntityDowntimePeriod
	nok, eur, err := fetchCurrencies[downtimePeriodRow](ctx, s.api, entity, pathDowntimePeriods, plantTimestamps(u))
	if err != nil {
		return pageData{}, err
	}
	pairs, err := pairRows(nok, eur, func(r *downtimePeriodRow) (string, error) {
		hour, err := hourKey(r.Timestamp, "timestamp")
		if err != nil {
			return "", err
		}
		return eventKey(r.DowntimeEventID, hour)
	})
	if err != nil {
		return pageData{}, malformed(entity, pathDowntimePeriods, err)
	}
	events, err := s.lookup.DowntimeEventIDs(ctx)
	if err != nil {
		return pageData{}, fmt.Errorf("load downtime events: %w", err)
	}

	var pr pairer
	var data pageData
	for _, p := range pairs {
		r := p.base()
		if !events[deref(r.DowntimeEventID)] {
			data.dropped++
			continue
		}
		data.records = append(data.records, models.DowntimePeriod{
			EventID:   deref(r.DowntimeEventID),
			PlantID:   u.plant.ID,
			Timestamp: r.Timestamp.hour(),
			Reason:    nullString(r.Reason),
			Volume:    nullFloat(r.Volume),
			Cost:      pr.money(amounts(p, func(r *downtimePeriodRow) decimal.NullDecimal { return r.Cost })),
		})
	}
	data.unpaired = pr.unpaired
	return data, nil
}

// eventKey keys a downtime row by its event and time slot.
func eventKey(eventID *int64, slot string) (string, error) {
	if eventID == nil {
		return "", errors.New("missing downtime_event_id")
	}
	return fmt.Sprintf("%d/%s", *eventID, slot), nil
}

func (s *set) workItems(ctx context.Context, u unit) (pageData, error) {
	const entity = models.EntityWorkItem
	params := url.Values{
		"power_plant_uuid": {u.plant.UUID},
		"start_date":       {u.chunk.FirstDay()},
		"end_date":         {u.chunk.LastDay()},
	}
	nok, eur, err := fetchCurrencies[workItemRow](ctx, s.api, entity, pathWorkItems, params)
	if err != nil {
		return pageData{}, err
	}
	pairs, err := pairRows(nok, eur, func(r *workItemRow) (string, error) {
		if r.ID == nil {
			return "", errors.New("missing id")
		}
		return fmt.Sprint(*r.ID), nil
	})
	if err != nil {
		return pageData{}, malformed(entity, pathWorkItems, err)
	}

	var pr pairer
	var data pageData
	for _, p := range pairs {
		r := p.base()
		data.records = append(data.records, models.WorkItem{
			ID:           deref(r.ID),
			PlantID:      u.plant.ID,
			Title:        r.Title,
			Description:  nullString(r.Description),
			Status:       nullString(r.Status),
			Priority:     nullString(r.Priority),
			AssignedTo:   nullString(r.AssignedTo),
			DueDate:      r.DueDate.null(),
			CompletedAt:  r.CompletedAt.null(),
			BudgetCost:   pr.money(amounts(p, func(r *workItemRow) decimal.NullDecimal { return r.BudgetCost })),
			ElapsedCost:  pr.money(amounts(p, func(r *workItemRow) decimal.NullDecimal { return r.ElapsedCost })),
			ForecastCost: pr.money(amounts(p, func(r *workItemRow) decimal.NullDecimal { return r.ForecastCost })),
			CreatedAt:    r.CreatedAt.null(),
			UpdatedAt:    r.UpdatedAt.null(),
		})
	}
	data.unpaired = pr.unpaired
	return data, nil
}
