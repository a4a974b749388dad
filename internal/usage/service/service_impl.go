package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fleetwise/fleetquota/internal/clock"
	fleetdomain "github.com/fleetwise/fleetquota/internal/fleet/domain"
	ratedomain "github.com/fleetwise/fleetquota/internal/rate/domain"
	"github.com/fleetwise/fleetquota/internal/usage/domain"
	"github.com/fleetwise/fleetquota/pkg/db/option"
	"github.com/fleetwise/fleetquota/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	GenID   *snowflake.Node
	Log     *zap.Logger
	Clock   clock.Clock
	Rates   ratedomain.Service
	Devices fleetdomain.Repository
}

type service struct {
	db      *gorm.DB
	genID   *snowflake.Node
	log     *zap.Logger
	clock   clock.Clock
	rates   ratedomain.Service
	devices fleetdomain.Repository
	records repository.Repository[domain.SimUsageRecord]
}

func New(p Params) domain.Service {
	return &service{
		db:      p.DB,
		genID:   p.GenID,
		log:     p.Log.Named("usage"),
		clock:   p.Clock,
		rates:   p.Rates,
		devices: p.Devices,
		records: repository.ProvideStore[domain.SimUsageRecord](p.DB),
	}
}

var Module = fx.Module("usage",
	fx.Provide(New),
)

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func yearStart(t time.Time) time.Time {
	return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, t.Location())
}

func (s *service) Record(ctx context.Context, device *fleetdomain.Device, sample domain.Sample) (*domain.SimUsageRecord, error) {
	now := s.clock.Now()

	var prev domain.SimUsageRecord
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND sim = ? AND polling_time >= ?", sample.DeviceID, sample.Sim, monthStart(now)).
		Order("polling_time DESC").
		First(&prev).Error

	consumption := 0.0
	switch {
	case err == nil:
		consumption = sample.UsedMB - prev.UsedMB
		if consumption < 0 {
			// counter reset mid-month, treat as a fresh baseline
			consumption = 0
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// first sample of the month is a baseline
	default:
		return nil, err
	}

	rate := s.rates.Resolve(ctx, device.RateTableID, sample.Country)
	record := &domain.SimUsageRecord{
		ID:            s.genID.Generate(),
		OrgID:         sample.OrgID,
		GroupID:       sample.GroupID,
		DeviceID:      sample.DeviceID,
		SN:            sample.SN,
		Sim:           sample.Sim,
		PollingTime:   now,
		Enabled:       sample.Enabled,
		LimitMB:       sample.LimitMB,
		Unit:          sample.Unit,
		UsedMB:        sample.UsedMB,
		ConsumptionMB: consumption,
		Expenditure:   consumption * rate,
		Country:       sample.Country,
	}
	if err := s.records.Create(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *service) Aggregate(ctx context.Context, deviceID int64, sim fleetdomain.Sim, asOf time.Time) (domain.Totals, error) {
	var totals domain.Totals
	mtd, err := s.sumWindow(ctx, deviceID, sim, monthStart(asOf), asOf)
	if err != nil {
		return totals, err
	}
	ytd, err := s.sumWindow(ctx, deviceID, sim, yearStart(asOf), asOf)
	if err != nil {
		return totals, err
	}
	totals.MTDDataMB = mtd.Data
	totals.MTDExpenditure = mtd.Spend
	totals.YTDDataMB = ytd.Data
	totals.YTDExpenditure = ytd.Spend
	return totals, nil
}

type windowSum struct {
	Data  float64
	Spend float64
}

func (s *service) sumWindow(ctx context.Context, deviceID int64, sim fleetdomain.Sim, start, end time.Time) (windowSum, error) {
	var sum windowSum
	err := s.db.WithContext(ctx).
		Model(&domain.SimUsageRecord{}).
		Select("COALESCE(SUM(consumption_mb), 0) AS data, COALESCE(SUM(expenditure), 0) AS spend").
		Where("device_id = ? AND sim = ? AND polling_time BETWEEN ? AND ?", deviceID, sim, start, end).
		Scan(&sum).Error
	return sum, err
}

func (s *service) ComputeUsageInfo(ctx context.Context, device *fleetdomain.Device, sim fleetdomain.Sim, country string) (*domain.Summary, error) {
	now := s.clock.Now()
	totals, err := s.Aggregate(ctx, device.DeviceID, sim, now)
	if err != nil {
		return nil, err
	}
	summary := &domain.Summary{
		Timestamp:      now.Format(time.RFC3339),
		SN:             device.SN,
		Country:        country,
		MTDData:        totals.MTDDataMB,
		MTDExpenditure: totals.MTDExpenditure,
		YTDData:        totals.YTDDataMB,
		YTDExpenditure: totals.YTDExpenditure,
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return nil, err
	}
	column := "sim1_summary"
	if sim == fleetdomain.SimB {
		column = "sim2_summary"
	}
	err = s.devices.UpdateFields(ctx, device.OrgID, device.GroupID, device.DeviceID, map[string]any{
		column: payload,
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// ComputeCombinedSummary folds the per-sim summaries: both present sums them
// field-wise, one present mirrors it, none clears the combined field.
func (s *service) ComputeCombinedSummary(ctx context.Context, device *fleetdomain.Device) error {
	fresh, err := s.devices.FindByKeys(ctx, device.OrgID, device.GroupID, device.DeviceID)
	if err != nil {
		return err
	}
	sim1 := parseSummary(fresh.Sim1Summary)
	sim2 := parseSummary(fresh.Sim2Summary)

	var combined *domain.Summary
	switch {
	case sim1 != nil && sim2 != nil:
		combined = &domain.Summary{
			Timestamp:      s.clock.Now().Format(time.RFC3339),
			SN:             fresh.SN,
			Country:        sim1.Country,
			MTDData:        sim1.MTDData + sim2.MTDData,
			MTDExpenditure: sim1.MTDExpenditure + sim2.MTDExpenditure,
			YTDData:        sim1.YTDData + sim2.YTDData,
			YTDExpenditure: sim1.YTDExpenditure + sim2.YTDExpenditure,
		}
	case sim1 != nil:
		combined = sim1
	case sim2 != nil:
		combined = sim2
	}

	var payload []byte
	if combined != nil {
		payload, err = json.Marshal(combined)
		if err != nil {
			return err
		}
	}
	return s.devices.UpdateFields(ctx, device.OrgID, device.GroupID, device.DeviceID, map[string]any{
		"combined_summary": payload,
	})
}

func parseSummary(raw []byte) *domain.Summary {
	if len(raw) == 0 {
		return nil
	}
	var summary domain.Summary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil
	}
	return &summary
}

func (s *service) Recent(ctx context.Context, deviceID int64, limit int) ([]*domain.SimUsageRecord, error) {
	return s.records.Find(ctx, &domain.SimUsageRecord{DeviceID: deviceID},
		option.WithOrder("polling_time DESC"),
		option.WithLimit(limit),
	)
}
