package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fleetwise/fleetquota/internal/clock"
	fleetdomain "github.com/fleetwise/fleetquota/internal/fleet/domain"
	fleetrepo "github.com/fleetwise/fleetquota/internal/fleet/repository"
	ratedomain "github.com/fleetwise/fleetquota/internal/rate/domain"
	"github.com/fleetwise/fleetquota/internal/usage/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixedRate struct {
	rate float64
}

func (f fixedRate) Resolve(context.Context, int64, string) float64 { return f.rate }
func (f fixedRate) Upload(context.Context, ratedomain.UploadRequest) (*ratedomain.RateTable, error) {
	return nil, nil
}
func (f fixedRate) ProcessPending(context.Context) error { return nil }

type fixture struct {
	svc     domain.Service
	devices fleetdomain.Repository
	clk     *clock.FakeClock
	db      *gorm.DB
}

func newFixture(t *testing.T, rate float64) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&fleetdomain.Device{}, &domain.SimUsageRecord{}))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	devices := fleetrepo.Provide(fleetrepo.Params{DB: db, GenID: node})
	svc := New(Params{
		DB:      db,
		GenID:   node,
		Log:     zap.NewNop(),
		Clock:   clk,
		Rates:   fixedRate{rate: rate},
		Devices: devices,
	})
	return &fixture{svc: svc, devices: devices, clk: clk, db: db}
}

func (f *fixture) seedDevice(t *testing.T, sn string) *fleetdomain.Device {
	t.Helper()
	require.NoError(t, f.devices.Upsert(context.Background(), "org-1", 7, fleetdomain.Listing{
		ID: 42, SN: sn, Status: fleetdomain.StatusOnline,
	}))
	dev, err := f.devices.FindBySN(context.Background(), sn)
	require.NoError(t, err)
	return dev
}

func sample(dev *fleetdomain.Device, sim fleetdomain.Sim, usedMB float64) domain.Sample {
	return domain.Sample{
		OrgID:    dev.OrgID,
		GroupID:  dev.GroupID,
		DeviceID: dev.DeviceID,
		SN:       dev.SN,
		Sim:      sim,
		Enabled:  true,
		LimitMB:  1000,
		Unit:     "MB",
		UsedMB:   usedMB,
		Country:  "DE",
	}
}

func TestRecordFirstSampleIsBaseline(t *testing.T) {
	f := newFixture(t, 0.5)
	dev := f.seedDevice(t, "SN-1")

	rec, err := f.svc.Record(context.Background(), dev, sample(dev, fleetdomain.SimA, 100))
	require.NoError(t, err)
	assert.Zero(t, rec.ConsumptionMB)
	assert.Zero(t, rec.Expenditure)
	assert.Equal(t, 100.0, rec.UsedMB)
}

func TestRecordDeltaAndExpenditure(t *testing.T) {
	f := newFixture(t, 0.5)
	dev := f.seedDevice(t, "SN-1")
	ctx := context.Background()

	_, err := f.svc.Record(ctx, dev, sample(dev, fleetdomain.SimA, 100))
	require.NoError(t, err)
	f.clk.Advance(time.Hour)

	rec, err := f.svc.Record(ctx, dev, sample(dev, fleetdomain.SimA, 160))
	require.NoError(t, err)
	assert.Equal(t, 60.0, rec.ConsumptionMB)
	assert.Equal(t, 30.0, rec.Expenditure)
}

func TestRecordDeltaPerSim(t *testing.T) {
	f := newFixture(t, 1)
	dev := f.seedDevice(t, "SN-1")
	ctx := context.Background()

	_, err := f.svc.Record(ctx, dev, sample(dev, fleetdomain.SimA, 100))
	require.NoError(t, err)
	f.clk.Advance(time.Minute)

	// first sample on the other sim is its own baseline
	rec, err := f.svc.Record(ctx, dev, sample(dev, fleetdomain.SimB, 500))
	require.NoError(t, err)
	assert.Zero(t, rec.ConsumptionMB)
}

func TestRecordNewMonthIsBaseline(t *testing.T) {
	f := newFixture(t, 1)
	dev := f.seedDevice(t, "SN-1")
	ctx := context.Background()

	_, err := f.svc.Record(ctx, dev, sample(dev, fleetdomain.SimA, 900))
	require.NoError(t, err)

	f.clk.Set(time.Date(2026, 4, 1, 0, 5, 0, 0, time.UTC))
	rec, err := f.svc.Record(ctx, dev, sample(dev, fleetdomain.SimA, 950))
	require.NoError(t, err)
	assert.Zero(t, rec.ConsumptionMB)
}

func TestAggregateWindows(t *testing.T) {
	f := newFixture(t, 2)
	dev := f.seedDevice(t, "SN-1")
	ctx := context.Background()

	// February samples count toward the year but not the month
	f.clk.Set(time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC))
	_, err := f.svc.Record(ctx, dev, sample(dev, fleetdomain.SimA, 100))
	require.NoError(t, err)
	f.clk.Advance(time.Hour)
	_, err = f.svc.Record(ctx, dev, sample(dev, fleetdomain.SimA, 150))
	require.NoError(t, err)

	f.clk.Set(time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC))
	_, err = f.svc.Record(ctx, dev, sample(dev, fleetdomain.SimA, 200))
	require.NoError(t, err)
	f.clk.Advance(time.Hour)
	_, err = f.svc.Record(ctx, dev, sample(dev, fleetdomain.SimA, 230))
	require.NoError(t, err)

	totals, err := f.svc.Aggregate(ctx, dev.DeviceID, fleetdomain.SimA, f.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 30.0, totals.MTDDataMB)
	assert.Equal(t, 60.0, totals.MTDExpenditure)
	assert.Equal(t, 80.0, totals.YTDDataMB)
	assert.Equal(t, 160.0, totals.YTDExpenditure)
}

func TestAggregateEmptyIsZero(t *testing.T) {
	f := newFixture(t, 2)
	dev := f.seedDevice(t, "SN-1")

	totals, err := f.svc.Aggregate(context.Background(), dev.DeviceID, fleetdomain.SimA, f.clk.Now())
	require.NoError(t, err)
	assert.Zero(t, totals.MTDDataMB)
	assert.Zero(t, totals.MTDExpenditure)
	assert.Zero(t, totals.YTDDataMB)
	assert.Zero(t, totals.YTDExpenditure)
}

func TestComputeUsageInfoPersistsSummary(t *testing.T) {
	f := newFixture(t, 1)
	dev := f.seedDevice(t, "SN-1")
	ctx := context.Background()

	_, err := f.svc.Record(ctx, dev, sample(dev, fleetdomain.SimA, 100))
	require.NoError(t, err)
	f.clk.Advance(time.Hour)
	_, err = f.svc.Record(ctx, dev, sample(dev, fleetdomain.SimA, 140))
	require.NoError(t, err)

	summary, err := f.svc.ComputeUsageInfo(ctx, dev, fleetdomain.SimA, "DE")
	require.NoError(t, err)
	assert.Equal(t, "SN-1", summary.SN)
	assert.Equal(t, "DE", summary.Country)
	assert.Equal(t, 40.0, summary.MTDData)

	fresh, err := f.devices.FindBySN(ctx, "SN-1")
	require.NoError(t, err)
	var stored domain.Summary
	require.NoError(t, json.Unmarshal(fresh.Sim1Summary, &stored))
	assert.Equal(t, 40.0, stored.MTDData)
}

func TestCombinedSummaryBothSims(t *testing.T) {
	f := newFixture(t, 1)
	dev := f.seedDevice(t, "SN-1")
	ctx := context.Background()

	for _, sim := range []fleetdomain.Sim{fleetdomain.SimA, fleetdomain.SimB} {
		_, err := f.svc.Record(ctx, dev, sample(dev, sim, 100))
		require.NoError(t, err)
		f.clk.Advance(time.Hour)
		_, err = f.svc.Record(ctx, dev, sample(dev, sim, 130))
		require.NoError(t, err)
		_, err = f.svc.ComputeUsageInfo(ctx, dev, sim, "DE")
		require.NoError(t, err)
	}

	require.NoError(t, f.svc.ComputeCombinedSummary(ctx, dev))
	fresh, err := f.devices.FindBySN(ctx, "SN-1")
	require.NoError(t, err)
	var combined domain.Summary
	require.NoError(t, json.Unmarshal(fresh.CombinedSummary, &combined))
	assert.Equal(t, 60.0, combined.MTDData)
}

func TestCombinedSummaryMirrorsSingleSim(t *testing.T) {
	f := newFixture(t, 1)
	dev := f.seedDevice(t, "SN-1")
	ctx := context.Background()

	_, err := f.svc.Record(ctx, dev, sample(dev, fleetdomain.SimB, 100))
	require.NoError(t, err)
	f.clk.Advance(time.Hour)
	_, err = f.svc.Record(ctx, dev, sample(dev, fleetdomain.SimB, 125))
	require.NoError(t, err)
	_, err = f.svc.ComputeUsageInfo(ctx, dev, fleetdomain.SimB, "DE")
	require.NoError(t, err)

	require.NoError(t, f.svc.ComputeCombinedSummary(ctx, dev))
	fresh, err := f.devices.FindBySN(ctx, "SN-1")
	require.NoError(t, err)
	var combined domain.Summary
	require.NoError(t, json.Unmarshal(fresh.CombinedSummary, &combined))
	assert.Equal(t, 25.0, combined.MTDData)
}

func TestCombinedSummaryClearedWhenNone(t *testing.T) {
	f := newFixture(t, 1)
	dev := f.seedDevice(t, "SN-1")
	ctx := context.Background()

	require.NoError(t, f.svc.ComputeCombinedSummary(ctx, dev))
	fresh, err := f.devices.FindBySN(ctx, "SN-1")
	require.NoError(t, err)
	assert.Empty(t, fresh.CombinedSummary)
}
