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
	"github.com/fleetwise/fleetquota/internal/policyinfo/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc     *Service
	devices fleetdomain.Repository
	clk     *clock.FakeClock
	db      *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&fleetdomain.Device{},
		&domain.BudgetInfo{},
		&domain.BudgetStartInfo{},
		&domain.STPInfo{},
		&domain.TopupInfo{},
	))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	devices := fleetrepo.Provide(fleetrepo.Params{DB: db, GenID: node})
	svc := New(Params{
		DB:      db,
		GenID:   node,
		Log:     zap.NewNop(),
		Clock:   clk,
		Devices: devices,
	})
	return &fixture{svc: svc, devices: devices, clk: clk, db: db}
}

// drain runs queued apply tasks synchronously so tests observe their effects.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for {
		select {
		case task := <-f.svc.queue:
			require.NoError(t, task(context.Background()))
		default:
			return
		}
	}
}

func (f *fixture) seedDevice(t *testing.T, sn string, tags []string) *fleetdomain.Device {
	t.Helper()
	require.NoError(t, f.devices.Upsert(context.Background(), "org-1", 7, fleetdomain.Listing{
		ID: int64(len(sn)) + 100, SN: sn, Status: fleetdomain.StatusOnline, Tags: tags,
	}))
	dev, err := f.devices.FindBySN(context.Background(), sn)
	require.NoError(t, err)
	return dev
}

func selection(tags []string) domain.Selection {
	raw, _ := json.Marshal(tags)
	return domain.Selection{
		OrgID:               "org-1",
		GroupID:             7,
		DeviceSelectionTags: raw,
	}
}

func TestAddBudgetInfoAppliesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.seedDevice(t, "SN-1", nil)

	info := &domain.BudgetInfo{
		Selection:     selection(nil),
		MonthlyBudget: 50,
		YearlyBudget:  500,
	}
	require.NoError(t, f.svc.AddBudgetInfo(ctx, info))
	f.drain(t)

	fresh, err := f.devices.FindBySN(ctx, dev.SN)
	require.NoError(t, err)
	assert.Equal(t, 50.0, fresh.MonthlyBudget)
	assert.Equal(t, 500.0, fresh.YearlyBudget)

	rows, err := f.svc.ListBudgetInfos(ctx, "org-1", 7)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.StatusProcessed, rows[0].Status)
}

func TestTagSelectorSupersetMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	matched := f.seedDevice(t, "SN-1", []string{"eu", "fleet-a", "lte"})
	unmatched := f.seedDevice(t, "SN-22", []string{"eu"})

	info := &domain.STPInfo{
		Selection: selection([]string{"eu", "fleet-a"}),
		DailySTP:  3,
		WeeklySTP: 9,
	}
	require.NoError(t, f.svc.AddSTPInfo(ctx, info))
	f.drain(t)

	fresh, err := f.devices.FindBySN(ctx, matched.SN)
	require.NoError(t, err)
	assert.Equal(t, 3, fresh.DailySTP)
	assert.Equal(t, 9, fresh.WeeklySTP)

	fresh, err = f.devices.FindBySN(ctx, unmatched.SN)
	require.NoError(t, err)
	assert.Zero(t, fresh.DailySTP)
}

func TestScheduledFutureStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.seedDevice(t, "SN-1", nil)

	at := f.clk.Now().Add(2 * time.Hour)
	sel := selection(nil)
	sel.IsScheduled = true
	sel.ConfigTime = &at
	require.NoError(t, f.svc.AddTopupInfo(ctx, &domain.TopupInfo{Selection: sel, TopupMB: 500}))
	f.drain(t)

	fresh, err := f.devices.FindBySN(ctx, dev.SN)
	require.NoError(t, err)
	assert.Zero(t, fresh.TopupMB)

	rows, err := f.svc.ListTopupInfos(ctx, "org-1", 7)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.StatusPending, rows[0].Status)
}

func TestProcessScheduledItemsWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.seedDevice(t, "SN-1", nil)

	at := f.clk.Now().Add(30 * time.Minute)
	sel := selection(nil)
	sel.IsScheduled = true
	sel.ConfigTime = &at
	require.NoError(t, f.svc.AddTopupInfo(ctx, &domain.TopupInfo{Selection: sel, TopupMB: 500}))
	f.drain(t)

	// before the config time nothing applies
	require.NoError(t, f.svc.ProcessScheduledItems(ctx))
	fresh, err := f.devices.FindBySN(ctx, dev.SN)
	require.NoError(t, err)
	assert.Zero(t, fresh.TopupMB)

	// inside the hour after the config time the sweep applies it
	f.clk.Advance(45 * time.Minute)
	require.NoError(t, f.svc.ProcessScheduledItems(ctx))
	fresh, err = f.devices.FindBySN(ctx, dev.SN)
	require.NoError(t, err)
	assert.Equal(t, 500, fresh.TopupMB)

	rows, err := f.svc.ListTopupInfos(ctx, "org-1", 7)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.StatusProcessed, rows[0].Status)
}

func TestProcessScheduledItemsMissedWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.seedDevice(t, "SN-1", nil)

	at := f.clk.Now().Add(10 * time.Minute)
	sel := selection(nil)
	sel.IsScheduled = true
	sel.ConfigTime = &at
	require.NoError(t, f.svc.AddTopupInfo(ctx, &domain.TopupInfo{Selection: sel, TopupMB: 500}))
	f.drain(t)

	// the sweep only looks one hour back
	f.clk.Advance(3 * time.Hour)
	require.NoError(t, f.svc.ProcessScheduledItems(ctx))
	fresh, err := f.devices.FindBySN(ctx, dev.SN)
	require.NoError(t, err)
	assert.Zero(t, fresh.TopupMB)
}

func TestSubmitAfterStopKeepsRequestPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDevice(t, "SN-1", nil)

	go f.svc.run()
	close(f.svc.stop)
	<-f.svc.done

	assert.NotPanics(t, func() {
		require.NoError(t, f.svc.AddBudgetInfo(ctx, &domain.BudgetInfo{
			Selection:     selection(nil),
			MonthlyBudget: 50,
		}))
	})

	rows, err := f.svc.ListBudgetInfos(ctx, "org-1", 7)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.StatusPending, rows[0].Status)
}

func TestStopDrainsQueuedWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.seedDevice(t, "SN-1", nil)
	require.NoError(t, f.svc.AddBudgetInfo(ctx, &domain.BudgetInfo{
		Selection:     selection(nil),
		MonthlyBudget: 50,
	}))

	go f.svc.run()
	close(f.svc.stop)
	<-f.svc.done

	fresh, err := f.devices.FindBySN(ctx, dev.SN)
	require.NoError(t, err)
	assert.Equal(t, 50.0, fresh.MonthlyBudget)
}

func TestBudgetStartWaitsForStartDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.seedDevice(t, "SN-1", nil)

	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.svc.AddBudgetStartInfo(ctx, &domain.BudgetStartInfo{
		Selection:       selection(nil),
		YearBudgetStart: start,
	}))
	f.drain(t)

	fresh, err := f.devices.FindBySN(ctx, dev.SN)
	require.NoError(t, err)
	assert.Nil(t, fresh.YearBudgetStart)

	rows, err := f.svc.ListBudgetStartInfos(ctx, "org-1", 7)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.StatusPending, rows[0].Status)
}
