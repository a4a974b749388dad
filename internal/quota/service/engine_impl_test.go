package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	actiondomain "github.com/fleetwise/fleetquota/internal/action/domain"
	actionservice "github.com/fleetwise/fleetquota/internal/action/service"
	"github.com/fleetwise/fleetquota/internal/clock"
	fleetdomain "github.com/fleetwise/fleetquota/internal/fleet/domain"
	fleetrepo "github.com/fleetwise/fleetquota/internal/fleet/repository"
	"github.com/fleetwise/fleetquota/internal/observability/metrics"
	quotadomain "github.com/fleetwise/fleetquota/internal/quota/domain"
	ratedomain "github.com/fleetwise/fleetquota/internal/rate/domain"
	usagedomain "github.com/fleetwise/fleetquota/internal/usage/domain"
	usageservice "github.com/fleetwise/fleetquota/internal/usage/service"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
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

type stubAPI struct {
	orgs     []fleetdomain.Organization
	groups   []fleetdomain.Group
	listings []fleetdomain.Listing
	applyOK  bool
	applies  int
}

func (s *stubAPI) ListOrganizations(context.Context) ([]fleetdomain.Organization, error) {
	return s.orgs, nil
}
func (s *stubAPI) ListGroups(context.Context, string) ([]fleetdomain.Group, error) {
	return s.groups, nil
}
func (s *stubAPI) ListDevices(context.Context, string, int64, bool) ([]fleetdomain.Listing, error) {
	return s.listings, nil
}
func (s *stubAPI) ApplySimAllowance(context.Context, string, int64, int64, fleetdomain.Sim, int) (bool, error) {
	s.applies++
	return s.applyOK, nil
}

type fixture struct {
	engine  quotadomain.Engine
	api     *stubAPI
	devices fleetdomain.Repository
	actions actiondomain.Service
	usage   usagedomain.Service
	clk     *clock.FakeClock
	db      *gorm.DB
}

func newFixture(t *testing.T, rate float64) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&fleetdomain.Device{},
		&usagedomain.SimUsageRecord{},
		&actiondomain.ScheduledAction{},
	))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	m := metrics.New(prometheus.NewRegistry())
	api := &stubAPI{
		orgs:    []fleetdomain.Organization{{ID: "org-1", Name: "Org One"}},
		groups:  []fleetdomain.Group{{ID: 7, OrgID: "org-1", Name: "Fleet", Country: "DE"}},
		applyOK: true,
	}
	devices := fleetrepo.Provide(fleetrepo.Params{DB: db, GenID: node})
	rates := fixedRate{rate: rate}
	usage := usageservice.New(usageservice.Params{
		DB: db, GenID: node, Log: log, Clock: clk, Rates: rates, Devices: devices,
	})
	actions := actionservice.New(actionservice.Params{
		DB: db, GenID: node, Log: log, Clock: clk, API: api, Devices: devices, Metrics: m,
	})
	engine := New(Params{
		Log: log, Clock: clk, API: api, Devices: devices,
		Usage: usage, Actions: actions, Rates: rates, Metrics: m,
	})
	return &fixture{
		engine: engine, api: api, devices: devices,
		actions: actions, usage: usage, clk: clk, db: db,
	}
}

func simPayload(limitMB, usedMB float64) *fleetdomain.SimUsage {
	return &fleetdomain.SimUsage{
		Enable:  true,
		Limit:   limitMB,
		Unit:    "MB",
		UsageKB: usedMB * 1024,
		Percent: usedMB / limitMB * 100,
	}
}

func listing(sn string, online bool, sim1 *fleetdomain.SimUsage) fleetdomain.Listing {
	status := "OFFLINE"
	if online {
		status = fleetdomain.StatusOnline
	}
	return fleetdomain.Listing{ID: 42, SN: sn, Status: status, Sim1: sim1}
}

// configure seeds a device row and assigns operator policy to it.
func (f *fixture) configure(t *testing.T, sn string, fields map[string]any) *fleetdomain.Device {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.devices.Upsert(ctx, "org-1", 7, fleetdomain.Listing{ID: 42, SN: sn}))
	dev, err := f.devices.FindBySN(ctx, sn)
	require.NoError(t, err)
	require.NoError(t, f.devices.UpdateFields(ctx, dev.OrgID, dev.GroupID, dev.DeviceID, fields))
	dev, err = f.devices.FindBySN(ctx, sn)
	require.NoError(t, err)
	return dev
}

func (f *fixture) pendingActions(t *testing.T) []actiondomain.ScheduledAction {
	t.Helper()
	var rows []actiondomain.ScheduledAction
	require.NoError(t, f.db.Where("action_status = ?", actiondomain.StatusPending).Find(&rows).Error)
	return rows
}

func TestProcessDevicesTalliesFleet(t *testing.T) {
	f := newFixture(t, 0.1)
	f.api.listings = []fleetdomain.Listing{
		listing("SN-1", true, simPayload(1000, 500)),
		listing("SN-2", false, nil),
	}

	require.NoError(t, f.engine.ProcessDevices(context.Background()))

	all, err := f.devices.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)

	// the online device got a usage sample, the offline one did not
	var count int64
	require.NoError(t, f.db.Model(&usagedomain.SimUsageRecord{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	dev, err := f.devices.FindBySN(context.Background(), "SN-1")
	require.NoError(t, err)
	assert.Equal(t, "DE", dev.Country)
	assert.NotEmpty(t, dev.Sim1Summary)
}

func TestProcessDevicesBelowThresholdNoAction(t *testing.T) {
	f := newFixture(t, 0.1)
	f.configure(t, "SN-1", map[string]any{
		"monthly_budget": 100.0, "yearly_budget": 1000.0,
		"topup_mb": 500, "daily_stp": 3, "weekly_stp": 9,
	})
	f.api.listings = []fleetdomain.Listing{listing("SN-1", true, simPayload(1000, 500))}

	require.NoError(t, f.engine.ProcessDevices(context.Background()))
	assert.Empty(t, f.pendingActions(t))
}

func TestProcessDevicesExhaustedSimEnqueuesTopup(t *testing.T) {
	f := newFixture(t, 0.1)
	f.configure(t, "SN-1", map[string]any{
		"monthly_budget": 100.0, "yearly_budget": 1000.0,
		"topup_mb": 500, "daily_stp": 3, "weekly_stp": 9,
	})
	f.api.listings = []fleetdomain.Listing{listing("SN-1", true, simPayload(1000, 995))}

	require.NoError(t, f.engine.ProcessDevices(context.Background()))

	pending := f.pendingActions(t)
	require.Len(t, pending, 1)
	assert.Equal(t, actiondomain.ActionTopup, pending[0].ActionType)
	assert.Equal(t, 1500, pending[0].TopupIncrement, "absolute new limit, not a delta")

	dev, err := f.devices.FindBySN(context.Background(), "SN-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.49, dev.TopupIncrement, 0.001)
}

func TestProcessDevicesBudgetReachedDenies(t *testing.T) {
	f := newFixture(t, 1.0)
	dev := f.configure(t, "SN-1", map[string]any{
		"monthly_budget": 10.0, "yearly_budget": 1000.0,
		"topup_mb": 500, "daily_stp": 3, "weekly_stp": 9,
	})
	ctx := context.Background()

	// two prior samples put month-to-date spend past the budget
	_, err := f.usage.Record(ctx, dev, usagedomain.Sample{
		OrgID: dev.OrgID, GroupID: dev.GroupID, DeviceID: dev.DeviceID, SN: dev.SN,
		Sim: fleetdomain.SimA, Enabled: true, LimitMB: 1000, UsedMB: 900, Country: "DE",
	})
	require.NoError(t, err)
	f.clk.Advance(time.Hour)
	_, err = f.usage.Record(ctx, dev, usagedomain.Sample{
		OrgID: dev.OrgID, GroupID: dev.GroupID, DeviceID: dev.DeviceID, SN: dev.SN,
		Sim: fleetdomain.SimA, Enabled: true, LimitMB: 1000, UsedMB: 950, Country: "DE",
	})
	require.NoError(t, err)

	f.api.listings = []fleetdomain.Listing{listing("SN-1", true, simPayload(1000, 995))}
	require.NoError(t, f.engine.ProcessDevices(ctx))

	assert.Empty(t, f.pendingActions(t))
	fresh, err := f.devices.FindBySN(ctx, "SN-1")
	require.NoError(t, err)
	assert.Equal(t, fleetdomain.TopupStatusUnsuccessful, fresh.LastTopupStatus)
	assert.Equal(t, fleetdomain.StateMonthlyBudgetReached, fresh.LastTopupState)
	require.NotNil(t, fresh.LastTopupAttempt)
}

func TestProcessDevicesPendingActionBlocksTopup(t *testing.T) {
	f := newFixture(t, 0.1)
	dev := f.configure(t, "SN-1", map[string]any{
		"monthly_budget": 100.0, "yearly_budget": 1000.0,
		"topup_mb": 500, "daily_stp": 3, "weekly_stp": 9,
	})
	ctx := context.Background()

	_, err := f.actions.Enqueue(ctx, actiondomain.EnqueueRequest{
		OrgID: dev.OrgID, GroupID: dev.GroupID, DeviceID: dev.DeviceID, SN: dev.SN,
		Sim: fleetdomain.SimA, ActionType: actiondomain.ActionMonthlyReset,
	})
	require.NoError(t, err)

	f.api.listings = []fleetdomain.Listing{listing("SN-1", true, simPayload(1000, 995))}
	require.NoError(t, f.engine.ProcessDevices(ctx))

	pending := f.pendingActions(t)
	require.Len(t, pending, 1)
	assert.Equal(t, actiondomain.ActionMonthlyReset, pending[0].ActionType)
}

func TestResetMonthlyAllowances(t *testing.T) {
	f := newFixture(t, 0.1)
	f.configure(t, "SN-1", map[string]any{
		"monthly_budget": 100.0, "yearly_budget": 1000.0,
	})
	// SN-2 keeps the unconfigured default budgets
	f.api.listings = []fleetdomain.Listing{
		listing("SN-1", true, simPayload(1000, 100)),
		{ID: 43, SN: "SN-2", Status: fleetdomain.StatusOnline, Sim1: simPayload(1000, 100)},
	}
	require.NoError(t, f.engine.ProcessDevices(context.Background()))

	require.NoError(t, f.engine.ResetMonthlyAllowances(context.Background()))

	pending := f.pendingActions(t)
	require.Len(t, pending, 1)
	assert.Equal(t, actiondomain.ActionMonthlyReset, pending[0].ActionType)
	assert.Equal(t, "SN-1", pending[0].SN)

	// a second pass in the same month does not queue another reset
	require.NoError(t, f.engine.ResetMonthlyAllowances(context.Background()))
	assert.Len(t, f.pendingActions(t), 1)
}

func TestProcessDevicesMalformedPayloadSkipped(t *testing.T) {
	f := newFixture(t, 0.1)
	bad := listing("SN-1", true, &fleetdomain.SimUsage{Enable: true, Limit: 0})
	f.api.listings = []fleetdomain.Listing{bad}

	require.NoError(t, f.engine.ProcessDevices(context.Background()))
	assert.Empty(t, f.pendingActions(t))
}
