package service

import (
	"context"
	"errors"
	"math"

	actiondomain "github.com/fleetwise/fleetquota/internal/action/domain"
	"github.com/fleetwise/fleetquota/internal/clock"
	fleetdomain "github.com/fleetwise/fleetquota/internal/fleet/domain"
	"github.com/fleetwise/fleetquota/internal/observability/metrics"
	"github.com/fleetwise/fleetquota/internal/quota/domain"
	"github.com/fleetwise/fleetquota/internal/quota/policy"
	ratedomain "github.com/fleetwise/fleetquota/internal/rate/domain"
	usagedomain "github.com/fleetwise/fleetquota/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// deviceWorkers bounds the per-group fan-out over devices.
const deviceWorkers = 8

// exhaustionPercent is the share of the configured allowance a sim must have
// consumed before a top-up is even considered.
const exhaustionPercent = 99.0

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	API     fleetdomain.API
	Devices fleetdomain.Repository
	Usage   usagedomain.Service
	Actions actiondomain.Service
	Rates   ratedomain.Service
	Metrics *metrics.Metrics
}

type engine struct {
	log     *zap.Logger
	clock   clock.Clock
	api     fleetdomain.API
	devices fleetdomain.Repository
	usage   usagedomain.Service
	actions actiondomain.Service
	rates   ratedomain.Service
	metrics *metrics.Metrics
}

func New(p Params) domain.Engine {
	return &engine{
		log:     p.Log.Named("quota"),
		clock:   p.Clock,
		api:     p.API,
		devices: p.Devices,
		usage:   p.Usage,
		actions: p.Actions,
		rates:   p.Rates,
		metrics: p.Metrics,
	}
}

var Module = fx.Module("quota",
	fx.Provide(New),
)

func (e *engine) ProcessDevices(ctx context.Context) error {
	orgs, err := e.api.ListOrganizations(ctx)
	if err != nil {
		return err
	}
	for _, org := range orgs {
		groups, err := e.api.ListGroups(ctx, org.ID)
		if err != nil {
			e.log.Error("listing groups failed", zap.String("org_id", org.ID), zap.Error(err))
			continue
		}
		for _, group := range groups {
			if err := e.processGroup(ctx, org.ID, group); err != nil {
				e.log.Error("processing group failed",
					zap.String("org_id", org.ID),
					zap.Int64("group_id", group.ID),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

func (e *engine) processGroup(ctx context.Context, orgID string, group fleetdomain.Group) error {
	listings, err := e.api.ListDevices(ctx, orgID, group.ID, true)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deviceWorkers)
	for _, listing := range listings {
		listing := listing
		g.Go(func() error {
			e.metrics.DevicesSeen.Inc()
			if err := e.processListing(gctx, orgID, group, listing); err != nil {
				// one bad device never aborts the batch
				e.log.Error("processing device failed",
					zap.String("sn", listing.SN),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *engine) processListing(ctx context.Context, orgID string, group fleetdomain.Group, listing fleetdomain.Listing) error {
	if err := e.devices.Upsert(ctx, orgID, group.ID, listing); err != nil {
		return err
	}
	if !listing.Online() {
		return nil
	}
	device, err := e.devices.FindBySN(ctx, listing.SN)
	if err != nil {
		return err
	}
	if group.Country != "" && device.Country != group.Country {
		err = e.devices.UpdateFields(ctx, orgID, group.ID, device.DeviceID, map[string]any{
			"country": group.Country,
		})
		if err != nil {
			return err
		}
		device.Country = group.Country
	}

	sims := []struct {
		sim     fleetdomain.Sim
		payload *fleetdomain.SimUsage
	}{
		{fleetdomain.SimA, listing.Sim1},
		{fleetdomain.SimB, listing.Sim2},
	}
	var errs []error
	enabled := 0
	for _, s := range sims {
		if s.payload == nil || !s.payload.Enable {
			continue
		}
		enabled++
		if _, err := e.usage.ComputeUsageInfo(ctx, device, s.sim, group.Country); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := e.ProcessSimAllowance(ctx, orgID, group.ID, group.Country, device, s.sim, s.payload); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := e.usage.ComputeUsageInfo(ctx, device, s.sim, group.Country); err != nil {
			errs = append(errs, err)
		}
	}
	if enabled == 2 {
		if err := e.usage.ComputeCombinedSummary(ctx, device); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *engine) ProcessSimAllowance(ctx context.Context, orgID string, groupID int64, country string, device *fleetdomain.Device, sim fleetdomain.Sim, payload *fleetdomain.SimUsage) error {
	if payload == nil || payload.Limit <= 0 {
		e.log.Warn("skipping sim with malformed allowance payload",
			zap.String("sn", device.SN),
			zap.String("sim", string(sim)),
		)
		return nil
	}
	usedMB := payload.UsageKB / 1024

	_, err := e.usage.Record(ctx, device, usagedomain.Sample{
		OrgID:    orgID,
		GroupID:  groupID,
		DeviceID: device.DeviceID,
		SN:       device.SN,
		Sim:      sim,
		Enabled:  payload.Enable,
		LimitMB:  payload.Limit,
		Unit:     payload.Unit,
		UsedMB:   usedMB,
		Country:  country,
	})
	if err != nil {
		return err
	}

	if usedMB/payload.Limit*100 <= exhaustionPercent {
		return nil
	}
	pendingReset, err := e.actions.HasPendingThisMonth(ctx, device.DeviceID, sim, actiondomain.ActionMonthlyReset)
	if err != nil {
		return err
	}
	pendingTopup, err := e.actions.HasPendingThisMonth(ctx, device.DeviceID, sim, actiondomain.ActionTopup)
	if err != nil {
		return err
	}
	if pendingReset || pendingTopup {
		return nil
	}

	now := e.clock.Now()
	totals, err := e.usage.Aggregate(ctx, device.DeviceID, sim, now)
	if err != nil {
		return err
	}
	dailyCount, err := e.actions.SuccessfulCount(ctx, device.DeviceID, sim, actiondomain.WindowDaily)
	if err != nil {
		return err
	}
	weeklyCount, err := e.actions.SuccessfulCount(ctx, device.DeviceID, sim, actiondomain.WindowWeekly)
	if err != nil {
		return err
	}

	decision := policy.Evaluate(policy.Input{
		MonthlyBudget:  device.MonthlyBudget,
		YearlyBudget:   device.YearlyBudget,
		MTDExpenditure: totals.MTDExpenditure,
		YTDExpenditure: totals.YTDExpenditure,
		TopupMB:        float64(device.TopupMB),
		Rate:           e.rates.Resolve(ctx, device.RateTableID, country),
		CurrentLimitMB: payload.Limit,
		DailyCount:     dailyCount,
		DailyLimit:     int64(device.DailySTP),
		WeeklyCount:    weeklyCount,
		WeeklyLimit:    int64(device.WeeklySTP),
	})
	e.metrics.TopupDecisions.WithLabelValues(string(decision.Outcome)).Inc()

	if decision.Outcome != policy.Allow {
		e.log.Info("top-up denied",
			zap.String("sn", device.SN),
			zap.String("sim", string(sim)),
			zap.String("reason", decision.State),
		)
		return e.devices.UpdateFields(ctx, orgID, groupID, device.DeviceID, map[string]any{
			"last_topup_status":  fleetdomain.TopupStatusUnsuccessful,
			"last_topup_state":   decision.State,
			"last_topup_attempt": now,
		})
	}

	_, err = e.actions.Enqueue(ctx, actiondomain.EnqueueRequest{
		OrgID:          orgID,
		GroupID:        groupID,
		DeviceID:       device.DeviceID,
		SN:             device.SN,
		Sim:            sim,
		ActionType:     actiondomain.ActionTopup,
		TopupIncrement: int(math.Round(decision.NewLimitMB)),
	})
	if err != nil {
		if errors.Is(err, actiondomain.ErrDuplicatePending) {
			return nil
		}
		return err
	}
	// snapshot for operator visibility; the counters are confirmed when
	// the retry pass lands the top-up
	return e.devices.UpdateFields(ctx, orgID, groupID, device.DeviceID, map[string]any{
		"topup_increment": math.Round(float64(device.TopupMB)/1024*100) / 100,
		"daily_count":     dailyCount,
		"weekly_count":    weeklyCount,
	})
}

func (e *engine) ResetMonthlyAllowances(ctx context.Context) error {
	orgs, err := e.api.ListOrganizations(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, org := range orgs {
		groups, err := e.api.ListGroups(ctx, org.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, group := range groups {
			listings, err := e.api.ListDevices(ctx, org.ID, group.ID, true)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, listing := range listings {
				if !listing.Online() {
					continue
				}
				if err := e.resetDevice(ctx, org.ID, group.ID, listing); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (e *engine) resetDevice(ctx context.Context, orgID string, groupID int64, listing fleetdomain.Listing) error {
	device, err := e.devices.FindBySN(ctx, listing.SN)
	if err != nil {
		if errors.Is(err, fleetdomain.ErrDeviceNotFound) {
			return nil
		}
		return err
	}
	if !device.BudgetsConfigured() {
		return nil
	}
	sims := []struct {
		sim     fleetdomain.Sim
		payload *fleetdomain.SimUsage
	}{
		{fleetdomain.SimA, listing.Sim1},
		{fleetdomain.SimB, listing.Sim2},
	}
	for _, s := range sims {
		if s.payload == nil || !s.payload.Enable {
			continue
		}
		_, err := e.actions.Enqueue(ctx, actiondomain.EnqueueRequest{
			OrgID:      orgID,
			GroupID:    groupID,
			DeviceID:   device.DeviceID,
			SN:         device.SN,
			Sim:        s.sim,
			ActionType: actiondomain.ActionMonthlyReset,
		})
		if err != nil && !errors.Is(err, actiondomain.ErrDuplicatePending) {
			return err
		}
	}
	return nil
}
