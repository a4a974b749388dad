package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fleetwise/fleetquota/internal/clock"
	fleetdomain "github.com/fleetwise/fleetquota/internal/fleet/domain"
	"github.com/fleetwise/fleetquota/internal/policyinfo/domain"
	"github.com/fleetwise/fleetquota/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// scheduledSweepWindow is how far back the scheduled-item sweep looks.
const scheduledSweepWindow = time.Hour

const applyQueueSize = 64

type Params struct {
	fx.In

	DB      *gorm.DB
	GenID   *snowflake.Node
	Log     *zap.Logger
	Clock   clock.Clock
	Devices fleetdomain.Repository
}

type Service struct {
	db      *gorm.DB
	genID   *snowflake.Node
	log     *zap.Logger
	clock   clock.Clock
	devices fleetdomain.Repository

	budgets      repository.Repository[domain.BudgetInfo]
	budgetStarts repository.Repository[domain.BudgetStartInfo]
	stps         repository.Repository[domain.STPInfo]
	topups       repository.Repository[domain.TopupInfo]

	queue chan applyTask
	stop  chan struct{}
	done  chan struct{}
}

type applyTask func(ctx context.Context) error

func New(p Params) *Service {
	return &Service{
		db:           p.DB,
		genID:        p.GenID,
		log:          p.Log.Named("policyinfo"),
		clock:        p.Clock,
		devices:      p.Devices,
		budgets:      repository.ProvideStore[domain.BudgetInfo](p.DB),
		budgetStarts: repository.ProvideStore[domain.BudgetStartInfo](p.DB),
		stps:         repository.ProvideStore[domain.STPInfo](p.DB),
		topups:       repository.ProvideStore[domain.TopupInfo](p.DB),
		queue:        make(chan applyTask, applyQueueSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

var Module = fx.Module("policyinfo",
	fx.Provide(
		New,
		func(s *Service) domain.Service { return s },
	),
	fx.Invoke(registerHooks),
)

func registerHooks(lc fx.Lifecycle, s *Service) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(s.stop)
			select {
			case <-s.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

// run drains the apply queue. Queued work is applied off the request path but
// still observably: failures are logged against the persisted request row.
func (s *Service) run() {
	defer close(s.done)
	for {
		select {
		case task := <-s.queue:
			s.apply(task)
		case <-s.stop:
			for {
				select {
				case task := <-s.queue:
					s.apply(task)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) apply(task applyTask) {
	if err := task(context.Background()); err != nil {
		s.log.Error("applying policy request failed", zap.Error(err))
	}
}

// submit hands a task to the worker. After shutdown the task is dropped and
// the persisted request row stays pending.
func (s *Service) submit(task applyTask) {
	select {
	case <-s.stop:
		s.log.Warn("apply queue stopped, request stays pending")
	case s.queue <- task:
	}
}

// deferUntil reports whether a request explicitly scheduled for the future
// should stay pending.
func deferUntil(sel domain.Selection, now time.Time) bool {
	return sel.IsScheduled && sel.ConfigTime != nil && sel.ConfigTime.After(now)
}

func (s *Service) stamp(sel *domain.Selection) {
	if sel.Status == "" {
		sel.Status = domain.StatusPending
	}
}

func (s *Service) AddBudgetInfo(ctx context.Context, info *domain.BudgetInfo) error {
	info.ID = s.genID.Generate()
	info.CreatedAt = s.clock.Now()
	info.UpdatedAt = info.CreatedAt
	s.stamp(&info.Selection)
	if err := s.budgets.Create(ctx, info); err != nil {
		return err
	}
	s.submit(func(ctx context.Context) error { return s.applyBudget(ctx, info) })
	return nil
}

func (s *Service) AddBudgetStartInfo(ctx context.Context, info *domain.BudgetStartInfo) error {
	info.ID = s.genID.Generate()
	info.CreatedAt = s.clock.Now()
	info.UpdatedAt = info.CreatedAt
	s.stamp(&info.Selection)
	if err := s.budgetStarts.Create(ctx, info); err != nil {
		return err
	}
	s.submit(func(ctx context.Context) error { return s.applyBudgetStart(ctx, info) })
	return nil
}

func (s *Service) AddSTPInfo(ctx context.Context, info *domain.STPInfo) error {
	info.ID = s.genID.Generate()
	info.CreatedAt = s.clock.Now()
	info.UpdatedAt = info.CreatedAt
	s.stamp(&info.Selection)
	if err := s.stps.Create(ctx, info); err != nil {
		return err
	}
	s.submit(func(ctx context.Context) error { return s.applySTP(ctx, info) })
	return nil
}

func (s *Service) AddTopupInfo(ctx context.Context, info *domain.TopupInfo) error {
	info.ID = s.genID.Generate()
	info.CreatedAt = s.clock.Now()
	info.UpdatedAt = info.CreatedAt
	s.stamp(&info.Selection)
	if err := s.topups.Create(ctx, info); err != nil {
		return err
	}
	s.submit(func(ctx context.Context) error { return s.applyTopup(ctx, info) })
	return nil
}

func (s *Service) applyBudget(ctx context.Context, info *domain.BudgetInfo) error {
	if deferUntil(info.Selection, s.clock.Now()) {
		return nil
	}
	if err := s.fanOut(ctx, info.Selection, map[string]any{
		"monthly_budget": info.MonthlyBudget,
		"yearly_budget":  info.YearlyBudget,
	}); err != nil {
		return err
	}
	return s.markProcessed(ctx, s.budgets, info.ID)
}

func (s *Service) applyBudgetStart(ctx context.Context, info *domain.BudgetStartInfo) error {
	now := s.clock.Now()
	if deferUntil(info.Selection, now) {
		return nil
	}
	// the yearly window only starts counting once its start date arrives
	if info.YearBudgetStart.After(now) {
		return nil
	}
	if err := s.fanOut(ctx, info.Selection, map[string]any{
		"year_budget_start": info.YearBudgetStart,
	}); err != nil {
		return err
	}
	return s.markProcessed(ctx, s.budgetStarts, info.ID)
}

func (s *Service) applySTP(ctx context.Context, info *domain.STPInfo) error {
	if deferUntil(info.Selection, s.clock.Now()) {
		return nil
	}
	if err := s.fanOut(ctx, info.Selection, map[string]any{
		"daily_stp":  info.DailySTP,
		"weekly_stp": info.WeeklySTP,
	}); err != nil {
		return err
	}
	return s.markProcessed(ctx, s.stps, info.ID)
}

func (s *Service) applyTopup(ctx context.Context, info *domain.TopupInfo) error {
	if deferUntil(info.Selection, s.clock.Now()) {
		return nil
	}
	if err := s.fanOut(ctx, info.Selection, map[string]any{
		"topup_mb": info.TopupMB,
	}); err != nil {
		return err
	}
	return s.markProcessed(ctx, s.topups, info.ID)
}

// fanOut updates every device of the org/group whose tags contain the
// request's selector.
func (s *Service) fanOut(ctx context.Context, sel domain.Selection, fields map[string]any) error {
	var selector fleetdomain.TagSelector
	if len(sel.DeviceSelectionTags) > 0 {
		if err := json.Unmarshal(sel.DeviceSelectionTags, &selector); err != nil {
			return err
		}
	}
	devices, err := s.devices.ListBySelection(ctx, sel.OrgID, sel.GroupID, selector)
	if err != nil {
		return err
	}
	var errs []error
	for _, device := range devices {
		err := s.devices.UpdateFields(ctx, device.OrgID, device.GroupID, device.DeviceID, fields)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) markProcessed(ctx context.Context, store interface {
	Update(ctx context.Context, resourceID int64, resource any) error
}, id snowflake.ID) error {
	return store.Update(ctx, id.Int64(), map[string]any{
		"status":     domain.StatusProcessed,
		"updated_at": s.clock.Now(),
	})
}

// ProcessScheduledItems picks up pending scheduled requests whose config time
// fell within the last hour and applies them.
func (s *Service) ProcessScheduledItems(ctx context.Context) error {
	now := s.clock.Now()
	since := now.Add(-scheduledSweepWindow)
	due := func(sel domain.Selection) bool {
		return sel.Status == domain.StatusPending && sel.IsScheduled &&
			sel.ConfigTime != nil && sel.ConfigTime.After(since) && !sel.ConfigTime.After(now)
	}

	var errs []error

	budgets, err := s.budgets.Find(ctx, &domain.BudgetInfo{Selection: domain.Selection{Status: domain.StatusPending}})
	if err != nil {
		errs = append(errs, err)
	}
	for _, info := range budgets {
		if due(info.Selection) {
			if err := s.applyBudget(ctx, info); err != nil {
				errs = append(errs, err)
			}
		}
	}

	starts, err := s.budgetStarts.Find(ctx, &domain.BudgetStartInfo{Selection: domain.Selection{Status: domain.StatusPending}})
	if err != nil {
		errs = append(errs, err)
	}
	for _, info := range starts {
		if due(info.Selection) {
			if err := s.applyBudgetStart(ctx, info); err != nil {
				errs = append(errs, err)
			}
		}
	}

	stps, err := s.stps.Find(ctx, &domain.STPInfo{Selection: domain.Selection{Status: domain.StatusPending}})
	if err != nil {
		errs = append(errs, err)
	}
	for _, info := range stps {
		if due(info.Selection) {
			if err := s.applySTP(ctx, info); err != nil {
				errs = append(errs, err)
			}
		}
	}

	topups, err := s.topups.Find(ctx, &domain.TopupInfo{Selection: domain.Selection{Status: domain.StatusPending}})
	if err != nil {
		errs = append(errs, err)
	}
	for _, info := range topups {
		if due(info.Selection) {
			if err := s.applyTopup(ctx, info); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

func (s *Service) ListBudgetInfos(ctx context.Context, orgID string, groupID int64) ([]*domain.BudgetInfo, error) {
	return s.budgets.Find(ctx, &domain.BudgetInfo{Selection: domain.Selection{OrgID: orgID, GroupID: groupID}})
}

func (s *Service) ListBudgetStartInfos(ctx context.Context, orgID string, groupID int64) ([]*domain.BudgetStartInfo, error) {
	return s.budgetStarts.Find(ctx, &domain.BudgetStartInfo{Selection: domain.Selection{OrgID: orgID, GroupID: groupID}})
}

func (s *Service) ListSTPInfos(ctx context.Context, orgID string, groupID int64) ([]*domain.STPInfo, error) {
	return s.stps.Find(ctx, &domain.STPInfo{Selection: domain.Selection{OrgID: orgID, GroupID: groupID}})
}

func (s *Service) ListTopupInfos(ctx context.Context, orgID string, groupID int64) ([]*domain.TopupInfo, error) {
	return s.topups.Find(ctx, &domain.TopupInfo{Selection: domain.Selection{OrgID: orgID, GroupID: groupID}})
}
