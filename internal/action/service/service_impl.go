package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fleetwise/fleetquota/internal/action/domain"
	"github.com/fleetwise/fleetquota/internal/clock"
	fleetdomain "github.com/fleetwise/fleetquota/internal/fleet/domain"
	"github.com/fleetwise/fleetquota/internal/observability/metrics"
	"github.com/fleetwise/fleetquota/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// resetLimitMB is the allowance applied by a monthly reset.
const resetLimitMB = 1

type Params struct {
	fx.In

	DB      *gorm.DB
	GenID   *snowflake.Node
	Log     *zap.Logger
	Clock   clock.Clock
	API     fleetdomain.API
	Devices fleetdomain.Repository
	Metrics *metrics.Metrics
}

type service struct {
	db      *gorm.DB
	genID   *snowflake.Node
	log     *zap.Logger
	clock   clock.Clock
	api     fleetdomain.API
	devices fleetdomain.Repository
	actions repository.Repository[domain.ScheduledAction]
	metrics *metrics.Metrics
}

func New(p Params) domain.Service {
	return &service{
		db:      p.DB,
		genID:   p.GenID,
		log:     p.Log.Named("action"),
		clock:   p.Clock,
		api:     p.API,
		devices: p.Devices,
		actions: repository.ProvideStore[domain.ScheduledAction](p.DB),
		metrics: p.Metrics,
	}
}

var Module = fx.Module("action",
	fx.Provide(New),
)

func monthWindow(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 1, 0)
}

func (s *service) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.ScheduledAction, error) {
	pending, err := s.HasPendingThisMonth(ctx, req.DeviceID, req.Sim, req.ActionType)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, domain.ErrDuplicatePending
	}
	now := s.clock.Now()
	action := &domain.ScheduledAction{
		ID:             s.genID.Generate(),
		OrgID:          req.OrgID,
		GroupID:        req.GroupID,
		DeviceID:       req.DeviceID,
		SN:             req.SN,
		Sim:            req.Sim,
		ActionType:     req.ActionType,
		TopupIncrement: req.TopupIncrement,
		ActionStatus:   domain.StatusPending,
		LastAttempt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.actions.Create(ctx, action); err != nil {
		return nil, err
	}
	s.log.Info("action enqueued",
		zap.String("sn", req.SN),
		zap.String("sim", string(req.Sim)),
		zap.String("action_type", string(req.ActionType)),
		zap.Int("topup_increment", req.TopupIncrement),
	)
	return action, nil
}

func (s *service) HasPendingThisMonth(ctx context.Context, deviceID int64, sim fleetdomain.Sim, actionType domain.ActionType) (bool, error) {
	start, end := monthWindow(s.clock.Now())
	var count int64
	err := s.db.WithContext(ctx).
		Model(&domain.ScheduledAction{}).
		Where("device_id = ? AND sim = ? AND action_type = ? AND action_status = ? AND last_attempt >= ? AND last_attempt < ?",
			deviceID, sim, actionType, domain.StatusPending, start, end).
		Count(&count).Error
	return count > 0, err
}

// ProcessPending applies this month's pending actions. Resets run before
// topups so a reset and a topup queued for the same sim land in order.
func (s *service) ProcessPending(ctx context.Context) error {
	var errs []error
	for _, actionType := range []domain.ActionType{domain.ActionMonthlyReset, domain.ActionTopup} {
		batch, err := s.pendingThisMonth(ctx, actionType)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, action := range batch {
			if err := s.apply(ctx, action); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *service) pendingThisMonth(ctx context.Context, actionType domain.ActionType) ([]*domain.ScheduledAction, error) {
	start, end := monthWindow(s.clock.Now())
	var batch []*domain.ScheduledAction
	err := s.db.WithContext(ctx).
		Where("action_type = ? AND action_status = ? AND last_attempt >= ? AND last_attempt < ?",
			actionType, domain.StatusPending, start, end).
		Order("created_at ASC").
		Find(&batch).Error
	return batch, err
}

func (s *service) apply(ctx context.Context, action *domain.ScheduledAction) error {
	limit := resetLimitMB
	if action.ActionType == domain.ActionTopup {
		limit = action.TopupIncrement
	}
	ok, err := s.api.ApplySimAllowance(ctx, action.OrgID, action.GroupID, action.DeviceID, action.Sim, limit)
	now := s.clock.Now()

	status, state := domain.StatusSuccessful, fleetdomain.StateOK
	if err != nil || !ok {
		status, state = domain.StatusUnsuccessful, fleetdomain.StateAPIFailure
		s.log.Warn("action failed",
			zap.String("sn", action.SN),
			zap.String("action_type", string(action.ActionType)),
			zap.Error(err),
		)
	}
	s.metrics.ActionResults.WithLabelValues(string(action.ActionType), status).Inc()

	if err := s.actions.Update(ctx, action.ID.Int64(), map[string]any{
		"action_status": status,
		"action_state":  state,
		"last_attempt":  now,
		"updated_at":    now,
	}); err != nil {
		return err
	}

	if action.ActionType != domain.ActionTopup {
		return nil
	}
	fields := map[string]any{
		"last_topup_status":  status,
		"last_topup_state":   state,
		"last_topup_attempt": now,
	}
	if status == domain.StatusSuccessful {
		fields["daily_count"] = gorm.Expr("daily_count + 1")
		fields["weekly_count"] = gorm.Expr("weekly_count + 1")
	}
	return s.devices.UpdateFields(ctx, action.OrgID, action.GroupID, action.DeviceID, fields)
}

func (s *service) SuccessfulCount(ctx context.Context, deviceID int64, sim fleetdomain.Sim, window domain.CountWindow) (int64, error) {
	now := s.clock.Now()
	var start, end time.Time
	switch window {
	case domain.WindowWeekly:
		// ISO week, Monday through Sunday
		offset := (int(now.Weekday()) + 6) % 7
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, -offset)
		end = start.AddDate(0, 0, 7)
	default:
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		end = start.AddDate(0, 0, 1)
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&domain.ScheduledAction{}).
		Where("device_id = ? AND sim = ? AND action_type = ? AND action_status = ? AND last_attempt >= ? AND last_attempt < ?",
			deviceID, sim, domain.ActionTopup, domain.StatusSuccessful, start, end).
		Count(&count).Error
	return count, err
}
