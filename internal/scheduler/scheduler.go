// Package scheduler runs the recurring jobs that drive the quota cycle.
// It assumes a single running instance; there is no distributed lock, and
// duplicate dispatch is prevented only by the job log of this process's
// database.
package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	actiondomain "github.com/fleetwise/fleetquota/internal/action/domain"
	"github.com/fleetwise/fleetquota/internal/clock"
	"github.com/fleetwise/fleetquota/internal/config"
	"github.com/fleetwise/fleetquota/internal/observability/metrics"
	policyinfodomain "github.com/fleetwise/fleetquota/internal/policyinfo/domain"
	quotadomain "github.com/fleetwise/fleetquota/internal/quota/domain"
	ratedomain "github.com/fleetwise/fleetquota/internal/rate/domain"
	"github.com/fleetwise/fleetquota/internal/scheduler/domain"
	"github.com/fleetwise/fleetquota/pkg/db/option"
	"github.com/fleetwise/fleetquota/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// tickInterval is how often the job table is re-evaluated. It only bounds
// dispatch latency; each job's own frequency decides whether it fires.
const tickInterval = 5 * time.Second

type Handler func(ctx context.Context) error

type Params struct {
	fx.In

	DB         *gorm.DB
	GenID      *snowflake.Node
	Log        *zap.Logger
	Clock      clock.Clock
	Config     config.Config
	Engine     quotadomain.Engine
	Actions    actiondomain.Service
	PolicyInfo policyinfodomain.Service
	Rates      ratedomain.Service
	Metrics    *metrics.Metrics
}

type Scheduler struct {
	jobs     []JobConfig
	handlers map[string]Handler
	logs     repository.Repository[domain.JobLog]
	genID    *snowflake.Node
	log      *zap.Logger
	clock    clock.Clock
	metrics  *metrics.Metrics
	stop     chan struct{}
	stopped  chan struct{}
}

func New(p Params) (*Scheduler, error) {
	jobs, err := LoadJobs(p.Config.JobConfigFile)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		jobs: jobs,
		handlers: map[string]Handler{
			JobProcessDevices:   p.Engine.ProcessDevices,
			JobResetAllowances:  p.Engine.ResetMonthlyAllowances,
			JobProcessActions:   p.Actions.ProcessPending,
			JobProcessInfoItems: p.PolicyInfo.ProcessScheduledItems,
			JobProcessRateLists: p.Rates.ProcessPending,
		},
		logs:    repository.ProvideStore[domain.JobLog](p.DB),
		genID:   p.GenID,
		log:     p.Log.Named("scheduler"),
		clock:   p.Clock,
		metrics: p.Metrics,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(registerHooks),
)

func registerHooks(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.Run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(s.stop)
			select {
			case <-s.stopped:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func (s *Scheduler) Run() {
	defer close(s.stopped)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick evaluates every configured job once and dispatches the due ones.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()
	for _, job := range s.jobs {
		handler, ok := s.handlers[job.Function]
		if !ok {
			s.log.Warn("job has no handler", zap.String("function", job.Function))
			continue
		}
		last, err := s.lastRun(ctx, job.Function)
		if err != nil {
			s.log.Error("job log lookup failed, retrying next tick",
				zap.String("function", job.Function),
				zap.Error(err),
			)
			continue
		}
		fire, err := due(job, last, now)
		if err != nil {
			s.log.Error("job due-check failed, retrying next tick",
				zap.String("function", job.Function),
				zap.Error(err),
			)
			continue
		}
		if !fire {
			continue
		}
		// Log before dispatching: a crash mid-run counts as "ran" and the
		// occurrence is skipped rather than duplicated on restart.
		entry := &domain.JobLog{
			ID:            s.genID.Generate(),
			FunctionName:  job.Function,
			ExecutionTime: now,
		}
		if err := s.logs.Create(ctx, entry); err != nil {
			s.log.Error("recording job dispatch failed",
				zap.String("function", job.Function),
				zap.Error(err),
			)
			continue
		}
		go s.dispatch(job.Function, handler)
	}
}

func (s *Scheduler) lastRun(ctx context.Context, function string) (*time.Time, error) {
	row, err := s.logs.FindOne(ctx, &domain.JobLog{FunctionName: function},
		option.WithOrder("execution_time DESC"),
	)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return &row.ExecutionTime, nil
}

func (s *Scheduler) dispatch(function string, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.JobErrors.WithLabelValues(function).Inc()
			s.log.Error("job panicked", zap.String("function", function), zap.Any("panic", r))
		}
	}()
	s.metrics.JobRuns.WithLabelValues(function).Inc()
	start := time.Now()
	err := handler(context.Background())
	s.metrics.JobDuration.WithLabelValues(function).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.JobErrors.WithLabelValues(function).Inc()
		s.log.Error("job failed", zap.String("function", function), zap.Error(err))
		return
	}
	s.log.Info("job completed",
		zap.String("function", function),
		zap.Duration("took", time.Since(start)),
	)
}
