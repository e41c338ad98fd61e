package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/order"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// SchedulerOpts holds parameters for creating a Scheduler.
type SchedulerOpts struct {
	Service  *Service
	Schedule config.ScheduleConfig
	Now      func() time.Time
	Logger   *zap.Logger
}

// Scheduler runs the periodic jobs: payment reminders for orders that sit
// in awaiting_payment, and a sweep that gives threadless orders a thread
// and a card once the platform is reachable again.
type Scheduler struct {
	svc        *Service
	cron       *cron.Cron
	afterHours time.Duration
	now        func() time.Time
	logger     *zap.Logger
	ctx        context.Context
}

// NewScheduler creates a Scheduler with the enabled jobs registered.
func NewScheduler(opts SchedulerOpts) (*Scheduler, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("workflow: scheduler: service is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	clog := cronLogger{opts.Logger.Sugar()}
	s := &Scheduler{
		svc: opts.Service,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		afterHours: time.Duration(opts.Schedule.PaymentReminder.AfterHours) * time.Hour,
		now:        opts.Now,
		logger:     opts.Logger,
		ctx:        context.Background(),
	}

	if r := opts.Schedule.PaymentReminder; r.Enabled {
		if _, err := s.cron.AddFunc(r.Cron, s.job("payment reminder", s.RemindUnpaid)); err != nil {
			return nil, fmt.Errorf("workflow: schedule payment reminder %q: %w", r.Cron, err)
		}
	}
	if r := opts.Schedule.Resync; r.Enabled {
		if _, err := s.cron.AddFunc(r.Cron, s.job("resync sweep", s.ResyncSweep)); err != nil {
			return nil, fmt.Errorf("workflow: schedule resync sweep %q: %w", r.Cron, err)
		}
	}
	return s, nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Run starts the jobs and blocks until ctx is cancelled, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("workflow: scheduler started", zap.Int("jobs", s.Jobs()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("workflow: scheduler stopped")
	return nil
}

func (s *Scheduler) job(name string, fn func(context.Context) (int, error)) func() {
	return func() {
		n, err := fn(s.ctx)
		if err != nil {
			s.logger.Error("workflow: job failed", zap.String("job", name), zap.Error(err))
			return
		}
		s.logger.Debug("workflow: job done", zap.String("job", name), zap.Int("orders", n))
	}
}

// RemindUnpaid reminds every customer whose order has waited for payment
// longer than the configured number of hours. It returns how many
// reminders went out.
func (s *Scheduler) RemindUnpaid(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.afterHours)
	orders, err := s.svc.Orders().ListByStatus(ctx, []order.Status{order.StatusAwaitingPayment}, cutoff)
	if err != nil {
		return 0, fmt.Errorf("workflow: remind unpaid: %w", err)
	}
	sent := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.svc.Remind(ctx, o.ID, order.ActorSystem); err != nil {
			s.logger.Info("workflow: reminder skipped", zap.Uint("order_id", o.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

// ResyncSweep renders cards for active order conversations that have no
// thread yet. It returns how many were repaired.
func (s *Scheduler) ResyncSweep(ctx context.Context) (int, error) {
	convs, err := s.svc.registry.Unthreaded(ctx)
	if err != nil {
		return 0, fmt.Errorf("workflow: resync sweep: %w", err)
	}
	fixed := 0
	for _, conv := range convs {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.svc.Resync(ctx, *conv.OrderID); err != nil {
			s.logger.Warn("workflow: resync", zap.Uintp("order_id", conv.OrderID), zap.Error(err))
			continue
		}
		fixed++
	}
	return fixed, nil
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
