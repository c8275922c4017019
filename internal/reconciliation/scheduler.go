package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs reconciliation every fifteen minutes.
const DefaultSchedule = "@every 15m"

// Scheduler runs the Runner on a cron schedule.
type Scheduler struct {
	runner *Runner
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
}

// NewScheduler validates spec (standard five-field cron or a descriptor
// such as "@every 5m") and prepares a scheduler.
func NewScheduler(runner *Runner, spec string, logger *slog.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	s := &Scheduler{
		runner: runner,
		logger: logger,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
	}
	if _, err := s.cron.AddFunc(spec, s.safeRun); err != nil {
		return nil, fmt.Errorf("reconciliation: bad schedule %q: %w", spec, err)
	}
	return s, nil
}

// Running reports whether the scheduler is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start begins scheduled runs. Runs use ctx until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.running = true
	go func(done <-chan struct{}) {
		<-done
		s.Stop()
	}(s.runCtx.Done())
}

// Stop halts scheduling and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) safeRun() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in reconciliation run", "panic", fmt.Sprint(r))
		}
	}()

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if _, err := s.runner.RunAll(ctx); err != nil {
		s.logger.Warn("reconciliation run failed", "error", err)
	}
}
