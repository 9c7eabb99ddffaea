// Package schedule runs recurring backups on a cron expression.
package schedule

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/tis24dev/treesave/internal/logging"
	"github.com/tis24dev/treesave/internal/types"
)

// RunFunc executes one backup run and returns its exit code.
type RunFunc func(ctx context.Context) (types.ExitCode, error)

// Scheduler triggers backup runs on a cron schedule. Runs never overlap:
// the destination lock already bounds concurrency, and a still-running job
// makes the next tick skip with a warning.
type Scheduler struct {
	logger *logging.Logger
	cron   *cron.Cron
	spec   string
}

// New validates the cron expression and builds a scheduler. The expression
// uses the standard five-field format.
func New(logger *logging.Logger, spec string) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return &Scheduler{
		logger: logger,
		cron:   cron.New(),
		spec:   spec,
	}, nil
}

// Run blocks until ctx is cancelled, executing fn at every cron tick. A
// tick that fires while the previous run is still active is skipped.
func (s *Scheduler) Run(ctx context.Context, fn RunFunc) error {
	running := make(chan struct{}, 1)

	_, err := s.cron.AddFunc(s.spec, func() {
		select {
		case running <- struct{}{}:
		default:
			s.logger.Warning("Previous scheduled run still active, skipping this tick")
			return
		}
		defer func() { <-running }()

		s.logger.Info("Scheduled run starting")
		code, err := fn(ctx)
		if err != nil {
			s.logger.Error("Scheduled run finished with exit code %d: %v", code.Int(), err)
			return
		}
		s.logger.Info("Scheduled run finished with exit code %d", code.Int())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job: %w", err)
	}

	s.logger.Info("Scheduler started with expression %q", s.spec)
	s.cron.Start()
	<-ctx.Done()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Scheduler stopped")
	return ctx.Err()
}
