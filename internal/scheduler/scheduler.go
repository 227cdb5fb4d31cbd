// Package scheduler runs recurring maintenance jobs on cron expressions.
//
// The bot uses it for nightly housekeeping such as log retention sweeps and
// pruning stale directory records.
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron runner with panic recovery on every job.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a scheduler. Jobs added later are picked up
// without a restart.
func NewScheduler() *Scheduler {
	// Standard 5-field expressions (min, hour, dom, month, dow).
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task on the given cron expression. It returns an error
// when the expression does not parse.
func (s *Scheduler) AddJob(expr string, task func()) error {
	if _, err := s.cron.AddFunc(expr, task); err != nil {
		return err
	}
	slog.Debug("Scheduler.AddJob: job scheduled", "expr", expr)
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
