// Package scheduler drives the node's periodic background work — pool
// ticks, replay-log pruning, chunk-reassembly sweeps — on top of
// robfig/cron. The per-job running-flag guard against overlapping
// executions, and the Start/Stop shape that waits for in-flight jobs
// before returning, are both grounded on the BBS package's own event
// scheduler.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is one named unit of periodic work. Schedule is either a standard
// five-field cron expression or a "@every <duration>" descriptor, used for
// jobs whose period comes straight from a configured time.Duration (the
// pool tick interval) rather than a fixed cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(context.Context) error
}

// Scheduler registers Jobs with an underlying cron.Cron and runs them
// until Stop is called or the context passed to Start is canceled.
type Scheduler struct {
	cron *cron.Cron
	log  *logrus.Entry

	mu      sync.Mutex
	running map[string]bool
}

func New(log *logrus.Entry) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		log:     log,
		running: make(map[string]bool),
	}
}

// Register adds job to the cron scheduler. It must be called before Start.
func (s *Scheduler) Register(job Job) error {
	_, err := s.cron.AddFunc(job.Schedule, func() {
		s.runOnce(job)
	})
	if err != nil {
		return fmt.Errorf("scheduler: registering %s (%q): %w", job.Name, job.Schedule, err)
	}
	return nil
}

// runOnce executes job.Run, skipping the tick entirely if the previous
// invocation of the same job is still in flight rather than queuing or
// running it concurrently.
func (s *Scheduler) runOnce(job Job) {
	s.mu.Lock()
	if s.running[job.Name] {
		s.mu.Unlock()
		s.log.WithField("job", job.Name).Warn("scheduler: previous run still in flight, skipping this tick")
		return
	}
	s.running[job.Name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, job.Name)
		s.mu.Unlock()
	}()

	if err := job.Run(context.Background()); err != nil {
		s.log.WithError(err).WithField("job", job.Name).Warn("scheduler: job returned an error")
	}
}

// Start begins dispatching every registered Job and blocks until ctx is
// canceled, then stops the cron scheduler and waits for any in-flight job
// to finish before returning.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.log.Info("scheduler: started")

	<-ctx.Done()

	s.log.Info("scheduler: stopping")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.log.Info("scheduler: stopped")
}

// Every builds the "@every <duration>" descriptor cron expects for a job
// whose period is a plain time.Duration rather than a calendar schedule.
func Every(duration string) string {
	return "@every " + duration
}
