// Package scheduler runs the periodic maintenance sweeps: session eviction,
// inbox retention, and archive vacuuming. Schedules are cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Job is one named sweep with its cron schedule.
type Job struct {
	Name string
	Expr string
	Run  func()
}

// Scheduler ticks once a minute and runs every job whose expression is due.
type Scheduler struct {
	gron *gronx.Gronx
	jobs []Job
	log  *slog.Logger
}

func New(log *slog.Logger) *Scheduler {
	return &Scheduler{
		gron: gronx.New(),
		log:  log.With("component", "scheduler"),
	}
}

// Add registers a job. Invalid expressions are rejected so a config typo
// fails at startup, not silently at runtime.
func (s *Scheduler) Add(name, expr string, run func()) error {
	if !s.gron.IsValid(expr) {
		return fmt.Errorf("scheduler: invalid cron expression %q for %s", expr, name)
	}
	s.jobs = append(s.jobs, Job{Name: name, Expr: expr, Run: run})
	s.log.Debug("scheduler.job_added", "job", name, "expr", expr)
	return nil
}

// Start blocks, ticking at the top of every minute, until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if len(s.jobs) == 0 {
		s.log.Debug("scheduler.idle", "jobs", 0)
		<-ctx.Done()
		return
	}
	s.log.Info("scheduler.started", "jobs", len(s.jobs))

	// Align to minute boundaries so due checks see each minute exactly once.
	timer := time.NewTimer(time.Until(time.Now().Truncate(time.Minute).Add(time.Minute)))
	defer timer.Stop()

	for {
		select {
		case now := <-timer.C:
			s.tick(now)
			timer.Reset(time.Until(now.Truncate(time.Minute).Add(time.Minute)))
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	for _, job := range s.jobs {
		due, err := s.gron.IsDue(job.Expr, now)
		if err != nil || !due {
			continue
		}
		start := time.Now()
		s.runJob(job)
		s.log.Debug("scheduler.job_done", "job", job.Name, "elapsed", time.Since(start))
	}
}

func (s *Scheduler) runJob(job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler.job_panic", "job", job.Name, "panic", r)
		}
	}()
	job.Run()
}
