// Package scheduler resubmits graph configurations to a worker pool on cron
// schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/control/internal/worker"
	"github.com/rendis/control/pkg/schema"
)

// Run statuses recorded on a Job.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// DefaultInterval is how often due jobs are checked.
const DefaultInterval = time.Second

// Submitter queues a graph run. Satisfied by *worker.Pool.
type Submitter interface {
	Run(payload schema.TaskPayload) (*worker.Task, error)
}

// Job is a graph configuration submitted on a cron schedule.
type Job struct {
	ID            string
	Cron          string
	Graph         schema.GraphConfig
	Inputs        map[string]any
	NextRunAt     time.Time
	LastRunAt     time.Time
	LastRunStatus string
	Runs          int
}

// Options configures a Scheduler.
type Options struct {
	Interval time.Duration
	Logger   *slog.Logger
	// Now replaces the wall clock.
	Now func() time.Time
}

// Scheduler checks its jobs on every interval and submits those that are due.
// A job whose previous run has not finished is skipped for that occurrence.
type Scheduler struct {
	submit   Submitter
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	jobsMu   sync.Mutex
	jobs     map[string]*Job
	order    []string
	inflight map[string]string // task ID -> job ID
}

// New creates a Scheduler submitting to submit.
func New(submit Submitter, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		submit:   submit,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   opts.Logger,
		interval: opts.Interval,
		now:      opts.Now,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]string),
	}
}

// Add schedules graph under id. The first run is the next occurrence of
// cronExpr after now.
func (s *Scheduler) Add(id, cronExpr string, graph schema.GraphConfig, inputs map[string]any) error {
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "job id is mandatory")
	}
	next, err := s.CalculateNextRun(cronExpr, s.now())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "job %s: invalid schedule", id).WithCause(err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.jobs[id]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %s is already scheduled", id)
	}
	s.jobs[id] = &Job{
		ID:            id,
		Cron:          cronExpr,
		Graph:         graph,
		Inputs:        inputs,
		NextRunAt:     next,
		LastRunStatus: StatusPending,
	}
	s.order = append(s.order, id)
	return nil
}

// Remove unschedules a job. Runs already submitted are not affected.
func (s *Scheduler) Remove(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %s not found", id)
	}
	delete(s.jobs, id)
	for i, jid := range s.order {
		if jid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Jobs returns a snapshot of the scheduled jobs in insertion order.
func (s *Scheduler) Jobs() []Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.jobs[id])
	}
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick submits every job that is due.
func (s *Scheduler) tick() {
	now := s.now()

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	for _, id := range s.order {
		job := s.jobs[id]
		if job.NextRunAt.After(now) {
			continue
		}
		s.runJob(job, now)
	}
}

// runJob submits job and advances its schedule. Must be called with jobsMu held.
func (s *Scheduler) runJob(job *Job, now time.Time) {
	next, err := s.CalculateNextRun(job.Cron, now)
	if err != nil {
		// Validated by Add.
		s.logger.Error("failed to calculate next run", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	job.NextRunAt = next

	if s.busyLocked(job.ID) {
		s.logger.Warn("skipping overlapping run", slog.String("job_id", job.ID))
		job.LastRunStatus = StatusSkipped
		return
	}

	job.LastRunAt = now
	job.Runs++

	graph := job.Graph
	task, err := s.submit.Run(schema.TaskPayload{Graph: &graph, Inputs: job.Inputs})
	if err != nil {
		job.LastRunStatus = StatusError
		s.logger.Error("failed to submit scheduled run",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	job.LastRunStatus = StatusPending
	s.inflight[task.ID] = job.ID
	s.logger.Info("submitted scheduled run",
		slog.String("job_id", job.ID),
		slog.String("task_id", task.ID),
		slog.Time("next_run_at", next),
	)
}

func (s *Scheduler) busyLocked(jobID string) bool {
	for _, jid := range s.inflight {
		if jid == jobID {
			return true
		}
	}
	return false
}

// Finish records the outcome of a submitted task. Tasks the scheduler did
// not submit are ignored.
func (s *Scheduler) Finish(taskID string, runErr error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	jobID, ok := s.inflight[taskID]
	if !ok {
		return
	}
	delete(s.inflight, taskID)

	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	if runErr != nil {
		job.LastRunStatus = StatusError
		return
	}
	job.LastRunStatus = StatusSuccess
}

// Observe feeds the scheduler the task outcomes of pool.
func (s *Scheduler) Observe(pool *worker.Pool) error {
	if _, err := pool.On(worker.EventTaskDone, func(e worker.Event) { s.Finish(e.TaskID, nil) }); err != nil {
		return err
	}
	_, err := pool.On(worker.EventTaskError, func(e worker.Event) {
		var runErr error = schema.NewError(schema.ErrCodeGraph, "task failed")
		if e.Message != nil && e.Message.Error != nil {
			runErr = e.Message.Error
		}
		s.Finish(e.TaskID, runErr)
	})
	return err
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts the loop down and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
