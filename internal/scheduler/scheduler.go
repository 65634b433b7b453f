// Package scheduler runs the tracker's background jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"dhan-tracker/internal/logging"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job already running")
)

// Job represents a scheduled job
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

type funcJob struct {
	name string
	fn   func(ctx context.Context) error
}

func (j funcJob) Name() string                  { return j.name }
func (j funcJob) Run(ctx context.Context) error { return j.fn(ctx) }

// NewJob wraps fn as a Job.
func NewJob(name string, fn func(ctx context.Context) error) Job {
	return funcJob{name: name, fn: fn}
}

// RunRecorder persists when each job last ran.
type RunRecorder interface {
	LastRun(job string) time.Time
	SetLastRun(job string, t time.Time) error
}

// JobStatus describes a registered job.
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Next      time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Running   bool      `json:"running"`
	Runs      int       `json:"runs"`
}

type entry struct {
	job      Job
	schedule string
	id       cron.EntryID
	lastRun  time.Time
	lastErr  string
	running  bool
	runs     int
}

// Scheduler manages background jobs
type Scheduler struct {
	cron     *cron.Cron
	loc      *time.Location
	log      zerolog.Logger
	recorder RunRecorder
	timeout  time.Duration
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*entry
}

// New creates a scheduler evaluating cron specs in loc.
func New(loc *time.Location, log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		loc:     loc,
		log:     log,
		timeout: 10 * time.Minute,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*entry),
	}
}

// WithRecorder persists last-run times through r.
func (s *Scheduler) WithRecorder(r RunRecorder) *Scheduler {
	s.recorder = r
	return s
}

// WithTimeout bounds each job run.
func (s *Scheduler) WithTimeout(d time.Duration) *Scheduler {
	s.timeout = d
	return s
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a new job with cron schedule
// Schedule examples:
//   - "*/15 9-15 * * 1-5"  - Every 15 minutes in market hours
//   - "20 9 * * 1-5"       - 09:20 on weekdays
//   - "@every 23h"         - Every 23 hours
func (s *Scheduler) AddJob(schedule string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %q already registered", job.Name())
	}

	e := &entry{job: job, schedule: schedule}
	if s.recorder != nil {
		e.lastRun = s.recorder.LastRun(job.Name())
	}

	id, err := s.cron.AddFunc(schedule, func() {
		if err := s.run(s.ctx, e); err != nil && !errors.Is(err, ErrJobRunning) {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("Job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", job.Name(), err)
	}
	e.id = id
	s.jobs[job.Name()] = e

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")

	return nil
}

// RunNow executes a job immediately (outside schedule)
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	s.log.Info().Str("job", name).Msg("Running job immediately")
	return s.run(ctx, e)
}

func (s *Scheduler) run(ctx context.Context, e *entry) error {
	s.mu.Lock()
	if e.running {
		s.mu.Unlock()
		return ErrJobRunning
	}
	e.running = true
	s.mu.Unlock()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := s.now()
	s.log.Debug().Str("job", e.job.Name()).Msg("Running job")
	err := e.job.Run(logging.WithLogger(ctx, s.log.With().Str("job", e.job.Name()).Logger()))

	s.mu.Lock()
	e.running = false
	e.runs++
	e.lastRun = start
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	s.mu.Unlock()

	if s.recorder != nil {
		if rerr := s.recorder.SetLastRun(e.job.Name(), start); rerr != nil {
			s.log.Warn().Err(rerr).Str("job", e.job.Name()).Msg("Failed to record job run")
		}
	}

	if err == nil {
		s.log.Debug().Str("job", e.job.Name()).Dur("took", s.now().Sub(start)).Msg("Job completed")
	}
	return err
}

// Status returns every registered job sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for name, e := range s.jobs {
		st := JobStatus{
			Name:      name,
			Schedule:  e.schedule,
			LastRun:   e.lastRun,
			LastError: e.lastErr,
			Running:   e.running,
			Runs:      e.runs,
		}
		if next := s.cron.Entry(e.id).Next; !next.IsZero() {
			st.Next = next.In(s.loc)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
