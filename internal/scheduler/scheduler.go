// Package scheduler runs one recurring job per source. Jobs never overlap
// with themselves, back off after consecutive failures, and are joined with a
// bounded wait on shutdown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/restock-tracker/internal/clock/system"
	"github.com/JakeFAU/restock-tracker/internal/metrics"
	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

const (
	// MinInterval is the floor applied to every enabled job.
	MinInterval = 10 * time.Second

	defaultRunTimeout    = 5 * time.Minute
	defaultMaxBackoff    = time.Hour
	defaultBackoffFactor = 2.0
)

// Skip reasons reported in metrics and logs.
const (
	SkipOverlap = "overlap"
	SkipBackoff = "backoff"
)

var (
	// ErrAbandoned is returned by Stop when in-flight runs outlive its deadline.
	ErrAbandoned = errors.New("abandoned running jobs")
	// ErrStarted is returned when registering or starting after Start.
	ErrStarted = errors.New("scheduler already started")
)

// Task is one run of a job. A non-nil error counts as a failure.
type Task func(ctx context.Context) error

// Ticker is the subset of *time.Ticker the scheduler uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Config tunes run deadlines and backoff. Zero values use defaults.
type Config struct {
	RunTimeout    time.Duration
	MaxBackoff    time.Duration
	BackoffFactor float64
	Clock         tracker.Clock
	NewTicker     func(d time.Duration) Ticker
}

// JobState is a snapshot of one job.
type JobState struct {
	ID          string        `json:"id"`
	Interval    time.Duration `json:"interval"`
	Enabled     bool          `json:"enabled"`
	Running     bool          `json:"running"`
	Failures    int           `json:"consecutiveFailures"`
	LastStart   time.Time     `json:"lastStart,omitzero"`
	LastFinish  time.Time     `json:"lastFinish,omitzero"`
	LastError   string        `json:"lastError,omitempty"`
	NextAllowed time.Time     `json:"nextAllowed,omitzero"`
	Runs        int64         `json:"runs"`
	Skipped     int64         `json:"skipped"`
}

type job struct {
	state JobState
	task  Task
}

// Scheduler owns the jobs and their goroutines.
type Scheduler struct {
	cfg    Config
	clock  tracker.Clock
	logger *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	started bool
	stopped bool

	stopLoops context.CancelFunc
	runCtx    context.Context
	cancelRun context.CancelFunc
	loops     sync.WaitGroup
	runs      sync.WaitGroup
}

// New builds an empty Scheduler.
func New(cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = defaultBackoffFactor
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }
	}
	clock := cfg.Clock
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Scheduler{
		cfg:    cfg,
		clock:  clock,
		logger: logger.Named("scheduler"),
		jobs:   make(map[string]*job),
	}
}

// Register adds a job. intervalSeconds <= 0 registers it disabled; values
// below the floor are clamped to MinInterval.
func (s *Scheduler) Register(jobID string, intervalSeconds int, task Task) error {
	if jobID == "" {
		return errors.New("job id is required")
	}
	if task == nil {
		return fmt.Errorf("register %s: task is required", jobID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("register %s: %w", jobID, ErrStarted)
	}
	if _, ok := s.jobs[jobID]; ok {
		return fmt.Errorf("register %s: duplicate job id", jobID)
	}

	st := JobState{ID: jobID}
	if intervalSeconds > 0 {
		st.Enabled = true
		st.Interval = max(time.Duration(intervalSeconds)*time.Second, MinInterval)
		if st.Interval != time.Duration(intervalSeconds)*time.Second {
			s.logger.Warn("interval clamped to floor",
				zap.String("job_id", jobID),
				zap.Int("requested_seconds", intervalSeconds),
				zap.Duration("interval", st.Interval))
		}
	}
	s.jobs[jobID] = &job{state: st, task: task}
	s.order = append(s.order, jobID)
	return nil
}

// Start launches one loop per enabled job. Each loop runs its job
// immediately, then on every tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true

	loopCtx, stopLoops := context.WithCancel(ctx)
	s.stopLoops = stopLoops
	s.runCtx, s.cancelRun = context.WithCancel(ctx)

	for _, id := range s.order {
		j := s.jobs[id]
		if !j.state.Enabled {
			s.logger.Info("job disabled", zap.String("job_id", id))
			continue
		}
		s.logger.Info("job scheduled", zap.String("job_id", id), zap.Duration("interval", j.state.Interval))
		s.loops.Add(1)
		go s.loop(loopCtx, j)
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.loops.Done()
	s.trigger(j)

	ticker := s.cfg.NewTicker(j.state.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if ctx.Err() != nil {
				return
			}
			s.trigger(j)
		}
	}
}

// trigger starts a run unless the job is still running or backing off.
func (s *Scheduler) trigger(j *job) {
	now := s.clock.Now()
	s.mu.Lock()
	id := j.state.ID
	reason := ""
	switch {
	case j.state.Running:
		reason = SkipOverlap
	case j.state.Failures > 0 && now.Before(j.state.NextAllowed.Add(-j.state.Interval/2)):
		reason = SkipBackoff
	}
	if reason != "" {
		j.state.Skipped++
		next := j.state.NextAllowed
		s.mu.Unlock()
		metrics.ObserveSkippedTick(id, reason)
		s.logger.Info("tick skipped",
			zap.String("job_id", id),
			zap.String("reason", reason),
			zap.Time("next_allowed", next))
		return
	}
	j.state.Running = true
	j.state.LastStart = now
	j.state.Runs++
	s.runs.Add(1)
	s.mu.Unlock()

	go s.execute(j, now)
}

func (s *Scheduler) execute(j *job, started time.Time) {
	defer s.runs.Done()
	metrics.IncActiveRuns()
	defer metrics.DecActiveRuns()

	ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.RunTimeout)
	defer cancel()

	begin := time.Now()
	err := safeRun(ctx, j.task)
	elapsed := time.Since(begin)

	s.mu.Lock()
	st := &j.state
	st.Running = false
	st.LastFinish = s.clock.Now()
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
		st.NextAllowed = started.Add(effectiveDelay(st.Interval, st.Failures, s.cfg.BackoffFactor, s.cfg.MaxBackoff))
	} else {
		st.Failures = 0
		st.LastError = ""
		st.NextAllowed = started.Add(st.Interval)
	}
	failures, next := st.Failures, st.NextAllowed
	s.mu.Unlock()

	result := "success"
	if err != nil {
		result = "failure"
		s.logger.Error("job run failed",
			zap.String("job_id", j.state.ID),
			zap.Int("consecutive_failures", failures),
			zap.Time("next_allowed", next),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	} else {
		s.logger.Debug("job run finished", zap.String("job_id", j.state.ID), zap.Duration("elapsed", elapsed))
	}
	metrics.ObservePollRun(j.state.ID, result, elapsed)
}

func safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return task(ctx)
}

// effectiveDelay is interval × factor^failures, capped at maxBackoff.
func effectiveDelay(interval time.Duration, failures int, factor float64, maxBackoff time.Duration) time.Duration {
	d := float64(interval)
	for range failures {
		d *= factor
		if d >= float64(maxBackoff) {
			return max(maxBackoff, interval)
		}
	}
	return time.Duration(d)
}

// Stop halts the loops and waits for in-flight runs until ctx is done. On
// expiry the runs are cancelled and an ErrAbandoned error names them.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.stopLoops()
	s.mu.Unlock()

	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelRun()
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		running := s.runningJobs()
		s.cancelRun()
		s.logger.Warn("shutdown deadline exceeded", zap.Strings("abandoned", running))
		return fmt.Errorf("stop scheduler: %w: %s", ErrAbandoned, strings.Join(running, ", "))
	}
}

func (s *Scheduler) runningJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range s.order {
		if s.jobs[id].state.Running {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Jobs returns a copy of every job's state in registration order.
func (s *Scheduler) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].state)
	}
	return out
}
