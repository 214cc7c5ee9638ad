package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/user/netdiag/internal/model"
	"github.com/user/netdiag/internal/probes"
	"github.com/user/netdiag/internal/util"
)

// idleWait bounds the sleep when no job is enabled; Reload wakes the loop earlier.
const idleWait = time.Hour

// JobSpec describes a recurring diagnostic.
type JobSpec struct {
	ID       string
	Kind     model.DiagnosticKind
	Target   string
	Interval time.Duration
	Enabled  bool
}

// Job is a scheduled diagnostic and its run state.
type Job struct {
	JobSpec

	// State
	nextRun    time.Time
	lastRun    time.Time
	lastResult *model.Outcome
	running    bool
	runs       int
	skips      int
}

func (j *Job) status() model.JobStatus {
	st := model.JobStatus{
		ID:       j.ID,
		Kind:     j.Kind,
		Target:   j.Target,
		Interval: j.Interval,
		Enabled:  j.Enabled,
		Running:  j.running,
		NextRun:  j.nextRun,
		Runs:     j.runs,
		Skips:    j.skips,
	}
	if !j.lastRun.IsZero() {
		lr := j.lastRun
		st.LastRun = &lr
	}
	if j.lastResult != nil {
		res := *j.lastResult
		st.LastResult = &res
	}
	return st
}

// Recorder receives every completed or skipped execution.
type Recorder func(model.RunRecord)

// Scheduler runs jobs at their interval with no overlap per job.
type Scheduler struct {
	runner  probes.Runner
	timeout time.Duration

	mu       sync.Mutex
	jobs     map[string]*Job
	recorder Recorder

	// onDispatch is called in dispatch order while the lock is held.
	onDispatch func(id string)

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler creates a scheduler. timeout bounds each diagnostic.
func NewScheduler(runner probes.Runner, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Scheduler{
		runner:  runner,
		timeout: timeout,
		jobs:    make(map[string]*Job),
		wake:    make(chan struct{}, 1),
	}
}

// SetRecorder registers the execution callback.
func (s *Scheduler) SetRecorder(r Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = r
}

// Reload replaces the job set. Jobs whose id survives keep their run state,
// and an execution already in flight finishes with the parameters it was
// dispatched with. New jobs first run one interval from now.
func (s *Scheduler) Reload(specs []JobSpec) {
	now := time.Now()

	s.mu.Lock()
	next := make(map[string]*Job, len(specs))
	for _, spec := range specs {
		if job, ok := s.jobs[spec.ID]; ok {
			intervalChanged := job.Interval != spec.Interval
			job.JobSpec = spec
			if intervalChanged {
				base := job.lastRun
				if base.IsZero() {
					base = now
				}
				job.nextRun = base.Add(spec.Interval)
			}
			next[spec.ID] = job
			continue
		}
		next[spec.ID] = &Job{JobSpec: spec, nextRun: now.Add(spec.Interval)}
	}
	s.jobs = next
	s.mu.Unlock()

	util.Info("Scheduler loaded %d jobs", len(specs))
	s.poke()
}

// Run dispatches due jobs until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	util.Info("Scheduler started with %d jobs", len(s.Jobs()))

	for {
		wait := s.dispatchDue(ctx, time.Now())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			util.Info("Scheduler stopping")
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dispatchDue starts every due job and returns the time until the next one.
func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Nothing new starts once shutdown has begun; Wait covers what is in flight.
	if ctx.Err() != nil {
		return idleWait
	}

	var due []*Job
	for _, job := range s.jobs {
		if job.Enabled && !job.nextRun.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].nextRun.Equal(due[j].nextRun) {
			return due[i].ID < due[j].ID
		}
		return due[i].nextRun.Before(due[j].nextRun)
	})

	for _, job := range due {
		if job.running {
			s.skipLocked(job, now)
			continue
		}

		// A late wake-up runs the job once and restarts cadence from now.
		job.lastRun = now
		job.nextRun = now.Add(job.Interval)
		job.running = true
		if s.onDispatch != nil {
			s.onDispatch(job.ID)
		}

		s.wg.Add(1)
		go s.execute(ctx, job, job.JobSpec, false)
	}

	wait := idleWait
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		if d := job.nextRun.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (s *Scheduler) skipLocked(job *Job, now time.Time) {
	outcome := model.Outcome{
		Status:    model.OutcomeSkipped,
		Summary:   "previous run still in progress",
		StartedAt: now,
	}
	job.lastResult = &outcome
	job.skips++
	job.nextRun = now.Add(job.Interval)
	util.Warn("Job %s skipped: previous run still in progress", job.ID)

	if s.recorder != nil {
		rec := model.RunRecord{JobID: job.ID, Kind: job.Kind, Target: job.Target, Outcome: outcome}
		recorder := s.recorder
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			recorder(rec)
		}()
	}
}

// execute runs one diagnostic. The daemon's cancellation does not preempt
// it; the diagnostic timeout does.
func (s *Scheduler) execute(ctx context.Context, job *Job, spec JobSpec, outOfBand bool) model.Outcome {
	defer s.wg.Done()

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	util.Debug("Running job %s (%s %s)", spec.ID, spec.Kind, spec.Target)
	outcome := runDiagnostic(runCtx, s.runner, spec)

	s.mu.Lock()
	job.running = false
	job.lastResult = &outcome
	job.runs++
	recorder := s.recorder
	s.mu.Unlock()

	if outcome.Status == model.OutcomeFailure {
		util.Warn("%v", &SchedulerError{JobID: spec.ID, Err: errors.New(outcome.Error)})
	} else {
		util.Debug("Job %s completed: %s", spec.ID, outcome.Summary)
	}

	if recorder != nil {
		recorder(model.RunRecord{JobID: spec.ID, Kind: spec.Kind, Target: spec.Target, Outcome: outcome})
	}
	if outOfBand {
		util.Info("Job %s ran on demand: %s", spec.ID, outcome.Status)
	}
	return outcome
}

func runDiagnostic(ctx context.Context, runner probes.Runner, spec JobSpec) model.Outcome {
	start := time.Now()
	res, err := runner.Run(ctx, spec.Kind, spec.Target)

	outcome := model.Outcome{
		Status:    model.OutcomeSuccess,
		Summary:   res.Summary,
		LatencyMs: res.LatencyMs,
		LossPct:   res.LossPct,
		StartedAt: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		outcome.Status = model.OutcomeFailure
		outcome.Error = err.Error()
	}
	return outcome
}

// RunNow executes a job immediately and waits for its outcome. The job's
// cadence is unchanged. A job that is already running is rejected.
func (s *Scheduler) RunNow(ctx context.Context, id string) (model.Outcome, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return model.Outcome{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.running {
		s.mu.Unlock()
		return model.Outcome{}, fmt.Errorf("%w: %s", ErrJobBusy, id)
	}
	job.running = true
	spec := job.JobSpec
	s.wg.Add(1)
	s.mu.Unlock()

	done := make(chan model.Outcome, 1)
	go func() {
		done <- s.execute(ctx, job, spec, true)
	}()

	select {
	case outcome := <-done:
		return outcome, nil
	case <-ctx.Done():
		return model.Outcome{}, ctx.Err()
	}
}

// SetEnabled enables or disables a job.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if enabled && !job.Enabled {
		job.nextRun = time.Now().Add(job.Interval)
	}
	job.Enabled = enabled
	s.mu.Unlock()

	s.poke()
	return nil
}

// Jobs returns job statuses sorted by id.
func (s *Scheduler) Jobs() []model.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]model.JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		statuses = append(statuses, job.status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// Job returns one job's status.
func (s *Scheduler) Job(id string) (model.JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return model.JobStatus{}, false
	}
	return job.status(), true
}

// Wait blocks until in-flight executions finish or ctx expires.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
