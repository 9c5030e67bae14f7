// Package queue implements the stage job queue: priority ordering, job
// dependencies, bounded workers, rate limiting, retry with backoff and
// pause/resume over a pluggable job store.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dwsmith1983/ferry/internal/metrics"
	"github.com/dwsmith1983/ferry/internal/schedule"
	"github.com/dwsmith1983/ferry/pkg/types"
)

// Handler processes one job attempt. A nil return completes the job.
type Handler func(ctx context.Context, job Job) error

// Retention bounds how many finished jobs are kept and for how long.
type Retention struct {
	Count int
	Age   time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithConcurrency sets the number of workers.
func WithConcurrency(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.concurrency = n
		}
	}
}

// WithRateLimit caps job starts to max per window.
func WithRateLimit(max int, window time.Duration) Option {
	return func(q *Queue) { q.limiter = newSlidingWindow(max, window) }
}

// WithStore sets the backing job store.
func WithStore(s JobStore) Option {
	return func(q *Queue) { q.store = s }
}

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithPollInterval sets how often idle workers re-check for runnable jobs.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithRetention overrides the completed and failed job retention bounds.
func WithRetention(completed, failed Retention) Option {
	return func(q *Queue) {
		q.completedRetention = completed
		q.failedRetention = failed
	}
}

// Queue is an in-process job queue whose records are mirrored to a JobStore.
type Queue struct {
	handler            Handler
	store              JobStore
	logger             *slog.Logger
	concurrency        int
	limiter            *slidingWindow
	pollInterval       time.Duration
	completedRetention Retention
	failedRetention    Retention

	mu     sync.Mutex
	jobs   map[string]*Job
	ready  readyHeap
	paused bool
	wake   chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue that dispatches jobs to handler.
func New(handler Handler, opts ...Option) *Queue {
	q := &Queue{
		handler:            handler,
		store:              NewMemoryStore(),
		logger:             slog.Default(),
		concurrency:        1,
		pollInterval:       100 * time.Millisecond,
		completedRetention: Retention{Count: 100, Age: time.Hour},
		failedRetention:    Retention{Count: 1000, Age: 24 * time.Hour},
		jobs:               make(map[string]*Job),
		wake:               make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start restores persisted jobs and launches the workers. Jobs that were
// active when the previous process stopped are queued again.
func (q *Queue) Start(ctx context.Context) error {
	stored, err := q.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}

	q.mu.Lock()
	var requeued []Job
	for i := range stored {
		job := stored[i]
		job.heapIndex = -1
		if job.State == types.JobActive {
			job.State = types.JobWaiting
			requeued = append(requeued, job)
		}
		q.jobs[job.ID] = &job
	}
	for _, job := range q.jobs {
		if job.State == types.JobWaiting && q.dependencyMet(job) {
			heap.Push(&q.ready, job)
		}
	}
	q.mu.Unlock()

	q.persist(ctx, requeued...)
	if len(stored) > 0 {
		q.logger.Info("restored queued jobs", "jobs", len(stored), "requeued", len(requeued))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.worker(loopCtx, ctx)
	}
	return nil
}

// Stop stops pulling jobs and waits for in-flight jobs or ctx expiry.
func (q *Queue) Stop(ctx context.Context) error {
	if q.cancel == nil {
		return ErrNotStarted
	}
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueStage queues one stage job. A job with the same id that is still
// pending, running or completed is left alone and its id returned; a
// failed job is replaced.
func (q *Queue) EnqueueStage(ctx context.Context, projectID, executionID string, stageID types.StageID, cfg types.PipelineConfig, dependsOn string) (string, error) {
	id := JobID(executionID, stageID)
	policy := schedule.PolicyFor(cfg)
	now := time.Now()

	q.mu.Lock()
	if existing, ok := q.jobs[id]; ok {
		if existing.State != types.JobFailed {
			q.mu.Unlock()
			q.logger.Debug("duplicate job ignored", "job", id, "state", existing.State)
			return id, nil
		}
		delete(q.jobs, id)
	}

	job := &Job{
		ID:          id,
		ProjectID:   projectID,
		ExecutionID: executionID,
		StageID:     stageID,
		Config:      cfg,
		Priority:    stageID.Order(),
		DependsOn:   dependsOn,
		State:       types.JobWaiting,
		MaxAttempts: policy.MaxAttempts,
		Backoff:     policy.Backoff,
		CreatedAt:   now,
		heapIndex:   -1,
	}
	if dep, ok := q.jobs[dependsOn]; ok && dependsOn != "" && dep.State == types.JobFailed {
		job.State = types.JobFailed
		job.FailedReason = fmt.Sprintf("dependency %s failed", dependsOn)
		job.FinishedAt = &now
	}
	q.jobs[id] = job
	if job.State == types.JobWaiting && q.dependencyMet(job) {
		heap.Push(&q.ready, job)
	}
	snapshot := *job
	q.mu.Unlock()

	if err := q.store.Save(ctx, snapshot); err != nil {
		return "", fmt.Errorf("saving job %s: %w", id, err)
	}
	metrics.JobsEnqueued.Add(1)
	q.signal()
	return id, nil
}

// EnqueuePipeline queues the six stage jobs of an execution, each depending
// on the previous stage's job.
func (q *Queue) EnqueuePipeline(ctx context.Context, projectID, executionID string, cfg types.PipelineConfig) ([]string, error) {
	ids := make([]string, 0, len(types.Stages))
	prev := ""
	for _, stage := range types.Stages {
		id, err := q.EnqueueStage(ctx, projectID, executionID, stage, cfg, prev)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
		prev = id
	}
	return ids, nil
}

// Cancel removes a waiting or delayed job and every job depending on it.
// Active jobs are not preempted; finished jobs are left as they are.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	switch job.State {
	case types.JobActive:
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", jobID, ErrJobActive)
	case types.JobCompleted, types.JobFailed:
		q.mu.Unlock()
		return nil
	}
	removed := q.removeLocked(jobID)
	q.mu.Unlock()

	if err := q.store.Delete(ctx, removed...); err != nil {
		q.logger.Warn("failed to delete cancelled jobs", "jobs", removed, "error", err)
	}
	metrics.JobsCancelled.Add(int64(len(removed)))
	q.logger.Info("cancelled jobs", "jobs", removed)
	return nil
}

// removeLocked removes id and its pending dependents. Caller holds q.mu.
func (q *Queue) removeLocked(id string) []string {
	job, ok := q.jobs[id]
	if !ok {
		return nil
	}
	if job.heapIndex >= 0 {
		heap.Remove(&q.ready, job.heapIndex)
	}
	delete(q.jobs, id)
	removed := []string{id}
	for _, dep := range q.dependentsLocked(id) {
		if dep.State == types.JobWaiting || dep.State == types.JobDelayed {
			removed = append(removed, q.removeLocked(dep.ID)...)
		}
	}
	return removed
}

// Pause stops workers from pulling new jobs. In-flight jobs finish.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.logger.Info("queue paused")
}

// Resume lets workers pull jobs again.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.logger.Info("queue resumed")
	q.signal()
}

// Paused reports whether the queue is paused.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Stats returns job counts per state.
func (q *Queue) Stats() types.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s types.QueueStats
	for _, job := range q.jobs {
		switch job.State {
		case types.JobWaiting:
			s.Waiting++
		case types.JobActive:
			s.Active++
		case types.JobCompleted:
			s.Completed++
		case types.JobFailed:
			s.Failed++
		case types.JobDelayed:
			s.Delayed++
		}
	}
	s.Total = s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed
	return s
}

// Status returns the state of a single job.
func (q *Queue) Status(jobID string) (types.JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return types.JobStatus{}, fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	return job.Status(), nil
}

// UpdateProgress records a 0-100 progress value for an active job.
func (q *Queue) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	job.Progress = progress
	snapshot := *job
	q.mu.Unlock()
	return q.store.Save(ctx, snapshot)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) worker(loopCtx, runCtx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		if loopCtx.Err() != nil {
			return
		}
		if job, ok := q.claim(runCtx); ok {
			q.run(runCtx, job)
			continue
		}
		select {
		case <-loopCtx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// claim pops the next runnable job and marks it active.
func (q *Queue) claim(ctx context.Context) (Job, bool) {
	now := time.Now()
	q.mu.Lock()
	q.promoteDelayedLocked(now)
	if q.paused || q.ready.Len() == 0 {
		q.mu.Unlock()
		return Job{}, false
	}
	if !q.limiter.Allow(now) {
		q.mu.Unlock()
		return Job{}, false
	}
	job := heap.Pop(&q.ready).(*Job)
	job.State = types.JobActive
	job.AttemptsMade++
	job.StartedAt = &now
	job.FinishedAt = nil
	snapshot := *job
	more := q.ready.Len() > 0
	q.mu.Unlock()

	if more {
		q.signal()
	}
	q.persist(ctx, snapshot)
	return snapshot, true
}

func (q *Queue) promoteDelayedLocked(now time.Time) {
	for _, job := range q.jobs {
		if job.State == types.JobDelayed && !job.ProcessAt.After(now) {
			job.State = types.JobWaiting
			if q.dependencyMet(job) && job.heapIndex < 0 {
				heap.Push(&q.ready, job)
			}
		}
	}
}

func (q *Queue) run(ctx context.Context, job Job) {
	log := q.logger.With("job", job.ID, "attempt", job.AttemptsMade)
	log.Debug("job started")
	err := q.invoke(ctx, job)
	q.finish(ctx, job.ID, err)
	if err != nil {
		log.Warn("job attempt failed", "error", err, "final", job.FinalAttempt() || IsUnrecoverable(err))
		return
	}
	log.Debug("job completed")
}

func (q *Queue) invoke(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return q.handler(ctx, job)
}

func (q *Queue) finish(ctx context.Context, id string, runErr error) {
	now := time.Now()
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	changed := []Job{}
	switch {
	case runErr == nil:
		job.State = types.JobCompleted
		job.Progress = 100
		job.FailedReason = ""
		job.FinishedAt = &now
		for _, dep := range q.dependentsLocked(id) {
			if dep.State == types.JobWaiting && dep.heapIndex < 0 {
				heap.Push(&q.ready, dep)
			}
		}
		metrics.JobsCompleted.Add(1)
	case IsUnrecoverable(runErr) || job.AttemptsMade >= job.MaxAttempts:
		job.State = types.JobFailed
		job.FailedReason = runErr.Error()
		job.FinishedAt = &now
		changed = append(changed, q.failDependentsLocked(id, now)...)
		metrics.JobsFailed.Add(1)
	default:
		job.State = types.JobDelayed
		job.FailedReason = runErr.Error()
		job.ProcessAt = now.Add(schedule.CalculateBackoff(types.RetryPolicy{
			MaxAttempts:       job.MaxAttempts,
			Backoff:           job.Backoff,
			BackoffMultiplier: 2,
		}, job.AttemptsMade))
		metrics.JobsRetried.Add(1)
	}
	changed = append(changed, *job)
	evicted := q.pruneLocked(now)
	q.mu.Unlock()

	q.persist(ctx, changed...)
	if len(evicted) > 0 {
		if err := q.store.Delete(ctx, evicted...); err != nil {
			q.logger.Warn("failed to delete evicted jobs", "error", err)
		}
	}
	q.signal()
}

func (q *Queue) failDependentsLocked(id string, now time.Time) []Job {
	var changed []Job
	for _, dep := range q.dependentsLocked(id) {
		if dep.State != types.JobWaiting && dep.State != types.JobDelayed {
			continue
		}
		if dep.heapIndex >= 0 {
			heap.Remove(&q.ready, dep.heapIndex)
		}
		dep.State = types.JobFailed
		dep.FailedReason = fmt.Sprintf("dependency %s failed", id)
		dep.FinishedAt = &now
		changed = append(changed, *dep)
		changed = append(changed, q.failDependentsLocked(dep.ID, now)...)
	}
	return changed
}

func (q *Queue) dependentsLocked(id string) []*Job {
	var out []*Job
	for _, job := range q.jobs {
		if job.DependsOn == id {
			out = append(out, job)
		}
	}
	return out
}

// dependencyMet treats an evicted or unknown dependency as satisfied: only
// completed jobs age out while their dependents are still pending.
func (q *Queue) dependencyMet(job *Job) bool {
	if job.DependsOn == "" {
		return true
	}
	dep, ok := q.jobs[job.DependsOn]
	return !ok || dep.State == types.JobCompleted
}

func (q *Queue) pruneLocked(now time.Time) []string {
	var evicted []string
	for _, pair := range []struct {
		state types.JobState
		keep  Retention
	}{
		{types.JobCompleted, q.completedRetention},
		{types.JobFailed, q.failedRetention},
	} {
		var finished []*Job
		for _, job := range q.jobs {
			if job.State == pair.state {
				finished = append(finished, job)
			}
		}
		sort.Slice(finished, func(i, j int) bool {
			return finishedAt(finished[i]).Before(finishedAt(finished[j]))
		})
		for i, job := range finished {
			tooMany := pair.keep.Count > 0 && len(finished)-i > pair.keep.Count
			tooOld := pair.keep.Age > 0 && now.Sub(finishedAt(job)) > pair.keep.Age
			if tooMany || tooOld {
				delete(q.jobs, job.ID)
				evicted = append(evicted, job.ID)
			}
		}
	}
	return evicted
}

func finishedAt(job *Job) time.Time {
	if job.FinishedAt == nil {
		return job.CreatedAt
	}
	return *job.FinishedAt
}

func (q *Queue) persist(ctx context.Context, jobs ...Job) {
	for _, job := range jobs {
		if err := q.store.Save(ctx, job); err != nil {
			q.logger.Warn("failed to persist job", "job", job.ID, "error", err)
		}
	}
}
