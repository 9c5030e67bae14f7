package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dwsmith1983/ferry/internal/testutil"
	"github.com/dwsmith1983/ferry/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastConfig() types.PipelineConfig {
	cfg := types.DefaultPipelineConfig()
	cfg.RetryDelayMs = 1
	return cfg
}

type recorder struct {
	mu    sync.Mutex
	calls []Job
}

func (r *recorder) add(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, job)
}

func (r *recorder) stages() []types.StageID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.StageID, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.StageID
	}
	return out
}

func (r *recorder) count(stage types.StageID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.StageID == stage {
			n++
		}
	}
	return n
}

func startQueue(t *testing.T, handler Handler, opts ...Option) *Queue {
	t.Helper()
	opts = append([]Option{WithPollInterval(5 * time.Millisecond)}, opts...)
	q := New(handler, opts...)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, q.Stop(ctx))
	})
	return q
}

func waitForState(t *testing.T, q *Queue, id string, state types.JobState) types.JobStatus {
	t.Helper()
	var st types.JobStatus
	testutil.WaitFor(t, 3*time.Second, func() bool {
		s, err := q.Status(id)
		if err != nil {
			return false
		}
		st = s
		return s.State == state
	}, id+" to reach "+string(state))
	return st
}

func TestEnqueuePipeline_StatsBeforeWorkersStart(t *testing.T) {
	q := New(func(context.Context, Job) error { return nil })

	ids, err := q.EnqueuePipeline(context.Background(), "proj", "exec-1", fastConfig())
	require.NoError(t, err)
	require.Len(t, ids, 6)
	assert.Equal(t, "exec-1-extract", ids[0])
	assert.Equal(t, "exec-1-report", ids[5])

	stats := q.Stats()
	assert.Equal(t, 6, stats.Waiting+stats.Active)
	assert.Equal(t, stats.Waiting+stats.Active+stats.Completed+stats.Failed+stats.Delayed, stats.Total)
}

func TestEnqueueStage_DuplicateIgnored(t *testing.T) {
	q := New(func(context.Context, Job) error { return nil })
	ctx := context.Background()

	id1, err := q.EnqueueStage(ctx, "proj", "exec-1", types.StageExtract, fastConfig(), "")
	require.NoError(t, err)
	id2, err := q.EnqueueStage(ctx, "proj", "exec-1", types.StageExtract, fastConfig(), "")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, q.Stats().Total)
}

func TestPipeline_RunsInStageOrder(t *testing.T) {
	rec := &recorder{}
	q := startQueue(t, func(_ context.Context, job Job) error {
		rec.add(job)
		return nil
	}, WithConcurrency(4))

	ids, err := q.EnqueuePipeline(context.Background(), "proj", "exec-1", fastConfig())
	require.NoError(t, err)

	waitForState(t, q, ids[5], types.JobCompleted)
	assert.Equal(t, types.Stages, rec.stages())
	assert.Equal(t, 6, q.Stats().Completed)
}

func TestPriority_LowerStageOrderFirst(t *testing.T) {
	rec := &recorder{}
	q := New(func(_ context.Context, job Job) error {
		rec.add(job)
		return nil
	}, WithPollInterval(5*time.Millisecond))
	q.Pause()
	ctx := context.Background()

	for i := len(types.Stages) - 1; i >= 0; i-- {
		_, err := q.EnqueueStage(ctx, "proj", "exec-1", types.Stages[i], fastConfig(), "")
		require.NoError(t, err)
	}
	require.NoError(t, q.Start(ctx))
	defer func() { require.NoError(t, q.Stop(ctx)) }()
	q.Resume()

	waitForState(t, q, JobID("exec-1", types.StageExtract), types.JobCompleted)
	testutil.WaitFor(t, 3*time.Second, func() bool { return q.Stats().Completed == 6 }, "all jobs complete")
	assert.Equal(t, types.Stages, rec.stages())
}

func TestRetry_SucceedsOnFinalAttempt(t *testing.T) {
	var (
		mu     sync.Mutex
		finals []bool
	)
	q := startQueue(t, func(_ context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		finals = append(finals, job.FinalAttempt())
		if job.AttemptsMade < 3 {
			return errors.New("transient")
		}
		return nil
	})

	cfg := fastConfig()
	cfg.RetryAttempts = 3
	id, err := q.EnqueueStage(context.Background(), "proj", "exec-1", types.StageExtract, cfg, "")
	require.NoError(t, err)

	st := waitForState(t, q, id, types.JobCompleted)
	assert.Equal(t, 3, st.AttemptsMade)
	assert.Empty(t, st.FailedReason)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, false, true}, finals)
}

func TestRetry_ExhaustedFailsDependents(t *testing.T) {
	rec := &recorder{}
	q := startQueue(t, func(_ context.Context, job Job) error {
		rec.add(job)
		if job.StageID == types.StageTransform {
			return errors.New("bad mapping")
		}
		return nil
	})

	ids, err := q.EnqueuePipeline(context.Background(), "proj", "exec-1", fastConfig())
	require.NoError(t, err)

	st := waitForState(t, q, ids[1], types.JobFailed)
	assert.Equal(t, 3, st.AttemptsMade)
	assert.Equal(t, "bad mapping", st.FailedReason)

	for _, id := range ids[2:] {
		dep := waitForState(t, q, id, types.JobFailed)
		assert.Contains(t, dep.FailedReason, "dependency")
		assert.Zero(t, dep.AttemptsMade)
	}
	assert.Equal(t, 0, rec.count(types.StageLoadDimensions))
	assert.Equal(t, 3, rec.count(types.StageTransform))
}

func TestUnrecoverable_SkipsRetries(t *testing.T) {
	q := startQueue(t, func(context.Context, Job) error {
		return Unrecoverable(errors.New("invalid config"))
	})

	id, err := q.EnqueueStage(context.Background(), "proj", "exec-1", types.StageExtract, fastConfig(), "")
	require.NoError(t, err)

	st := waitForState(t, q, id, types.JobFailed)
	assert.Equal(t, 1, st.AttemptsMade)
}

func TestHandlerPanic_BecomesFailure(t *testing.T) {
	q := startQueue(t, func(context.Context, Job) error {
		panic("boom")
	})

	cfg := fastConfig()
	cfg.RetryAttempts = 1
	id, err := q.EnqueueStage(context.Background(), "proj", "exec-1", types.StageExtract, cfg, "")
	require.NoError(t, err)

	st := waitForState(t, q, id, types.JobFailed)
	assert.Contains(t, st.FailedReason, "panicked")
}

func TestFailedJob_CanBeEnqueuedAgain(t *testing.T) {
	var (
		mu   sync.Mutex
		fail = true
	)
	q := startQueue(t, func(context.Context, Job) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errors.New("down")
		}
		return nil
	})
	ctx := context.Background()
	cfg := fastConfig()
	cfg.RetryAttempts = 1

	id, err := q.EnqueueStage(ctx, "proj", "exec-1", types.StageExtract, cfg, "")
	require.NoError(t, err)
	waitForState(t, q, id, types.JobFailed)

	mu.Lock()
	fail = false
	mu.Unlock()

	_, err = q.EnqueueStage(ctx, "proj", "exec-1", types.StageExtract, cfg, "")
	require.NoError(t, err)
	waitForState(t, q, id, types.JobCompleted)
}

func TestCancel_RemovesJobAndDependents(t *testing.T) {
	q := New(func(context.Context, Job) error { return nil })
	ctx := context.Background()

	ids, err := q.EnqueuePipeline(ctx, "proj", "exec-1", fastConfig())
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, ids[2]))
	stats := q.Stats()
	assert.Equal(t, 2, stats.Total)

	_, err = q.Status(ids[4])
	assert.ErrorIs(t, err, ErrJobNotFound)

	err = q.Cancel(ctx, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancel_ActiveJobNotPreempted(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	q := startQueue(t, func(context.Context, Job) error {
		close(started)
		<-release
		return nil
	})
	ctx := context.Background()

	id, err := q.EnqueueStage(ctx, "proj", "exec-1", types.StageExtract, fastConfig(), "")
	require.NoError(t, err)
	<-started

	err = q.Cancel(ctx, id)
	assert.ErrorIs(t, err, ErrJobActive)

	close(release)
	waitForState(t, q, id, types.JobCompleted)
}

func TestPauseResume(t *testing.T) {
	rec := &recorder{}
	q := startQueue(t, func(_ context.Context, job Job) error {
		rec.add(job)
		return nil
	})
	ctx := context.Background()

	q.Pause()
	assert.True(t, q.Paused())
	id, err := q.EnqueueStage(ctx, "proj", "exec-1", types.StageExtract, fastConfig(), "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.stages())
	assert.Equal(t, 1, q.Stats().Waiting)

	q.Resume()
	waitForState(t, q, id, types.JobCompleted)
}

func TestUpdateProgress(t *testing.T) {
	q := New(func(context.Context, Job) error { return nil })
	ctx := context.Background()
	id, err := q.EnqueueStage(ctx, "proj", "exec-1", types.StageExtract, fastConfig(), "")
	require.NoError(t, err)

	require.NoError(t, q.UpdateProgress(ctx, id, 150))
	st, err := q.Status(id)
	require.NoError(t, err)
	assert.Equal(t, 100, st.Progress)

	assert.ErrorIs(t, q.UpdateProgress(ctx, "missing", 10), ErrJobNotFound)
}

func TestRetention_EvictsOldestCompleted(t *testing.T) {
	q := startQueue(t, func(context.Context, Job) error { return nil },
		WithRetention(Retention{Count: 2}, Retention{Count: 2}))

	ids, err := q.EnqueuePipeline(context.Background(), "proj", "exec-1", fastConfig())
	require.NoError(t, err)

	waitForState(t, q, ids[5], types.JobCompleted)
	stats := q.Stats()
	assert.Equal(t, 2, stats.Completed)

	_, err = q.Status(ids[0])
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRestore_RequeuesActiveJobs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, Job{
		ID: "exec-9-extract", ExecutionID: "exec-9", StageID: types.StageExtract,
		Priority: 1, State: types.JobActive, AttemptsMade: 1, MaxAttempts: 3, CreatedAt: time.Now(),
	}))

	q := startQueue(t, func(context.Context, Job) error { return nil }, WithStore(store))

	st := waitForState(t, q, "exec-9-extract", types.JobCompleted)
	assert.Equal(t, 2, st.AttemptsMade)
}

func TestStop_NotStarted(t *testing.T) {
	q := New(func(context.Context, Job) error { return nil })
	assert.ErrorIs(t, q.Stop(context.Background()), ErrNotStarted)
}

func TestSlidingWindow(t *testing.T) {
	w := newSlidingWindow(2, time.Second)
	now := time.Now()

	assert.True(t, w.Allow(now))
	assert.True(t, w.Allow(now.Add(100*time.Millisecond)))
	assert.False(t, w.Allow(now.Add(200*time.Millisecond)))
	assert.True(t, w.Allow(now.Add(1100*time.Millisecond)))

	var unlimited *slidingWindow
	assert.True(t, unlimited.Allow(now))
	assert.Nil(t, newSlidingWindow(0, time.Second))
}

func TestRateLimit_DelaysStarts(t *testing.T) {
	rec := &recorder{}
	q := startQueue(t, func(_ context.Context, job Job) error {
		rec.add(job)
		return nil
	}, WithConcurrency(3), WithRateLimit(1, time.Hour))
	ctx := context.Background()

	for _, stage := range []types.StageID{types.StageExtract, types.StageTransform} {
		_, err := q.EnqueueStage(ctx, "proj", "exec-1", stage, fastConfig(), "")
		require.NoError(t, err)
	}

	waitForState(t, q, JobID("exec-1", types.StageExtract), types.JobCompleted)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, q.Stats().Waiting)
}
