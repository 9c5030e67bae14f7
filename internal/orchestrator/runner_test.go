package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dwsmith1983/ferry/internal/queue"
	"github.com/dwsmith1983/ferry/internal/source"
	"github.com/dwsmith1983/ferry/internal/stage"
	"github.com/dwsmith1983/ferry/internal/testutil"
	"github.com/dwsmith1983/ferry/internal/warehouse"
	"github.com/dwsmith1983/ferry/pkg/types"
)

func runnerFixture(t *testing.T, fn stage.ExecutorFunc) (*Runner, *testutil.MockProvider, *alertLog) {
	t.Helper()
	store := testutil.NewMockProvider()
	ok, err := store.CreateStage(context.Background(), types.NewExecutionStage(projectID, execID, types.StageExtract))
	require.NoError(t, err)
	require.True(t, ok)

	alerts := &alertLog{}
	reg := stage.Registry{types.StageExtract: fn}
	r := NewRunner(store, reg, WithAlerts(alerts.add))
	clock := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	r.now = func() time.Time {
		clock = clock.Add(250 * time.Millisecond)
		return clock
	}
	return r, store, alerts
}

func extractJob(attempt, max int) queue.Job {
	return queue.Job{
		ID:           queue.JobID(execID, types.StageExtract),
		ProjectID:    projectID,
		ExecutionID:  execID,
		StageID:      types.StageExtract,
		Config:       types.DefaultPipelineConfig(),
		AttemptsMade: attempt,
		MaxAttempts:  max,
	}
}

func TestRunner_Success(t *testing.T) {
	r, store, alerts := runnerFixture(t, func(context.Context, string, string, types.PipelineConfig) (types.StageResult, error) {
		return types.StageResult{Success: true, RecordsProcessed: 42, RecordsFailed: 2, Metadata: map[string]interface{}{"tables": 3}}, nil
	})

	require.NoError(t, r.Handle(context.Background(), extractJob(1, 3)))

	st, err := store.GetStage(context.Background(), execID, types.StageExtract)
	require.NoError(t, err)
	assert.Equal(t, types.StageCompleted, st.Status)
	assert.Equal(t, int64(42), st.RecordsProcessed)
	assert.Equal(t, int64(2), st.RecordsFailed)
	assert.Equal(t, int64(250), st.DurationMs)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, 3, st.Metadata["tables"])
	require.NotNil(t, st.StartTime)
	require.NotNil(t, st.EndTime)
	assert.True(t, st.EndTime.After(*st.StartTime))
	assert.Empty(t, alerts.levels(), "only the report stage raises a success alert")
}

func TestRunner_SkipsCompletedStage(t *testing.T) {
	called := false
	r, store, _ := runnerFixture(t, func(context.Context, string, string, types.PipelineConfig) (types.StageResult, error) {
		called = true
		return types.StageResult{Success: true}, nil
	})
	require.NoError(t, r.Handle(context.Background(), extractJob(1, 3)))
	writes := store.StageWrites.Load()

	require.NoError(t, r.Handle(context.Background(), extractJob(1, 3)))
	assert.Equal(t, writes, store.StageWrites.Load())
	assert.True(t, called)
}

func TestRunner_MissingStageRowIsUnrecoverable(t *testing.T) {
	r, _, _ := runnerFixture(t, nil)
	job := extractJob(1, 3)
	job.ExecutionID = "ghost"

	err := r.Handle(context.Background(), job)
	require.Error(t, err)
	assert.True(t, queue.IsUnrecoverable(err))
}

func TestRunner_UnregisteredStageIsUnrecoverable(t *testing.T) {
	r, store, _ := runnerFixture(t, nil)
	_, err := store.CreateStage(context.Background(), types.NewExecutionStage(projectID, execID, types.StageReport))
	require.NoError(t, err)
	job := extractJob(1, 3)
	job.StageID = types.StageReport

	err = r.Handle(context.Background(), job)
	require.Error(t, err)
	assert.True(t, queue.IsUnrecoverable(err))
}

func TestRunner_FailureBeforeFinalAttemptStaysPending(t *testing.T) {
	r, store, alerts := runnerFixture(t, func(context.Context, string, string, types.PipelineConfig) (types.StageResult, error) {
		return types.StageResult{}, errors.New("connection refused")
	})

	err := r.Handle(context.Background(), extractJob(1, 3))
	require.EqualError(t, err, "connection refused")

	st, err := store.GetStage(context.Background(), execID, types.StageExtract)
	require.NoError(t, err)
	assert.Equal(t, types.StagePending, st.Status)
	assert.Equal(t, "connection refused", st.ErrorMessage)
	assert.Equal(t, 1, st.Attempts)
	assert.Empty(t, alerts.levels())
}

func TestRunner_FinalAttemptFails(t *testing.T) {
	r, store, alerts := runnerFixture(t, func(context.Context, string, string, types.PipelineConfig) (types.StageResult, error) {
		return types.StageResult{}, errors.New("connection refused")
	})

	require.Error(t, r.Handle(context.Background(), extractJob(1, 2)))
	require.Error(t, r.Handle(context.Background(), extractJob(2, 2)))

	st, err := store.GetStage(context.Background(), execID, types.StageExtract)
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, st.Status)
	assert.Equal(t, 2, st.Attempts)
	assert.Equal(t, []types.AlertLevel{types.AlertLevelError}, alerts.levels())
}

func TestRunner_UnsuccessfulResult(t *testing.T) {
	tests := []struct {
		name string
		res  types.StageResult
		want string
	}{
		{"with message", types.StageResult{Error: "validation failed: orders has 3 null values"}, "validation failed: orders has 3 null values"},
		{"without message", types.StageResult{}, "stage reported failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store, _ := runnerFixture(t, func(context.Context, string, string, types.PipelineConfig) (types.StageResult, error) {
				return tt.res, nil
			})
			err := r.Handle(context.Background(), extractJob(1, 1))
			require.EqualError(t, err, tt.want)

			st, err := store.GetStage(context.Background(), execID, types.StageExtract)
			require.NoError(t, err)
			assert.Equal(t, types.StageFailed, st.Status)
			assert.Equal(t, tt.want, st.ErrorMessage)
		})
	}
}

func TestRunner_PersistsCountsOfFailFastStage(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMockProvider()
	src := testutil.NewFakeSource()
	tgt := testutil.NewFakeTarget()
	cols := []types.ColumnMapping{{SourceColumn: "id", TargetColumn: "source_id"}}
	p := types.Project{
		ID:     projectID,
		Source: types.ConnectionConfig{Engine: types.EnginePostgres, Database: "crm"},
		Target: types.ConnectionConfig{Engine: types.EnginePostgres, Database: "dw"},
		Tables: []types.TableMapping{
			{SourceTable: "orders", TargetTable: "fact_order", Kind: types.TableFact, Columns: cols},
			{SourceTable: "refunds", TargetTable: "fact_refund", Kind: types.TableFact, Columns: cols},
		},
	}
	require.NoError(t, store.RegisterProject(ctx, p))
	src.AddTable("orders", testutil.FakeTable{Key: "id", Columns: []string{"id"}, Rows: [][]any{{"1"}, {"2"}, {"3"}}})
	src.AddTable("refunds", testutil.FakeTable{Key: "id", Columns: []string{"id"}, Rows: [][]any{{"9"}, {"10"}}})
	tgt.SetTargetKey("fact_order", "id")
	tgt.SetTargetKey("fact_refund", "id")

	reg := stage.NewRegistry(stage.Deps{
		Store: store,
		OpenSource: func(context.Context, types.ConnectionConfig) (source.Reader, error) {
			return src, nil
		},
		OpenTarget: func(context.Context, types.ConnectionConfig, int) (warehouse.Target, error) {
			return tgt, nil
		},
	})
	cfg := types.DefaultPipelineConfig()
	for _, id := range []types.StageID{types.StageExtract, types.StageTransform} {
		ex, err := reg.Get(id)
		require.NoError(t, err)
		_, err = ex.Execute(ctx, projectID, execID, cfg)
		require.NoError(t, err)
	}
	tgt.FailLoad("fact_refund", errors.New("deadlock detected"))

	ok, err := store.CreateStage(ctx, types.NewExecutionStage(projectID, execID, types.StageLoadFacts))
	require.NoError(t, err)
	require.True(t, ok)

	r := NewRunner(store, reg)
	job := queue.Job{
		ID: queue.JobID(execID, types.StageLoadFacts), ProjectID: projectID, ExecutionID: execID,
		StageID: types.StageLoadFacts, Config: cfg, AttemptsMade: 1, MaxAttempts: 1,
	}
	require.Error(t, r.Handle(ctx, job))

	st, err := store.GetStage(ctx, execID, types.StageLoadFacts)
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, st.Status)
	assert.Contains(t, st.ErrorMessage, "deadlock detected")
	assert.Equal(t, int64(3), st.RecordsProcessed)
	assert.Equal(t, int64(2), st.RecordsFailed)
	assert.Equal(t, []string{"refunds"}, st.Metadata["failedTables"])

	mappings, err := store.ListIdentityMappings(ctx, execID)
	require.NoError(t, err)
	assert.Len(t, mappings, 3)
}

func TestRunner_RecoversPanic(t *testing.T) {
	r, store, _ := runnerFixture(t, func(context.Context, string, string, types.PipelineConfig) (types.StageResult, error) {
		panic("nil map")
	})

	err := r.Handle(context.Background(), extractJob(1, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked: nil map")

	st, err := store.GetStage(context.Background(), execID, types.StageExtract)
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, st.Status)
}

func TestRunner_StageWriteFailure(t *testing.T) {
	r, store, _ := runnerFixture(t, func(context.Context, string, string, types.PipelineConfig) (types.StageResult, error) {
		t.Fatal("executor must not run when the stage row cannot be marked running")
		return types.StageResult{}, nil
	})
	store.FailUpdates = errors.New("disk full")

	err := r.Handle(context.Background(), extractJob(1, 3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marking stage running")
	assert.False(t, queue.IsUnrecoverable(err))
}

func TestRunner_RecordsSpans(t *testing.T) {
	fail := true
	r, _, _ := runnerFixture(t, func(context.Context, string, string, types.PipelineConfig) (types.StageResult, error) {
		if fail {
			return types.StageResult{}, errors.New("timeout")
		}
		return types.StageResult{Success: true}, nil
	})
	rec := tracetest.NewSpanRecorder()
	r.tracer = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer("test")

	require.Error(t, r.Handle(context.Background(), extractJob(1, 2)))
	fail = false
	require.NoError(t, r.Handle(context.Background(), extractJob(2, 2)))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "stage extract", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, codes.Ok, spans[1].Status().Code)
	assert.Contains(t, spans[1].Attributes(), attribute.Int("ferry.attempt", 2))
}
