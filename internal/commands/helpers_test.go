package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/dwsmith1983/ferry/internal/config"
	"github.com/dwsmith1983/ferry/internal/queue"
	"github.com/dwsmith1983/ferry/internal/report"
	"github.com/dwsmith1983/ferry/internal/testutil"
	"github.com/dwsmith1983/ferry/pkg/types"
)

func writeProject(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

const validProject = `id: crm
source:
  engine: postgres
  database: crm
tables:
  - sourceTable: customers
    targetTable: dim_customer
    kind: dimension
    columns:
      - sourceColumn: name
        targetColumn: name
        transformation: trim
`

func TestNewProvider_Unsupported(t *testing.T) {
	_, err := newProvider(context.Background(), &types.Config{Provider: "etcd"})
	assert.ErrorContains(t, err, "unsupported provider")
}

func TestNewJobStore_DefaultsToMemory(t *testing.T) {
	for _, cfg := range []*types.Config{
		{},
		{Queue: &types.QueueConfig{Store: "memory"}},
	} {
		store, closeFn := newJobStore(cfg)
		assert.IsType(t, &queue.MemoryStore{}, store)
		assert.NoError(t, closeFn())
	}
}

func TestNewJobStore_Redis(t *testing.T) {
	store, closeFn := newJobStore(&types.Config{Queue: &types.QueueConfig{
		Store: "redis",
		Redis: &types.RedisConfig{Addr: "localhost:6379", KeyPrefix: "ferry:"},
	}})
	require.NotNil(t, store)
	assert.NotPanics(t, func() { _ = closeFn() })
}

func TestNewObjectStore_Unset(t *testing.T) {
	s, err := newObjectStore(context.Background(), &types.Config{}, nil)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestSyncProjects(t *testing.T) {
	dir := t.TempDir()
	writeProject(t, dir, "crm.yaml", validProject)
	prov := testutil.NewMockProvider()

	projects, err := syncProjects(context.Background(), []string{dir}, prov)
	require.NoError(t, err)
	require.Len(t, projects, 1)

	got, err := prov.GetProject(context.Background(), "crm")
	require.NoError(t, err)
	assert.Equal(t, "dim_customer", got.Tables[0].TargetTable)
}

func TestSyncProjects_InvalidMapping(t *testing.T) {
	dir := t.TempDir()
	writeProject(t, dir, "bad.yaml", `id: bad
source:
  engine: postgres
tables:
  - sourceTable: a
    targetTable: b
    kind: dimension
    columns:
      - sourceColumn: x
        targetColumn: x
        transformation: soundex
`)
	prov := testutil.NewMockProvider()

	_, err := syncProjects(context.Background(), []string{dir}, prov)
	assert.ErrorContains(t, err, "soundex")

	projects, _ := prov.ListProjects(context.Background())
	assert.Empty(t, projects)
}

func TestApplyOverrides(t *testing.T) {
	base := types.DefaultPipelineConfig()

	same := applyOverrides(base, runOptions{})
	assert.Equal(t, base, same)

	got := applyOverrides(base, runOptions{
		errorHandling: "continue-on-error",
		loadStrategy:  "merge",
		parallelism:   4,
	})
	assert.Equal(t, types.ContinueOnError, got.ErrorHandling)
	assert.Equal(t, types.Merge, got.LoadStrategy)
	assert.Equal(t, 4, got.Parallelism)
	assert.Equal(t, base.BatchSize, got.BatchSize)
}

type scriptedStatus struct {
	seq   []types.ExecutionStatus
	calls int
	err   error
}

func (s *scriptedStatus) Status(context.Context, string) (types.ExecutionStatus, error) {
	if s.err != nil {
		return types.ExecutionStatus{}, s.err
	}
	st := s.seq[min(s.calls, len(s.seq)-1)]
	s.calls++
	return st, nil
}

func stagesAt(statuses ...types.StageStatus) types.ExecutionStatus {
	st := types.ExecutionStatus{ExecutionID: "exec-1", ProjectID: "crm"}
	for i, s := range statuses {
		row := types.NewExecutionStage("crm", "exec-1", types.Stages[i])
		row.Status = s
		st.Stages = append(st.Stages, row)
	}
	st.Status = types.AggregateStatus(st.Stages)
	return st
}

func TestWaitForExecution_PrintsTransitionsOnce(t *testing.T) {
	src := &scriptedStatus{seq: []types.ExecutionStatus{
		stagesAt(types.StagePending, types.StagePending),
		stagesAt(types.StageRunning, types.StagePending),
		stagesAt(types.StageRunning, types.StagePending),
		stagesAt(types.StageCompleted, types.StageRunning),
		stagesAt(types.StageCompleted, types.StageCompleted),
	}}
	var buf bytes.Buffer

	st, err := waitForExecution(context.Background(), src, "exec-1", time.Millisecond, &buf)
	require.NoError(t, err)
	assert.Equal(t, types.StageCompleted, st.Status)
	assert.Equal(t, 5, src.calls)

	out := buf.String()
	assert.Equal(t, 2, bytes.Count([]byte(out), []byte("Extract")))
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("Transform")))
}

func TestWaitForExecution_StopsOnFailure(t *testing.T) {
	src := &scriptedStatus{seq: []types.ExecutionStatus{stagesAt(types.StageFailed)}}
	st, err := waitForExecution(context.Background(), src, "exec-1", time.Millisecond, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, st.Status)
}

func TestWaitForExecution_Errors(t *testing.T) {
	_, err := waitForExecution(context.Background(), &scriptedStatus{err: errors.New("db down")}, "exec-1", time.Millisecond, &bytes.Buffer{})
	assert.ErrorContains(t, err, "db down")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &scriptedStatus{seq: []types.ExecutionStatus{stagesAt(types.StageRunning)}}
	_, err = waitForExecution(ctx, src, "exec-1", time.Hour, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrintStatus(t *testing.T) {
	st := stagesAt(types.StageCompleted, types.StageFailed)
	st.Stages[0].DurationMs = 1500
	st.Stages[0].RecordsProcessed = 42
	st.Stages[1].ErrorMessage = "staging table missing"

	var buf bytes.Buffer
	printStatus(&buf, st)
	out := buf.String()
	assert.Contains(t, out, "exec-1")
	assert.Contains(t, out, "processed=42")
	assert.Contains(t, out, "duration=1.5s")
	assert.Contains(t, out, "staging table missing")
}

func TestExportReport(t *testing.T) {
	ctx := context.Background()
	prov := testutil.NewMockProvider()
	require.NoError(t, prov.PutReport(ctx, types.MigrationReport{
		ExecutionID: "exec-1",
		ProjectID:   "crm",
		Summary:     types.ReportSummary{Status: types.StageCompleted, RecordsProcessed: 10},
		CreatedAt:   time.Now(),
	}))
	path := filepath.Join(t.TempDir(), "exec-1.xlsx")

	require.NoError(t, exportReport(ctx, prov, "exec-1", path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	assert.Contains(t, f.GetSheetList(), report.SheetSummary)
}

func TestExportReport_Missing(t *testing.T) {
	err := exportReport(context.Background(), testutil.NewMockProvider(), "nope", filepath.Join(t.TempDir(), "x.xlsx"))
	assert.ErrorContains(t, err, "loading report")
}

func TestTelemetryConfig(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	tc := telemetryConfig(&types.Config{}, "1.2.3")
	assert.Empty(t, tc.Endpoint)
	assert.Equal(t, "1.2.3", tc.ServiceVersion)

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	assert.Equal(t, "collector:4317", telemetryConfig(&types.Config{}, "v").Endpoint)

	tc = telemetryConfig(&types.Config{Telemetry: &types.TelemetryConfig{Endpoint: "otel:4317", Insecure: true}}, "v")
	assert.Equal(t, "otel:4317", tc.Endpoint)
	assert.True(t, tc.Insecure)
}

func TestScaffold(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws")
	require.NoError(t, scaffold(dir))

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	projects, err := config.LoadProjects(cfg.ProjectDirs)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.NoError(t, checkProject(projects[0]))
}

func TestScaffold_KeepsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, config.FileName)
	require.NoError(t, os.WriteFile(path, []byte("provider: postgres\n"), 0o644))

	require.NoError(t, scaffold(dir))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "provider: postgres\n", string(data))
}

func TestRunCheck(t *testing.T) {
	dir := t.TempDir()
	projects := filepath.Join(dir, "projects")
	require.NoError(t, os.Mkdir(projects, 0o755))
	writeProject(t, dir, config.FileName, "provider: postgres\npostgres:\n  dsn: postgres://x\nprojectDirs: [./projects]\n")
	writeProject(t, projects, "crm.yaml", validProject)

	var buf bytes.Buffer
	require.NoError(t, runCheck(dir, &buf))
	assert.Contains(t, buf.String(), "crm: 1 dimension, 0 fact tables")

	writeProject(t, projects, "bad.yaml", validProject[:len("id: crm")]+"2\nsource:\n  engine: oracle\ntables:\n  - sourceTable: a\n    targetTable: b\n    kind: fact\n")
	buf.Reset()
	err := runCheck(dir, &buf)
	assert.ErrorContains(t, err, "1 of 2 projects invalid")
	assert.Contains(t, buf.String(), "oracle")
}
