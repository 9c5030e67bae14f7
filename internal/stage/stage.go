// Package stage implements the six migration pipeline stages.
package stage

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/dwsmith1983/ferry/internal/attachment"
	"github.com/dwsmith1983/ferry/internal/identity"
	"github.com/dwsmith1983/ferry/internal/provider"
	"github.com/dwsmith1983/ferry/internal/source"
	"github.com/dwsmith1983/ferry/internal/warehouse"
	"github.com/dwsmith1983/ferry/pkg/types"
)

// StageExecutor runs one pipeline stage for an execution. Returning an
// error and returning a result with Success false are handled the same way.
type StageExecutor interface {
	Execute(ctx context.Context, projectID, executionID string, cfg types.PipelineConfig) (types.StageResult, error)
}

// ExecutorFunc adapts a function to StageExecutor.
type ExecutorFunc func(ctx context.Context, projectID, executionID string, cfg types.PipelineConfig) (types.StageResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, projectID, executionID string, cfg types.PipelineConfig) (types.StageResult, error) {
	return f(ctx, projectID, executionID, cfg)
}

// Registry maps stage ids to their executors.
type Registry map[types.StageID]StageExecutor

// Get returns the executor for id.
func (r Registry) Get(id types.StageID) (StageExecutor, error) {
	e, ok := r[id]
	if !ok {
		return nil, fmt.Errorf("no executor registered for stage %q", id)
	}
	return e, nil
}

// SourceOpener connects to a migration source.
type SourceOpener func(ctx context.Context, conn types.ConnectionConfig) (source.Reader, error)

// TargetOpener connects to a migration target sized for parallelism tables at once.
type TargetOpener func(ctx context.Context, conn types.ConnectionConfig, parallelism int) (warehouse.Target, error)

// Deps are the collaborators shared by the stage executors.
type Deps struct {
	Store       provider.Provider
	OpenSource  SourceOpener
	OpenTarget  TargetOpener
	Mapper      *identity.Mapper
	Attachments *attachment.Migrator
	Logger      *slog.Logger
}

// DefaultSourceOpener opens Postgres and CouchDB sources.
func DefaultSourceOpener(client *http.Client) SourceOpener {
	return func(ctx context.Context, conn types.ConnectionConfig) (source.Reader, error) {
		if conn.Engine == types.EngineCouchDB {
			return source.NewCouchDB(conn, client)
		}
		return source.Open(ctx, conn)
	}
}

// DefaultTargetOpener opens a Postgres target.
func DefaultTargetOpener(logger *slog.Logger) TargetOpener {
	return func(ctx context.Context, conn types.ConnectionConfig, parallelism int) (warehouse.Target, error) {
		return warehouse.OpenPostgres(ctx, conn, parallelism, logger)
	}
}

type executors struct {
	Deps
}

// NewRegistry wires the six stage executors.
func NewRegistry(d Deps) Registry {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Mapper == nil {
		d.Mapper = identity.New(d.Store, identity.WithLogger(d.Logger))
	}
	e := &executors{Deps: d}
	return Registry{
		types.StageExtract:        ExecutorFunc(e.extract),
		types.StageTransform:      ExecutorFunc(e.transform),
		types.StageLoadDimensions: ExecutorFunc(e.loadDimensions),
		types.StageLoadFacts:      ExecutorFunc(e.loadFacts),
		types.StageValidate:       ExecutorFunc(e.validate),
		types.StageReport:         ExecutorFunc(e.report),
	}
}

// UnitResult is the outcome of one unit of stage work, usually a table.
type UnitResult struct {
	Unit      string
	Processed int64
	Failed    int64
	Skipped   bool
	Err       error
}

// Fold sums unit results into a successful stage result. Failed units are
// listed in the metadata under "failedTables" and "errors".
func Fold(units []UnitResult) types.StageResult {
	res := types.StageResult{Success: true, Metadata: map[string]interface{}{}}
	var failed, errs, skipped []string
	for _, u := range units {
		res.RecordsProcessed += u.Processed
		res.RecordsFailed += u.Failed
		switch {
		case u.Err != nil:
			failed = append(failed, u.Unit)
			errs = append(errs, u.Unit+": "+u.Err.Error())
		case u.Skipped:
			skipped = append(skipped, u.Unit)
		}
	}
	res.Metadata["tables"] = len(units)
	if len(failed) > 0 {
		res.Metadata["failedTables"] = failed
		res.Metadata["errors"] = errs
	}
	if len(skipped) > 0 {
		res.Metadata["skippedTables"] = skipped
	}
	return res
}

// abort marks a folded result failed with err, keeping the counts of the
// units that ran before a fail-fast stop.
func abort(res types.StageResult, err error) types.StageResult {
	res.Success = false
	res.Error = err.Error()
	return res
}

// failedCount is the recordsFailed contribution of a failed table.
func failedCount(staged int64) int64 {
	if staged > 0 {
		return staged
	}
	return 1
}

// runTables calls fn for every table with at most limit in flight. With
// fail-fast the first failed table stops the rest and its error is returned.
func runTables(ctx context.Context, cfg types.PipelineConfig, tables []types.TableMapping, limit int,
	fn func(ctx context.Context, i int, m types.TableMapping) UnitResult) ([]UnitResult, error) {
	if limit < 1 {
		limit = 1
	}
	results := make([]UnitResult, len(tables))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, m := range tables {
		g.Go(func() error {
			if gctx.Err() != nil {
				results[i] = UnitResult{Unit: m.SourceTable, Skipped: true}
				return nil
			}
			r := fn(gctx, i, m)
			results[i] = r
			if r.Err != nil && !cfg.ContinueOnError() {
				return fmt.Errorf("table %s: %w", r.Unit, r.Err)
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

func (e *executors) project(ctx context.Context, projectID string) (*types.Project, error) {
	p, err := e.Store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading project %q: %w", projectID, err)
	}
	return p, nil
}

func (e *executors) openTarget(ctx context.Context, p *types.Project, cfg types.PipelineConfig) (warehouse.Target, func(), error) {
	t, err := e.OpenTarget(ctx, p.Target, cfg.Parallelism)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to target: %w", err)
	}
	return t, func() {
		if err := t.Close(context.WithoutCancel(ctx)); err != nil {
			e.Logger.Warn("closing target failed", "project", p.ID, "error", err)
		}
	}, nil
}

func stagingTables(p *types.Project, cfg types.PipelineConfig) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range p.Tables {
		t := cfg.StagingTable(m.SourceTable)
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func skipEmpty(logger *slog.Logger, stage types.StageID, m types.TableMapping) (UnitResult, bool) {
	if len(m.Columns) > 0 {
		return UnitResult{}, false
	}
	logger.Warn("table has no column mappings, skipping", "stage", stage, "table", m.SourceTable)
	return UnitResult{Unit: m.SourceTable, Skipped: true}, true
}
