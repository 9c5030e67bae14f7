package stage

import (
	"context"
	"fmt"

	"github.com/dwsmith1983/ferry/internal/metrics"
	"github.com/dwsmith1983/ferry/internal/source"
	"github.com/dwsmith1983/ferry/internal/warehouse"
	"github.com/dwsmith1983/ferry/pkg/types"
)

// extract copies every mapped source table into a freshly created staging table.
func (e *executors) extract(ctx context.Context, projectID, executionID string, cfg types.PipelineConfig) (types.StageResult, error) {
	p, err := e.project(ctx, projectID)
	if err != nil {
		return types.StageResult{}, err
	}
	src, err := e.OpenSource(ctx, p.Source)
	if err != nil {
		return types.StageResult{}, fmt.Errorf("connecting to source: %w", err)
	}
	defer func() { _ = src.Close(context.WithoutCancel(ctx)) }()

	tgt, closeTarget, err := e.openTarget(ctx, p, cfg)
	if err != nil {
		return types.StageResult{}, err
	}
	defer closeTarget()

	units, err := runTables(ctx, cfg, p.Tables, cfg.Parallelism, func(ctx context.Context, _ int, m types.TableMapping) UnitResult {
		if r, skip := skipEmpty(e.Logger, types.StageExtract, m); skip {
			return r
		}
		return e.extractTable(ctx, src, tgt, m, cfg, executionID)
	})
	res := Fold(units)
	res.Metadata["stagingSchema"] = cfg.Staging.SchemaName
	res.Metadata["stagingTables"] = stagingTables(p, cfg)
	if err != nil {
		return abort(res, err), err
	}
	return res, nil
}

func (e *executors) extractTable(ctx context.Context, src source.Reader, tgt warehouse.Target, m types.TableMapping, cfg types.PipelineConfig, executionID string) UnitResult {
	unit := UnitResult{Unit: m.SourceTable}
	staging := cfg.StagingTable(m.SourceTable)

	schema, err := src.Schema(ctx, m)
	if err != nil {
		unit.Err, unit.Failed = err, 1
		return unit
	}
	if err := tgt.PrepareStaging(ctx, staging, schema.Columns, schema.Key); err != nil {
		unit.Err, unit.Failed = err, 1
		return unit
	}

	n, err := src.Read(ctx, m, schema, cfg.BatchSize, func(rows [][]any) error {
		_, err := tgt.InsertStaging(ctx, staging, schema.Columns, rows)
		return err
	})
	unit.Processed = n
	if err != nil {
		unit.Err, unit.Failed = fmt.Errorf("extracting into %s: %w", staging, err), 1
		return unit
	}
	metrics.RecordsProcessed.Add(n)
	e.Logger.Info("table extracted", "execution", executionID, "table", m.SourceTable, "staging", staging, "rows", n)
	return unit
}
