package stage

import (
	"context"

	"github.com/dwsmith1983/ferry/internal/warehouse"
	"github.com/dwsmith1983/ferry/pkg/types"
)

// transform applies column transformations to the staging tables in place.
func (e *executors) transform(ctx context.Context, projectID, executionID string, cfg types.PipelineConfig) (types.StageResult, error) {
	p, err := e.project(ctx, projectID)
	if err != nil {
		return types.StageResult{}, err
	}
	tgt, closeTarget, err := e.openTarget(ctx, p, cfg)
	if err != nil {
		return types.StageResult{}, err
	}
	defer closeTarget()

	applied := 0
	units, err := runTables(ctx, cfg, p.Tables, cfg.Parallelism, func(ctx context.Context, _ int, m types.TableMapping) UnitResult {
		if r, skip := skipEmpty(e.Logger, types.StageTransform, m); skip {
			return r
		}
		staging := cfg.StagingTable(m.SourceTable)
		unit := UnitResult{Unit: m.SourceTable}

		rows, err := tgt.CountRows(ctx, staging)
		if err != nil {
			unit.Err, unit.Failed = err, 1
			return unit
		}
		steps := Transformations(m)
		if err := tgt.Transform(ctx, staging, steps); err != nil {
			unit.Err, unit.Failed = err, failedCount(rows)
			return unit
		}
		unit.Processed = rows
		e.Logger.Info("table transformed", "execution", executionID, "table", m.SourceTable, "transformations", len(steps), "rows", rows)
		return unit
	})
	for _, m := range p.Tables {
		applied += len(Transformations(m))
	}

	res := Fold(units)
	res.Metadata["transformations"] = applied
	if err != nil {
		return abort(res, err), err
	}
	return res, nil
}

// Transformations lists the staging transformations declared by a table mapping.
func Transformations(m types.TableMapping) []warehouse.Transformation {
	var out []warehouse.Transformation
	for _, c := range m.Columns {
		if c.Transformation == "" {
			continue
		}
		out = append(out, warehouse.Transformation{
			Column: c.SourceColumn,
			Kind:   c.Transformation,
			Config: c.TransformationConfig,
		})
	}
	return out
}
