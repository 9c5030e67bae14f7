package stage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dwsmith1983/ferry/internal/warehouse"
	"github.com/dwsmith1983/ferry/pkg/types"
)

// Validation types.
const (
	CheckRowCount = "row-count"
	CheckNotNull  = "not-null"
)

// validate compares staged and loaded row counts and checks required columns.
func (e *executors) validate(ctx context.Context, projectID, executionID string, cfg types.PipelineConfig) (types.StageResult, error) {
	if !cfg.ValidateData {
		return types.StageResult{Success: true, Metadata: map[string]interface{}{"skipped": true}}, nil
	}
	p, err := e.project(ctx, projectID)
	if err != nil {
		return types.StageResult{}, err
	}
	tgt, closeTarget, err := e.openTarget(ctx, p, cfg)
	if err != nil {
		return types.StageResult{}, err
	}
	defer closeTarget()

	var warnings int
	units, err := runTables(ctx, cfg, p.Tables, 1, func(ctx context.Context, _ int, m types.TableMapping) UnitResult {
		if r, skip := skipEmpty(e.Logger, types.StageValidate, m); skip {
			return r
		}
		unit := UnitResult{Unit: m.SourceTable}
		checks, err := e.checkTable(ctx, tgt, m, cfg, executionID)
		if err != nil {
			unit.Err, unit.Failed = err, 1
			return unit
		}
		if err := e.Store.ReplaceValidations(ctx, executionID, m.TargetTable, checks); err != nil {
			unit.Err, unit.Failed = fmt.Errorf("recording validations: %w", err), 1
			return unit
		}
		var failed []string
		for _, c := range checks {
			unit.Processed++
			switch c.Status {
			case types.ValidationFailed:
				unit.Failed++
				failed = append(failed, c.Message)
			case types.ValidationWarning:
				warnings++
			}
		}
		if len(failed) > 0 && !cfg.ContinueOnError() {
			unit.Err = fmt.Errorf("validation failed: %s", failed[0])
		}
		return unit
	})
	res := Fold(units)
	res.Metadata["checks"] = res.RecordsProcessed
	res.Metadata["warnings"] = warnings
	if err != nil {
		return abort(res, err), err
	}
	return res, nil
}

func (e *executors) checkTable(ctx context.Context, tgt warehouse.Target, m types.TableMapping, cfg types.PipelineConfig, executionID string) ([]types.DataValidation, error) {
	now := time.Now().UTC()
	staged, err := tgt.CountRows(ctx, cfg.StagingTable(m.SourceTable))
	if err != nil {
		return nil, err
	}
	loaded, err := tgt.CountRows(ctx, m.TargetTable)
	if err != nil {
		return nil, err
	}

	checks := []types.DataValidation{RowCountCheck(executionID, m.TargetTable, cfg.LoadStrategy, staged, loaded, now)}
	for _, c := range m.Columns {
		if !c.Required {
			continue
		}
		nulls, err := tgt.CountNulls(ctx, m.TargetTable, c.TargetColumn)
		if err != nil {
			return nil, err
		}
		v := types.DataValidation{
			ExecutionID:    executionID,
			TableName:      m.TargetTable,
			ValidationType: CheckNotNull,
			ExpectedValue:  "0",
			ActualValue:    strconv.FormatInt(nulls, 10),
			Status:         types.ValidationPassed,
			CreatedAt:      now,
		}
		if nulls > 0 {
			v.Status = types.ValidationFailed
			v.Message = fmt.Sprintf("%s.%s has %d null values", m.TargetTable, c.TargetColumn, nulls)
		}
		checks = append(checks, v)
	}
	return checks, nil
}

// RowCountCheck compares staged and loaded row counts. A truncate-load must
// carry every staged row; merge and append only warn on a difference.
func RowCountCheck(executionID, table string, strategy types.LoadStrategy, staged, loaded int64, at time.Time) types.DataValidation {
	v := types.DataValidation{
		ExecutionID:    executionID,
		TableName:      table,
		ValidationType: CheckRowCount,
		ExpectedValue:  strconv.FormatInt(staged, 10),
		ActualValue:    strconv.FormatInt(loaded, 10),
		Status:         types.ValidationPassed,
		CreatedAt:      at,
	}
	switch {
	case staged == loaded:
	case strategy == types.TruncateLoad && loaded < staged:
		v.Status = types.ValidationFailed
		v.Message = fmt.Sprintf("%s: %d of %d staged rows loaded", table, loaded, staged)
	default:
		v.Status = types.ValidationWarning
		v.Message = fmt.Sprintf("%s: staged %d rows, target has %d", table, staged, loaded)
	}
	return v
}
