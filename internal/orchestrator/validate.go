package orchestrator

import (
	"github.com/dwsmith1983/ferry/internal/warehouse"
	"github.com/dwsmith1983/ferry/pkg/types"
)

// ValidateConfig rejects pipeline settings that are set but unusable.
// Zero values are allowed and later replaced by defaults.
func ValidateConfig(c types.PipelineConfig) error {
	switch {
	case c.BatchSize < 0:
		return invalid("batchSize must not be negative")
	case c.Parallelism < 0:
		return invalid("parallelism must not be negative")
	case c.RetryAttempts < 0:
		return invalid("retryAttempts must not be negative")
	case c.RetryDelayMs < 0:
		return invalid("retryDelayMs must not be negative")
	}
	switch c.ErrorHandling {
	case "", types.FailFast, types.ContinueOnError:
	default:
		return invalid("unknown errorHandling %q", c.ErrorHandling)
	}
	switch c.LoadStrategy {
	case "", types.TruncateLoad, types.Merge, types.Append:
	default:
		return invalid("unknown loadStrategy %q", c.LoadStrategy)
	}
	return nil
}

// ValidateProject checks a project's mappings: engines, table kinds,
// transformation ids and their settings, and cast types.
func ValidateProject(p types.Project) error {
	switch p.Source.Engine {
	case types.EnginePostgres, types.EngineCouchDB:
	default:
		return invalid("project %s: unsupported source engine %q", p.ID, p.Source.Engine)
	}
	if p.Target.Engine != "" && p.Target.Engine != types.EnginePostgres {
		return invalid("project %s: unsupported target engine %q", p.ID, p.Target.Engine)
	}
	for _, t := range p.Tables {
		if t.SourceTable == "" || t.TargetTable == "" {
			return invalid("project %s: table mapping needs sourceTable and targetTable", p.ID)
		}
		if t.Kind != types.TableDimension && t.Kind != types.TableFact {
			return invalid("table %s: unknown kind %q", t.SourceTable, t.Kind)
		}
		for _, c := range t.Columns {
			if c.SourceColumn == "" || c.TargetColumn == "" {
				return invalid("table %s: column mapping needs sourceColumn and targetColumn", t.SourceTable)
			}
			if !warehouse.ValidType(c.TargetType) {
				return invalid("table %s: invalid targetType %q", t.SourceTable, c.TargetType)
			}
			if c.Transformation == "" {
				continue
			}
			step := warehouse.Transformation{Column: c.SourceColumn, Kind: c.Transformation, Config: c.TransformationConfig}
			if _, _, err := warehouse.Compile(t.SourceTable, step); err != nil {
				return invalid("table %s: %v", t.SourceTable, err)
			}
		}
	}
	return nil
}
