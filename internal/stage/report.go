package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/dwsmith1983/ferry/pkg/types"
)

// report writes the execution's migration report and drops staging tables
// when configured to.
func (e *executors) report(ctx context.Context, projectID, executionID string, cfg types.PipelineConfig) (types.StageResult, error) {
	p, err := e.project(ctx, projectID)
	if err != nil {
		return types.StageResult{}, err
	}

	var dropped int
	var cleanupWarnings []string
	if cfg.Staging.CleanupAfterMigration {
		dropped, cleanupWarnings, err = e.dropStaging(ctx, p, cfg)
		if err != nil {
			return types.StageResult{}, err
		}
	}

	rep, err := BuildReport(ctx, e.Store, p, executionID, time.Now().UTC())
	if err != nil {
		return types.StageResult{}, err
	}
	rep.Summary.StagingTablesDropped = dropped
	rep.Warnings = append(rep.Warnings, cleanupWarnings...)

	if err := e.Store.PutReport(ctx, rep); err != nil {
		return types.StageResult{}, fmt.Errorf("saving report: %w", err)
	}
	e.Logger.Info("migration report written", "execution", executionID, "status", rep.Summary.Status,
		"records", rep.Summary.RecordsProcessed, "failed", rep.Summary.RecordsFailed)

	return types.StageResult{
		Success:          true,
		RecordsProcessed: int64(len(rep.Tables)),
		Metadata: map[string]interface{}{
			"reportStatus":         string(rep.Summary.Status),
			"stagingTablesDropped": dropped,
		},
	}, nil
}

func (e *executors) dropStaging(ctx context.Context, p *types.Project, cfg types.PipelineConfig) (int, []string, error) {
	tgt, closeTarget, err := e.openTarget(ctx, p, cfg)
	if err != nil {
		return 0, nil, err
	}
	defer closeTarget()

	var dropped int
	var warnings []string
	for _, t := range stagingTables(p, cfg) {
		if err := tgt.DropTable(ctx, t); err != nil {
			warnings = append(warnings, fmt.Sprintf("staging table %s not dropped: %v", t, err))
			continue
		}
		dropped++
	}
	return dropped, warnings, nil
}

// ReportSource is the state needed to build a report.
type ReportSource interface {
	ListStages(ctx context.Context, executionID string) ([]types.ExecutionStage, error)
	ListValidations(ctx context.Context, executionID string) ([]types.DataValidation, error)
	ListAttachmentMigrations(ctx context.Context, executionID string) ([]types.AttachmentMigration, error)
	ListIdentityMappings(ctx context.Context, executionID string) ([]types.RecordIdentityMapping, error)
}

// BuildReport assembles a migration report from the rows recorded so far.
// The report stage itself is left out of the summary status.
func BuildReport(ctx context.Context, store ReportSource, p *types.Project, executionID string, now time.Time) (types.MigrationReport, error) {
	stages, err := store.ListStages(ctx, executionID)
	if err != nil {
		return types.MigrationReport{}, fmt.Errorf("listing stages: %w", err)
	}
	validations, err := store.ListValidations(ctx, executionID)
	if err != nil {
		return types.MigrationReport{}, fmt.Errorf("listing validations: %w", err)
	}
	attachments, err := store.ListAttachmentMigrations(ctx, executionID)
	if err != nil {
		return types.MigrationReport{}, fmt.Errorf("listing attachments: %w", err)
	}
	mappings, err := store.ListIdentityMappings(ctx, executionID)
	if err != nil {
		return types.MigrationReport{}, fmt.Errorf("listing identity mappings: %w", err)
	}

	rep := types.MigrationReport{
		ExecutionID: executionID,
		ProjectID:   p.ID,
		EndTime:     &now,
		Stages:      stages,
		Validations: validations,
		CreatedAt:   now,
	}

	var prior []types.ExecutionStage
	failedTables := map[string]bool{}
	for _, s := range stages {
		if s.StartTime != nil && (rep.StartTime == nil || s.StartTime.Before(*rep.StartTime)) {
			t := *s.StartTime
			rep.StartTime = &t
		}
		rep.Summary.RecordsFailed += s.RecordsFailed
		if s.StageID == types.StageLoadDimensions || s.StageID == types.StageLoadFacts {
			rep.Summary.RecordsProcessed += s.RecordsProcessed
		}
		if s.ErrorMessage != "" {
			rep.Errors = append(rep.Errors, s.StageName+": "+s.ErrorMessage)
		}
		for _, t := range stringList(s.Metadata["failedTables"]) {
			failedTables[t] = true
		}
		for _, msg := range stringList(s.Metadata["errors"]) {
			rep.Errors = append(rep.Errors, s.StageName+": "+msg)
		}
		if s.StageID != types.StageReport {
			prior = append(prior, s)
		}
	}
	rep.Summary.Status = types.AggregateStatus(prior)
	if rep.StartTime != nil {
		rep.DurationMs = now.Sub(*rep.StartTime).Milliseconds()
	}

	for _, v := range validations {
		switch v.Status {
		case types.ValidationPassed:
			rep.Summary.ValidationsPassed++
		case types.ValidationFailed:
			rep.Summary.ValidationsFailed++
		case types.ValidationWarning:
			rep.Summary.ValidationWarnings++
			rep.Warnings = append(rep.Warnings, v.Message)
		}
	}
	for _, a := range attachments {
		switch a.Status {
		case types.AttachmentSuccess:
			rep.Summary.AttachmentsMigrated++
		case types.AttachmentFailed:
			rep.Summary.AttachmentsFailed++
		}
	}
	rep.Summary.IdentityMappings = len(mappings)

	perTable := map[string]int{}
	for _, m := range mappings {
		perTable[m.TableName]++
	}
	for _, m := range p.Tables {
		rep.Tables = append(rep.Tables, types.TableReport{
			SourceTable:      m.SourceTable,
			TargetTable:      m.TargetTable,
			Kind:             m.Kind,
			IdentityMappings: perTable[m.TargetTable],
		})
		if len(m.Columns) > 0 && !failedTables[m.SourceTable] {
			rep.Summary.TablesMigrated++
		}
	}
	return rep, nil
}

// stringList reads a string slice from stage metadata, which comes back as
// []interface{} after a JSON round trip.
func stringList(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, x := range s {
			if str, ok := x.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
