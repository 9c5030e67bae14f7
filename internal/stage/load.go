package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/dwsmith1983/ferry/internal/attachment"
	"github.com/dwsmith1983/ferry/internal/metrics"
	"github.com/dwsmith1983/ferry/internal/source"
	"github.com/dwsmith1983/ferry/internal/warehouse"
	"github.com/dwsmith1983/ferry/pkg/types"
)

func loadSpec(m types.TableMapping, cfg types.PipelineConfig) warehouse.LoadSpec {
	return warehouse.LoadSpec{
		StagingTable:    cfg.StagingTable(m.SourceTable),
		TargetTable:     m.TargetTable,
		Kind:            m.Kind,
		Columns:         m.Columns,
		Strategy:        cfg.LoadStrategy,
		MergeKeys:       m.MergeKeys,
		CaptureIdentity: m.Kind == types.TableFact,
	}
}

// loadDimensions loads dimension tables one at a time, each in its own transaction.
func (e *executors) loadDimensions(ctx context.Context, projectID, executionID string, cfg types.PipelineConfig) (types.StageResult, error) {
	p, err := e.project(ctx, projectID)
	if err != nil {
		return types.StageResult{}, err
	}
	tables := p.TablesOfKind(types.TableDimension)
	if len(tables) == 0 {
		return types.StageResult{Success: true, Metadata: map[string]interface{}{"tables": 0}}, nil
	}
	tgt, closeTarget, err := e.openTarget(ctx, p, cfg)
	if err != nil {
		return types.StageResult{}, err
	}
	defer closeTarget()

	units, err := runTables(ctx, cfg, tables, 1, func(ctx context.Context, _ int, m types.TableMapping) UnitResult {
		if r, skip := skipEmpty(e.Logger, types.StageLoadDimensions, m); skip {
			return r
		}
		unit := UnitResult{Unit: m.SourceTable}
		res, err := tgt.Load(ctx, loadSpec(m, cfg))
		if err != nil {
			unit.Err, unit.Failed = err, failedCount(res.Staged)
			metrics.RecordsFailed.Add(unit.Failed)
			e.Logger.Error("dimension load failed", "execution", executionID, "table", m.TargetTable, "error", err)
			return unit
		}
		unit.Processed = res.Inserted
		metrics.RecordsProcessed.Add(res.Inserted)
		e.Logger.Info("dimension loaded", "execution", executionID, "table", m.TargetTable, "rows", res.Inserted)
		return unit
	})
	res := Fold(units)
	res.Metadata["loadStrategy"] = string(cfg.LoadStrategy)
	if err != nil {
		return abort(res, err), err
	}
	return res, nil
}

// loadFacts loads fact tables, records the identity of every inserted row and
// then moves document attachments onto the loaded rows.
func (e *executors) loadFacts(ctx context.Context, projectID, executionID string, cfg types.PipelineConfig) (types.StageResult, error) {
	p, err := e.project(ctx, projectID)
	if err != nil {
		return types.StageResult{}, err
	}
	tables := p.TablesOfKind(types.TableFact)
	if len(tables) == 0 {
		return types.StageResult{Success: true, Metadata: map[string]interface{}{"tables": 0}}, nil
	}
	tgt, closeTarget, err := e.openTarget(ctx, p, cfg)
	if err != nil {
		return types.StageResult{}, err
	}
	defer closeTarget()

	documents := p.Source.Engine.IsDocumentStore()
	captured := make([][]types.RecordIdentityMapping, len(tables))

	units, err := runTables(ctx, cfg, tables, 1, func(ctx context.Context, i int, m types.TableMapping) UnitResult {
		if r, skip := skipEmpty(e.Logger, types.StageLoadFacts, m); skip {
			return r
		}
		unit := UnitResult{Unit: m.SourceTable}
		res, err := tgt.Load(ctx, loadSpec(m, cfg))
		if err != nil {
			unit.Err, unit.Failed = err, failedCount(res.Staged)
			metrics.RecordsFailed.Add(unit.Failed)
			e.Logger.Error("fact load failed", "execution", executionID, "table", m.TargetTable, "error", err)
			return unit
		}
		unit.Processed = res.Inserted
		metrics.RecordsProcessed.Add(res.Inserted)

		now := time.Now().UTC()
		rows := make([]types.RecordIdentityMapping, len(res.Identities))
		for j, id := range res.Identities {
			rows[j] = types.RecordIdentityMapping{
				ExecutionID:    executionID,
				ProjectID:      projectID,
				TableName:      m.TargetTable,
				SourceID:       id.SourceID,
				SourceIDColumn: res.SourceKey,
				TargetID:       id.TargetID,
				TargetIDColumn: res.TargetKey,
				CreatedAt:      now,
			}
			if documents {
				rows[j].SourceDocumentKey = id.SourceID
			}
		}
		captured[i] = rows
		e.Logger.Info("fact loaded", "execution", executionID, "table", m.TargetTable,
			"rows", res.Inserted, "identities", len(rows))
		return unit
	})
	res := Fold(units)
	res.Metadata["loadStrategy"] = string(cfg.LoadStrategy)

	// Tables committed before a fail-fast stop keep their identities.
	var mappings []types.RecordIdentityMapping
	for _, rows := range captured {
		mappings = append(mappings, rows...)
	}
	recorded, recErr := e.Mapper.Record(ctx, mappings)
	res.Metadata["identityMappings"] = recorded
	if err != nil {
		if recErr != nil {
			e.Logger.Error("recording identity mappings failed", "execution", executionID, "error", recErr)
		}
		return abort(res, err), err
	}
	if recErr != nil {
		return abort(res, recErr), recErr
	}

	if !documents {
		return res, nil
	}
	att, err := e.migrateAttachments(ctx, p, executionID, cfg, tables, tgt)
	res.Metadata["attachmentsMigrated"] = att.Migrated
	res.Metadata["attachmentsFailed"] = att.Failed
	if err != nil {
		err = fmt.Errorf("migrating attachments: %w", err)
		return abort(res, err), err
	}
	return res, nil
}

func (e *executors) migrateAttachments(ctx context.Context, p *types.Project, executionID string,
	cfg types.PipelineConfig, tables []types.TableMapping, tgt warehouse.Target) (attachment.Result, error) {
	if e.Attachments == nil {
		e.Logger.Warn("document source but no object store configured, attachments not migrated", "execution", executionID)
		return attachment.Result{}, nil
	}

	var docs []attachment.Document
	for _, m := range tables {
		if len(m.Columns) == 0 {
			continue
		}
		manifests, err := tgt.AttachmentManifests(ctx, cfg.StagingTable(m.SourceTable))
		if err != nil {
			if !cfg.ContinueOnError() {
				return attachment.Result{}, err
			}
			e.Logger.Warn("reading attachment manifests failed", "execution", executionID, "table", m.SourceTable, "error", err)
			continue
		}
		for _, mf := range manifests {
			docs = append(docs, attachment.Document{
				ID:          mf.DocumentID,
				Table:       m.TargetTable,
				Attachments: source.ParseAttachments(mf.Manifest),
			})
		}
	}
	if len(docs) == 0 {
		return attachment.Result{}, nil
	}

	src, err := e.OpenSource(ctx, p.Source)
	if err != nil {
		return attachment.Result{}, fmt.Errorf("connecting to source: %w", err)
	}
	defer func() { _ = src.Close(context.WithoutCancel(ctx)) }()
	dl, ok := src.(attachment.Downloader)
	if !ok {
		return attachment.Result{}, fmt.Errorf("source engine %q cannot serve attachments", p.Source.Engine)
	}

	return e.Attachments.Migrate(ctx, attachment.Request{
		ProjectID:   p.ID,
		ExecutionID: executionID,
		Documents:   docs,
		Resolve:     e.Mapper.Resolver(executionID),
		Source:      dl,
		Target:      tgt,
		Mode:        cfg.ErrorHandling,
	})
}
