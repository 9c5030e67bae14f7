package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dwsmith1983/ferry/internal/provider"
	"github.com/dwsmith1983/ferry/pkg/types"
)

// RegisterProject upserts a project definition into the catalog.
func (s *Store) RegisterProject(ctx context.Context, project types.Project) error {
	def, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("marshal project: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO projects (project_id, name, definition, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (project_id) DO UPDATE SET
			name       = EXCLUDED.name,
			definition = EXCLUDED.definition,
			updated_at = NOW()
	`, project.ID, project.Name, def)
	return err
}

// CreateStage inserts a stage row unless (execution_id, stage_id) already exists.
func (s *Store) CreateStage(ctx context.Context, stage types.ExecutionStage) (bool, error) {
	metaJSON, err := json.Marshal(stage.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal stage metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO execution_stages (execution_id, project_id, stage_id, stage_order, stage_name,
			status, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (execution_id, stage_id) DO NOTHING
	`, stage.ExecutionID, stage.ProjectID, string(stage.StageID), stage.StageID.Order(),
		stage.StageName, string(stage.Status), metaJSON)
	if err != nil {
		return false, fmt.Errorf("insert stage: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateStage overwrites the mutable fields of an existing stage row.
func (s *Store) UpdateStage(ctx context.Context, stage types.ExecutionStage) error {
	metaJSON, err := json.Marshal(stage.Metadata)
	if err != nil {
		return fmt.Errorf("marshal stage metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE execution_stages SET
			status            = $3,
			start_time        = $4,
			end_time          = $5,
			duration_ms       = $6,
			records_processed = $7,
			records_failed    = $8,
			error_message     = NULLIF($9, ''),
			metadata          = $10,
			attempts          = $11,
			updated_at        = NOW()
		WHERE execution_id = $1 AND stage_id = $2
	`, stage.ExecutionID, string(stage.StageID), string(stage.Status), stage.StartTime, stage.EndTime,
		stage.DurationMs, stage.RecordsProcessed, stage.RecordsFailed, stage.ErrorMessage,
		metaJSON, stage.Attempts)
	if err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("stage %s/%s: %w", stage.ExecutionID, stage.StageID, provider.ErrNotFound)
	}
	return nil
}

// PutAttachmentMigration upserts an attachment row keyed by execution, table, document and name.
func (s *Store) PutAttachmentMigration(ctx context.Context, a types.AttachmentMigration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attachment_migrations (execution_id, project_id, document_id, attachment_name,
			table_name, target_id, source_url, target_url, content_type, size_bytes, status,
			error_message, attempts, migrated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, NULLIF($12, ''), $13, $14)
		ON CONFLICT (execution_id, table_name, document_id, attachment_name) DO UPDATE SET
			target_id     = EXCLUDED.target_id,
			source_url    = EXCLUDED.source_url,
			target_url    = EXCLUDED.target_url,
			content_type  = EXCLUDED.content_type,
			size_bytes    = EXCLUDED.size_bytes,
			status        = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			attempts      = EXCLUDED.attempts,
			migrated_at   = EXCLUDED.migrated_at
	`, a.ExecutionID, a.ProjectID, a.DocumentID, a.AttachmentName, a.TableName, a.TargetID,
		a.SourceURL, a.TargetURL, a.ContentType, a.SizeBytes, string(a.Status),
		a.ErrorMessage, a.Attempts, a.MigratedAt)
	return err
}

// PutIdentityMappings batch-upserts identity mappings in one transaction.
func (s *Store) PutIdentityMappings(ctx context.Context, mappings []types.RecordIdentityMapping) error {
	if len(mappings) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, m := range mappings {
		batch.Queue(`
			INSERT INTO record_identity_mappings (execution_id, project_id, table_name, source_id,
				source_id_column, target_id, target_id_column, source_document_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
			ON CONFLICT (execution_id, table_name, source_id) DO UPDATE SET
				target_id           = EXCLUDED.target_id,
				target_id_column    = EXCLUDED.target_id_column,
				source_document_key = EXCLUDED.source_document_key
		`, m.ExecutionID, m.ProjectID, m.TableName, m.SourceID, m.SourceIDColumn,
			m.TargetID, m.TargetIDColumn, m.SourceDocumentKey)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert identity mappings: %w", err)
	}
	return tx.Commit(ctx)
}

// ReplaceValidations deletes the validation rows of one table of an
// execution and writes checks in their place, in one transaction.
func (s *Store) ReplaceValidations(ctx context.Context, executionID, tableName string, checks []types.DataValidation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM data_validations WHERE execution_id = $1 AND table_name = $2`,
		executionID, tableName)
	for _, v := range checks {
		batch.Queue(`
			INSERT INTO data_validations (execution_id, table_name, validation_type, expected_value,
				actual_value, status, message, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, executionID, tableName, v.ValidationType, v.ExpectedValue, v.ActualValue,
			string(v.Status), v.Message, v.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("replace validations: %w", err)
	}
	return tx.Commit(ctx)
}

// PutReport writes the execution report once; later writes are ignored.
func (s *Store) PutReport(ctx context.Context, report types.MigrationReport) error {
	doc, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO migration_reports (execution_id, project_id, report, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (execution_id) DO NOTHING
	`, report.ExecutionID, report.ProjectID, doc, report.CreatedAt)
	return err
}
