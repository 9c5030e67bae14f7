package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dwsmith1983/ferry/internal/provider"
	"github.com/dwsmith1983/ferry/pkg/types"
)

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, provider.ErrNotFound)
	}
	return err
}

// GetProject returns a project definition from the catalog.
func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	var def []byte
	err := s.pool.QueryRow(ctx, `SELECT definition FROM projects WHERE project_id = $1`, id).Scan(&def)
	if err != nil {
		return nil, notFound(err, "project "+id)
	}
	var p types.Project
	if err := json.Unmarshal(def, &p); err != nil {
		return nil, fmt.Errorf("unmarshal project: %w", err)
	}
	return &p, nil
}

// ListProjects returns every registered project ordered by id.
func (s *Store) ListProjects(ctx context.Context) ([]types.Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT definition FROM projects ORDER BY project_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Project
	for rows.Next() {
		var def []byte
		if err := rows.Scan(&def); err != nil {
			return nil, err
		}
		var p types.Project
		if err := json.Unmarshal(def, &p); err != nil {
			return nil, fmt.Errorf("unmarshal project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const stageColumns = `execution_id, project_id, stage_id, stage_name, status, start_time, end_time,
	duration_ms, records_processed, records_failed, COALESCE(error_message, ''), metadata,
	attempts, updated_at`

func scanStage(row pgx.Row) (types.ExecutionStage, error) {
	var st types.ExecutionStage
	var stageID, status string
	var meta []byte
	err := row.Scan(&st.ExecutionID, &st.ProjectID, &stageID, &st.StageName, &status,
		&st.StartTime, &st.EndTime, &st.DurationMs, &st.RecordsProcessed, &st.RecordsFailed,
		&st.ErrorMessage, &meta, &st.Attempts, &st.UpdatedAt)
	if err != nil {
		return st, err
	}
	st.StageID = types.StageID(stageID)
	st.Status = types.StageStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &st.Metadata); err != nil {
			return st, fmt.Errorf("unmarshal stage metadata: %w", err)
		}
	}
	return st, nil
}

// GetStage returns a single stage row.
func (s *Store) GetStage(ctx context.Context, executionID string, stageID types.StageID) (*types.ExecutionStage, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stageColumns+`
		FROM execution_stages WHERE execution_id = $1 AND stage_id = $2`, executionID, string(stageID))
	st, err := scanStage(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("stage %s/%s", executionID, stageID))
	}
	return &st, nil
}

// ListStages returns the stage rows of an execution in pipeline order.
func (s *Store) ListStages(ctx context.Context, executionID string) ([]types.ExecutionStage, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stageColumns+`
		FROM execution_stages WHERE execution_id = $1 ORDER BY stage_order`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ExecutionStage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListAttachmentMigrations returns the attachment rows of an execution.
func (s *Store) ListAttachmentMigrations(ctx context.Context, executionID string) ([]types.AttachmentMigration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT execution_id, project_id, document_id, attachment_name, COALESCE(table_name, ''),
			COALESCE(target_id, ''), source_url, COALESCE(target_url, ''), COALESCE(content_type, ''),
			size_bytes, status, COALESCE(error_message, ''), attempts, migrated_at
		FROM attachment_migrations
		WHERE execution_id = $1
		ORDER BY document_id, attachment_name, table_name
	`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.AttachmentMigration
	for rows.Next() {
		var a types.AttachmentMigration
		var status string
		if err := rows.Scan(&a.ExecutionID, &a.ProjectID, &a.DocumentID, &a.AttachmentName,
			&a.TableName, &a.TargetID, &a.SourceURL, &a.TargetURL, &a.ContentType,
			&a.SizeBytes, &status, &a.ErrorMessage, &a.Attempts, &a.MigratedAt); err != nil {
			return nil, err
		}
		a.Status = types.AttachmentStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

const mappingColumns = `execution_id, project_id, table_name, source_id, source_id_column,
	target_id, target_id_column, COALESCE(source_document_key, ''), created_at`

func scanMapping(row pgx.Row) (types.RecordIdentityMapping, error) {
	var m types.RecordIdentityMapping
	err := row.Scan(&m.ExecutionID, &m.ProjectID, &m.TableName, &m.SourceID, &m.SourceIDColumn,
		&m.TargetID, &m.TargetIDColumn, &m.SourceDocumentKey, &m.CreatedAt)
	return m, err
}

// FindIdentityMapping resolves a source document key to the mapping it
// produced in one target table.
func (s *Store) FindIdentityMapping(ctx context.Context, executionID, tableName, documentKey string) (*types.RecordIdentityMapping, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+mappingColumns+`
		FROM record_identity_mappings
		WHERE execution_id = $1 AND table_name = $2
			AND (source_document_key = $3 OR source_id = $3)
		ORDER BY (source_document_key = $3) DESC NULLS LAST
		LIMIT 1`, executionID, tableName, documentKey)
	m, err := scanMapping(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("identity %s/%s/%s", executionID, tableName, documentKey))
	}
	return &m, nil
}

// ListIdentityMappings returns every identity mapping of an execution.
func (s *Store) ListIdentityMappings(ctx context.Context, executionID string) ([]types.RecordIdentityMapping, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+mappingColumns+`
		FROM record_identity_mappings WHERE execution_id = $1
		ORDER BY table_name, source_id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.RecordIdentityMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListValidations returns the validation results of an execution in insertion order.
func (s *Store) ListValidations(ctx context.Context, executionID string) ([]types.DataValidation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT execution_id, table_name, validation_type, COALESCE(expected_value, ''),
			COALESCE(actual_value, ''), status, COALESCE(message, ''), created_at
		FROM data_validations WHERE execution_id = $1 ORDER BY id
	`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.DataValidation
	for rows.Next() {
		var v types.DataValidation
		var status string
		if err := rows.Scan(&v.ExecutionID, &v.TableName, &v.ValidationType, &v.ExpectedValue,
			&v.ActualValue, &status, &v.Message, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Status = types.ValidationStatus(status)
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetReport returns the stored report for an execution.
func (s *Store) GetReport(ctx context.Context, executionID string) (*types.MigrationReport, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT report FROM migration_reports WHERE execution_id = $1`, executionID).Scan(&doc)
	if err != nil {
		return nil, notFound(err, "report "+executionID)
	}
	var r types.MigrationReport
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &r, nil
}
