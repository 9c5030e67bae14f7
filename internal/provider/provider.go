// Package provider defines the execution state store interface for ferry.
package provider

import (
	"context"
	"errors"

	"github.com/dwsmith1983/ferry/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Provider is the execution state store. It holds the project catalog and
// every record an execution produces.
type Provider interface {
	// Project catalog
	RegisterProject(ctx context.Context, project types.Project) error
	GetProject(ctx context.Context, id string) (*types.Project, error)
	ListProjects(ctx context.Context) ([]types.Project, error)

	// Execution stages. CreateStage is a no-op returning false when the
	// (executionID, stageID) row already exists.
	CreateStage(ctx context.Context, stage types.ExecutionStage) (bool, error)
	GetStage(ctx context.Context, executionID string, stageID types.StageID) (*types.ExecutionStage, error)
	UpdateStage(ctx context.Context, stage types.ExecutionStage) error
	ListStages(ctx context.Context, executionID string) ([]types.ExecutionStage, error)

	// Attachment migrations, upserted on (executionID, documentID, attachmentName)
	PutAttachmentMigration(ctx context.Context, m types.AttachmentMigration) error
	ListAttachmentMigrations(ctx context.Context, executionID string) ([]types.AttachmentMigration, error)

	// Record identity mappings, upserted on (executionID, tableName, sourceID)
	PutIdentityMappings(ctx context.Context, mappings []types.RecordIdentityMapping) error
	FindIdentityMapping(ctx context.Context, executionID, tableName, documentKey string) (*types.RecordIdentityMapping, error)
	ListIdentityMappings(ctx context.Context, executionID string) ([]types.RecordIdentityMapping, error)

	// Validation results. ReplaceValidations swaps the rows of one table.
	ReplaceValidations(ctx context.Context, executionID, tableName string, checks []types.DataValidation) error
	ListValidations(ctx context.Context, executionID string) ([]types.DataValidation, error)

	// Reports are written once; a second PutReport for the same execution is ignored.
	PutReport(ctx context.Context, report types.MigrationReport) error
	GetReport(ctx context.Context, executionID string) (*types.MigrationReport, error)

	// Lifecycle
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ping(ctx context.Context) error
}
