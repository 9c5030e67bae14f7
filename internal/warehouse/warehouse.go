// Package warehouse writes staged and loaded rows to the migration target.
package warehouse

import (
	"context"

	"github.com/dwsmith1983/ferry/pkg/types"
)

// Attachment columns added to every fact table.
const (
	AttachmentURLColumn      = "attachment_url"
	AttachmentMetadataColumn = "attachment_metadata"
)

// LoadSpec describes moving one staging table into its target table.
type LoadSpec struct {
	StagingTable string
	TargetTable  string
	Kind         types.TableKind
	Columns      []types.ColumnMapping
	Strategy     types.LoadStrategy
	MergeKeys    []string
	// CaptureIdentity adds the attachment columns and returns the
	// source/target key pair of every inserted row.
	CaptureIdentity bool
}

// IdentityPair links a staged source key to the target key it produced.
type IdentityPair struct {
	SourceID string
	TargetID string
}

// LoadResult is the committed outcome of a Load. Staged is -1 when the
// staging row count could not be determined.
type LoadResult struct {
	Staged     int64
	Inserted   int64
	SourceKey  string
	TargetKey  string
	Identities []IdentityPair
}

// DocumentManifest is the attachment manifest staged for one document.
type DocumentManifest struct {
	DocumentID string
	Manifest   string
}

// AttachmentUpdate points a target row at a migrated attachment.
type AttachmentUpdate struct {
	Table    string
	TargetID string
	Name     string
	URL      string
	Metadata map[string]interface{}
}

// Target is a connection to the migration target, opened for one stage.
type Target interface {
	PrepareStaging(ctx context.Context, table string, columns []string, key string) error
	InsertStaging(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
	Transform(ctx context.Context, table string, steps []Transformation) error
	CountRows(ctx context.Context, table string) (int64, error)
	CountNulls(ctx context.Context, table, column string) (int64, error)
	Load(ctx context.Context, spec LoadSpec) (LoadResult, error)
	AttachmentManifests(ctx context.Context, stagingTable string) ([]DocumentManifest, error)
	SetAttachment(ctx context.Context, u AttachmentUpdate) error
	DropTable(ctx context.Context, table string) error
	Close(ctx context.Context) error
}
