package types

import "time"

// ExecutionStage is the persisted state of one stage of one execution.
// (ExecutionID, StageID) is unique.
type ExecutionStage struct {
	ExecutionID      string                 `json:"executionId"`
	ProjectID        string                 `json:"projectId"`
	StageID          StageID                `json:"stageId"`
	StageName        string                 `json:"stageName"`
	Status           StageStatus            `json:"status"`
	StartTime        *time.Time             `json:"startTime,omitempty"`
	EndTime          *time.Time             `json:"endTime,omitempty"`
	DurationMs       int64                  `json:"durationMs"`
	RecordsProcessed int64                  `json:"recordsProcessed"`
	RecordsFailed    int64                  `json:"recordsFailed"`
	ErrorMessage     string                 `json:"errorMessage,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	Attempts         int                    `json:"attempts"`
	UpdatedAt        time.Time              `json:"updatedAt"`
}

// NewExecutionStage returns the pending row created for a stage at execution start.
func NewExecutionStage(projectID, executionID string, stage StageID) ExecutionStage {
	return ExecutionStage{
		ExecutionID: executionID,
		ProjectID:   projectID,
		StageID:     stage,
		StageName:   stage.Name(),
		Status:      StagePending,
		UpdatedAt:   time.Now(),
	}
}

// AttachmentMigration records the outcome of moving one document attachment.
// (ExecutionID, DocumentID, AttachmentName) is unique.
type AttachmentMigration struct {
	ExecutionID    string           `json:"executionId"`
	ProjectID      string           `json:"projectId"`
	DocumentID     string           `json:"documentId"`
	AttachmentName string           `json:"attachmentName"`
	TableName      string           `json:"tableName,omitempty"`
	TargetID       string           `json:"targetId,omitempty"`
	SourceURL      string           `json:"sourceUrl"`
	TargetURL      string           `json:"targetUrl,omitempty"`
	ContentType    string           `json:"contentType,omitempty"`
	SizeBytes      int64            `json:"sizeBytes"`
	Status         AttachmentStatus `json:"status"`
	ErrorMessage   string           `json:"errorMessage,omitempty"`
	Attempts       int              `json:"attempts"`
	MigratedAt     *time.Time       `json:"migratedAt,omitempty"`
}

// RecordIdentityMapping links a source record to the target row it produced.
// (ExecutionID, TableName, SourceID) is unique.
type RecordIdentityMapping struct {
	ExecutionID       string    `json:"executionId"`
	ProjectID         string    `json:"projectId"`
	TableName         string    `json:"tableName"`
	SourceID          string    `json:"sourceId"`
	SourceIDColumn    string    `json:"sourceIdColumn"`
	TargetID          string    `json:"targetId"`
	TargetIDColumn    string    `json:"targetIdColumn"`
	SourceDocumentKey string    `json:"sourceDocumentKey,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// DataValidation is one validation check result.
type DataValidation struct {
	ExecutionID    string           `json:"executionId"`
	TableName      string           `json:"tableName"`
	ValidationType string           `json:"validationType"`
	ExpectedValue  string           `json:"expectedValue"`
	ActualValue    string           `json:"actualValue"`
	Status         ValidationStatus `json:"status"`
	Message        string           `json:"message,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// ReportSummary aggregates counts over an execution.
type ReportSummary struct {
	Status               StageStatus `json:"status"`
	TablesMigrated       int         `json:"tablesMigrated"`
	RecordsProcessed     int64       `json:"recordsProcessed"`
	RecordsFailed        int64       `json:"recordsFailed"`
	ValidationsPassed    int         `json:"validationsPassed"`
	ValidationsFailed    int         `json:"validationsFailed"`
	ValidationWarnings   int         `json:"validationWarnings"`
	AttachmentsMigrated  int         `json:"attachmentsMigrated"`
	AttachmentsFailed    int         `json:"attachmentsFailed"`
	IdentityMappings     int         `json:"identityMappings"`
	StagingTablesDropped int         `json:"stagingTablesDropped"`
}

// TableReport is the per-table detail of a migration report.
type TableReport struct {
	SourceTable      string    `json:"sourceTable"`
	TargetTable      string    `json:"targetTable"`
	Kind             TableKind `json:"kind"`
	IdentityMappings int       `json:"identityMappings"`
}

// MigrationReport is the immutable summary written once per execution.
type MigrationReport struct {
	ExecutionID string           `json:"executionId"`
	ProjectID   string           `json:"projectId"`
	StartTime   *time.Time       `json:"startTime,omitempty"`
	EndTime     *time.Time       `json:"endTime,omitempty"`
	DurationMs  int64            `json:"durationMs"`
	Summary     ReportSummary    `json:"summary"`
	Stages      []ExecutionStage `json:"stages"`
	Validations []DataValidation `json:"validations,omitempty"`
	Tables      []TableReport    `json:"tables,omitempty"`
	Errors      []string         `json:"errors,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// StageResult is what a stage executor returns.
type StageResult struct {
	Success          bool                   `json:"success"`
	RecordsProcessed int64                  `json:"recordsProcessed"`
	RecordsFailed    int64                  `json:"recordsFailed"`
	Duration         time.Duration          `json:"duration"`
	Error            string                 `json:"error,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// QueueStats is a point-in-time count of jobs per state.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Total     int `json:"total"`
}

// JobStatus is the externally visible state of a queued stage job.
type JobStatus struct {
	ID           string   `json:"id"`
	State        JobState `json:"state"`
	Progress     int      `json:"progress"`
	AttemptsMade int      `json:"attemptsMade"`
	FailedReason string   `json:"failedReason,omitempty"`
}

// ExecutionStatus aggregates the stage rows of one execution.
type ExecutionStatus struct {
	ExecutionID string           `json:"executionId"`
	ProjectID   string           `json:"projectId,omitempty"`
	Status      StageStatus      `json:"status"`
	Stages      []ExecutionStage `json:"stages"`
}

// AggregateStatus derives an execution's overall status from its stage rows:
// failed if any failed; running if any running or only some completed;
// completed if all completed; pending otherwise.
func AggregateStatus(stages []ExecutionStage) StageStatus {
	if len(stages) == 0 {
		return StagePending
	}
	completed := 0
	running := false
	for _, s := range stages {
		switch s.Status {
		case StageFailed:
			return StageFailed
		case StageRunning:
			running = true
		case StageCompleted:
			completed++
		}
	}
	switch {
	case completed == len(stages):
		return StageCompleted
	case running || completed > 0:
		return StageRunning
	default:
		return StagePending
	}
}

// Alert is a notification raised on notable execution events.
type Alert struct {
	Level       AlertLevel             `json:"level"`
	ProjectID   string                 `json:"projectId,omitempty"`
	ExecutionID string                 `json:"executionId,omitempty"`
	StageID     StageID                `json:"stageId,omitempty"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}
