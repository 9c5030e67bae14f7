// Package types defines the public domain types for the ferry migration engine.
package types

// StageID identifies one of the six fixed pipeline stages.
type StageID string

// StageID values in pipeline order.
const (
	StageExtract        StageID = "extract"
	StageTransform      StageID = "transform"
	StageLoadDimensions StageID = "load-dimensions"
	StageLoadFacts      StageID = "load-facts"
	StageValidate       StageID = "validate"
	StageReport         StageID = "report"
)

// Stages lists every stage in execution order.
var Stages = []StageID{
	StageExtract,
	StageTransform,
	StageLoadDimensions,
	StageLoadFacts,
	StageValidate,
	StageReport,
}

var stageNames = map[StageID]string{
	StageExtract:        "Extract",
	StageTransform:      "Transform",
	StageLoadDimensions: "Load Dimensions",
	StageLoadFacts:      "Load Facts",
	StageValidate:       "Validate",
	StageReport:         "Report",
}

// Order returns the 1-based position of the stage, or 0 for an unknown stage.
// It doubles as the queue priority: lower runs first.
func (s StageID) Order() int {
	for i, id := range Stages {
		if id == s {
			return i + 1
		}
	}
	return 0
}

// Name returns the human-readable stage name.
func (s StageID) Name() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return string(s)
}

// Valid reports whether s is one of the six pipeline stages.
func (s StageID) Valid() bool { return s.Order() > 0 }

// Previous returns the stage immediately before s and false for the first stage.
func (s StageID) Previous() (StageID, bool) {
	o := s.Order()
	if o <= 1 {
		return "", false
	}
	return Stages[o-2], true
}

// StageStatus represents the lifecycle state of a single stage of an execution.
type StageStatus string

// StageStatus values.
const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// ErrorHandling selects how a stage reacts to a per-unit failure.
type ErrorHandling string

// ErrorHandling values.
const (
	FailFast        ErrorHandling = "fail-fast"
	ContinueOnError ErrorHandling = "continue-on-error"
)

// LoadStrategy selects how staged rows are written to the target.
type LoadStrategy string

// LoadStrategy values.
const (
	TruncateLoad LoadStrategy = "truncate-load"
	Merge        LoadStrategy = "merge"
	Append       LoadStrategy = "append"
)

// SourceEngine identifies the source database kind.
type SourceEngine string

// SourceEngine values.
const (
	EnginePostgres SourceEngine = "postgres"
	EngineCouchDB  SourceEngine = "couchdb"
)

// IsDocumentStore reports whether the engine stores schemaless documents
// that can carry attachments.
func (e SourceEngine) IsDocumentStore() bool { return e == EngineCouchDB }

// TableKind separates dimension tables from fact tables.
type TableKind string

// TableKind values.
const (
	TableDimension TableKind = "dimension"
	TableFact      TableKind = "fact"
)

// AttachmentStatus is the outcome of a single attachment migration.
type AttachmentStatus string

// AttachmentStatus values.
const (
	AttachmentPending AttachmentStatus = "pending"
	AttachmentSuccess AttachmentStatus = "success"
	AttachmentFailed  AttachmentStatus = "failed"
)

// ValidationStatus is the outcome of a single data validation check.
type ValidationStatus string

// ValidationStatus values.
const (
	ValidationPassed  ValidationStatus = "passed"
	ValidationFailed  ValidationStatus = "failed"
	ValidationWarning ValidationStatus = "warning"
)

// JobState is the state of a queued stage job.
type JobState string

// JobState values.
const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobDelayed   JobState = "delayed"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// AlertLevel indicates the severity of an alert.
type AlertLevel string

// AlertLevel values.
const (
	AlertLevelError   AlertLevel = "error"
	AlertLevelWarning AlertLevel = "warning"
	AlertLevelInfo    AlertLevel = "info"
)

// AlertType defines the alert sink type.
type AlertType string

// AlertType values enumerate the supported alert sink backends.
const (
	AlertConsole AlertType = "console"
	AlertWebhook AlertType = "webhook"
	AlertFile    AlertType = "file"
	AlertS3      AlertType = "s3"
)
