// Package metrics exposes runtime counters via expvar.
package metrics

import "expvar"

var (
	JobsEnqueued           = expvar.NewInt("jobs_enqueued")
	JobsCompleted          = expvar.NewInt("jobs_completed")
	JobsFailed             = expvar.NewInt("jobs_failed")
	JobsRetried            = expvar.NewInt("jobs_retried")
	JobsCancelled          = expvar.NewInt("jobs_cancelled")
	ExecutionsStarted      = expvar.NewInt("executions_started")
	StagesCompleted        = expvar.NewInt("stages_completed")
	StagesFailed           = expvar.NewInt("stages_failed")
	RecordsProcessed       = expvar.NewInt("records_processed")
	RecordsFailed          = expvar.NewInt("records_failed")
	IdentityMappings       = expvar.NewInt("identity_mappings_recorded")
	AttachmentsMigrated    = expvar.NewInt("attachments_migrated")
	AttachmentsFailed      = expvar.NewInt("attachments_failed")
	AttachmentRetries      = expvar.NewInt("attachment_retries")
	AlertsDispatched       = expvar.NewInt("alerts_dispatched")
	AlertsFailed           = expvar.NewInt("alerts_failed")
	StageDurationMsTotal   = expvar.NewInt("stage_duration_ms_total")
	ObjectStoreBreakerOpen = expvar.NewInt("object_store_breaker_open")
)
