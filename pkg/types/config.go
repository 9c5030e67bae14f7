package types

import "time"

// StagingConfig controls where intermediate rows live between stages.
type StagingConfig struct {
	SchemaName            string `yaml:"schemaName" json:"schemaName"`
	TablePrefix           string `yaml:"tablePrefix" json:"tablePrefix"`
	CleanupAfterMigration bool   `yaml:"cleanupAfterMigration" json:"cleanupAfterMigration"`
}

// PipelineConfig is the per-execution pipeline configuration.
type PipelineConfig struct {
	BatchSize     int           `yaml:"batchSize" json:"batchSize"`
	Parallelism   int           `yaml:"parallelism" json:"parallelism"`
	ErrorHandling ErrorHandling `yaml:"errorHandling" json:"errorHandling"`
	ValidateData  bool          `yaml:"validateData" json:"validateData"`
	Staging       StagingConfig `yaml:"staging" json:"staging"`
	RetryAttempts int           `yaml:"retryAttempts" json:"retryAttempts"`
	RetryDelayMs  int           `yaml:"retryDelayMs" json:"retryDelayMs"`
	LoadStrategy  LoadStrategy  `yaml:"loadStrategy" json:"loadStrategy"`
}

// DefaultPipelineConfig returns the configuration applied when a project
// or request leaves fields unset.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		BatchSize:     1000,
		Parallelism:   1,
		ErrorHandling: FailFast,
		ValidateData:  true,
		Staging: StagingConfig{
			SchemaName:            "ferry_staging",
			TablePrefix:           "stg_",
			CleanupAfterMigration: true,
		},
		RetryAttempts: 3,
		RetryDelayMs:  5000,
		LoadStrategy:  TruncateLoad,
	}
}

// WithDefaults fills zero-valued fields from DefaultPipelineConfig.
// ValidateData and CleanupAfterMigration are taken as given.
func (c PipelineConfig) WithDefaults() PipelineConfig {
	d := DefaultPipelineConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
	if c.ErrorHandling == "" {
		c.ErrorHandling = d.ErrorHandling
	}
	if c.Staging.SchemaName == "" {
		c.Staging.SchemaName = d.Staging.SchemaName
	}
	if c.Staging.TablePrefix == "" {
		c.Staging.TablePrefix = d.Staging.TablePrefix
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryDelayMs < 0 {
		c.RetryDelayMs = d.RetryDelayMs
	}
	if c.LoadStrategy == "" {
		c.LoadStrategy = d.LoadStrategy
	}
	return c
}

// ContinueOnError reports whether per-unit failures are tolerated.
func (c PipelineConfig) ContinueOnError() bool { return c.ErrorHandling == ContinueOnError }

// StagingTable returns the schema-qualified staging table name for a source table.
func (c PipelineConfig) StagingTable(sourceTable string) string {
	return c.Staging.SchemaName + "." + c.Staging.TablePrefix + sourceTable
}

// ConnectionConfig describes how to reach a source or target database.
type ConnectionConfig struct {
	Engine   SourceEngine `yaml:"engine" json:"engine"`
	Host     string       `yaml:"host,omitempty" json:"host,omitempty"`
	Port     int          `yaml:"port,omitempty" json:"port,omitempty"`
	User     string       `yaml:"user,omitempty" json:"user,omitempty"`
	Password string       `yaml:"password,omitempty" json:"password,omitempty"`
	Database string       `yaml:"database" json:"database"`
	SSLMode  string       `yaml:"sslMode,omitempty" json:"sslMode,omitempty"`
	Schema   string       `yaml:"schema,omitempty" json:"schema,omitempty"`
	// URL is the base URL of a document store, e.g. http://couch:5984.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// ColumnMapping maps one source column (or JSON path for documents) to a target column.
type ColumnMapping struct {
	SourceColumn         string                 `yaml:"sourceColumn" json:"sourceColumn"`
	TargetColumn         string                 `yaml:"targetColumn" json:"targetColumn"`
	TargetType           string                 `yaml:"targetType,omitempty" json:"targetType,omitempty"`
	Transformation       string                 `yaml:"transformation,omitempty" json:"transformation,omitempty"`
	TransformationConfig map[string]interface{} `yaml:"transformationConfig,omitempty" json:"transformationConfig,omitempty"`
	Required             bool                   `yaml:"required,omitempty" json:"required,omitempty"`
}

// TableMapping maps a source table or document type to a target table.
type TableMapping struct {
	SourceTable string          `yaml:"sourceTable" json:"sourceTable"`
	TargetTable string          `yaml:"targetTable" json:"targetTable"`
	Kind        TableKind       `yaml:"kind" json:"kind"`
	Columns     []ColumnMapping `yaml:"columns" json:"columns"`
	MergeKeys   []string        `yaml:"mergeKeys,omitempty" json:"mergeKeys,omitempty"`
	// DocumentType filters documents by their "type" field for document sources.
	DocumentType string `yaml:"documentType,omitempty" json:"documentType,omitempty"`
}

// Project is a migration project: a source, a target, table mappings and
// default pipeline settings.
type Project struct {
	ID       string           `yaml:"id" json:"id"`
	Name     string           `yaml:"name" json:"name"`
	Source   ConnectionConfig `yaml:"source" json:"source"`
	Target   ConnectionConfig `yaml:"target" json:"target"`
	Tables   []TableMapping   `yaml:"tables" json:"tables"`
	Pipeline PipelineConfig   `yaml:"pipeline" json:"pipeline"`
}

// Redacted returns a copy safe to expose over the API.
func (p Project) Redacted() Project {
	p.Source = p.Source.redacted()
	p.Target = p.Target.redacted()
	return p
}

func (c ConnectionConfig) redacted() ConnectionConfig {
	if c.Password != "" {
		c.Password = "********"
	}
	if c.DSN != "" {
		c.DSN = "********"
	}
	return c
}

// TablesOfKind returns the mappings of the given kind in declaration order.
func (p Project) TablesOfKind(kind TableKind) []TableMapping {
	var out []TableMapping
	for _, t := range p.Tables {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Config represents the top-level ferry.yaml configuration.
type Config struct {
	Provider    string             `yaml:"provider"`
	Postgres    *PostgresConfig    `yaml:"postgres,omitempty"`
	Queue       *QueueConfig       `yaml:"queue,omitempty"`
	ObjectStore *ObjectStoreConfig `yaml:"objectStore,omitempty"`
	Attachments *AttachmentConfig  `yaml:"attachments,omitempty"`
	Server      *ServerConfig      `yaml:"server,omitempty"`
	Telemetry   *TelemetryConfig   `yaml:"telemetry,omitempty"`
	ProjectDirs []string           `yaml:"projectDirs"`
	Alerts      []AlertConfig      `yaml:"alerts,omitempty"`
}

// PostgresConfig holds the state store connection.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"maxConns,omitempty"`
}

// QueueConfig controls the stage job queue.
type QueueConfig struct {
	Store       string       `yaml:"store,omitempty"` // "memory" (default) or "redis"
	Concurrency int          `yaml:"concurrency,omitempty"`
	RateLimit   *RateLimit   `yaml:"rateLimit,omitempty"`
	Redis       *RedisConfig `yaml:"redis,omitempty"`
}

// RateLimit caps job starts to Max per Duration.
type RateLimit struct {
	Max      int    `yaml:"max"`
	Duration string `yaml:"duration"` // e.g. "1s"
}

// RedisConfig holds Redis/Valkey connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// ObjectStoreConfig holds S3 settings for migrated attachments.
type ObjectStoreConfig struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region,omitempty"`
	Endpoint       string `yaml:"endpoint,omitempty"`
	UsePathStyle   bool   `yaml:"usePathStyle,omitempty"`
	CircuitBreaker bool   `yaml:"circuitBreaker,omitempty"`
}

// AttachmentConfig tunes the attachment migration subsystem.
type AttachmentConfig struct {
	Concurrency int `yaml:"concurrency,omitempty"`
	MaxRetries  int `yaml:"maxRetries,omitempty"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	APIKey         string `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`
	MaxRequestBody int64  `yaml:"maxRequestBody,omitempty" json:"maxRequestBody,omitempty"`
}

// TelemetryConfig points OTLP export at a collector.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure,omitempty"`
}

// AlertConfig defines an alert sink. The s3 sink archives alerts under
// Prefix in the attachment object store bucket.
type AlertConfig struct {
	Type   AlertType `yaml:"type" json:"type"`
	URL    string    `yaml:"url,omitempty" json:"url,omitempty"`
	Path   string    `yaml:"path,omitempty" json:"path,omitempty"`
	Prefix string    `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// RetryPolicy describes bounded exponential backoff.
type RetryPolicy struct {
	MaxAttempts       int           `yaml:"maxAttempts" json:"maxAttempts"`
	Backoff           time.Duration `yaml:"backoff" json:"backoff"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier,omitempty" json:"backoffMultiplier,omitempty"`
}
