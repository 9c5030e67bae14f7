package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/ferry/pkg/types"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FERRY_TEST_DSN", "postgres://ferry:secret@db/ferry")
	writeFile(t, dir, FileName, `provider: postgres
postgres:
  dsn: ${FERRY_TEST_DSN}
  maxConns: 8
queue:
  store: redis
  concurrency: 4
  rateLimit:
    max: 10
    duration: 1s
  redis:
    addr: localhost:6379
    keyPrefix: "ferry:"
objectStore:
  bucket: attachments
  region: eu-west-1
  circuitBreaker: true
server:
  addr: ":3000"
telemetry:
  endpoint: otel:4317
  insecure: true
projectDirs:
  - ./projects
  - /etc/ferry/projects
alerts:
  - type: console
  - type: s3
    prefix: ops/alerts
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Provider)
	assert.Equal(t, "postgres://ferry:secret@db/ferry", cfg.Postgres.DSN)
	assert.Equal(t, int32(8), cfg.Postgres.MaxConns)
	assert.Equal(t, "redis", cfg.Queue.Store)
	assert.Equal(t, "ferry:", cfg.Queue.Redis.KeyPrefix)
	assert.Equal(t, time.Second, RateWindow(cfg.Queue))
	assert.True(t, cfg.ObjectStore.CircuitBreaker)
	assert.Equal(t, ":3000", cfg.Server.Addr)
	assert.Equal(t, "otel:4317", cfg.Telemetry.Endpoint)
	assert.Equal(t, []string{filepath.Join(dir, "projects"), "/etc/ferry/projects"}, cfg.ProjectDirs)
	require.Len(t, cfg.Alerts, 2)
	assert.Equal(t, "ops/alerts", cfg.Alerts[1].Prefix)
}

func TestLoad_Minimal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, FileName, "provider: postgres\npostgres: {dsn: postgres://localhost/ferry}\nprojectDirs: [./projects]\n")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg.Queue)
	assert.Nil(t, cfg.ObjectStore)
	assert.Zero(t, RateWindow(cfg.Queue))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent")
	assert.ErrorContains(t, err, "reading config")
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, FileName, "invalid: [yaml")

	_, err := Load(dir)
	assert.ErrorContains(t, err, "parsing config")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"missing provider", "projectDirs: [p]\n", "provider is required"},
		{"unknown provider", "provider: dynamodb\nprojectDirs: [p]\n", `unknown provider "dynamodb"`},
		{"postgres without dsn", "provider: postgres\nprojectDirs: [p]\n", "postgres.dsn is required"},
		{"redis queue without addr", "provider: postgres\npostgres: {dsn: x}\nqueue: {store: redis}\nprojectDirs: [p]\n", "queue.redis.addr is required"},
		{"unknown queue store", "provider: postgres\npostgres: {dsn: x}\nqueue: {store: kafka}\nprojectDirs: [p]\n", `unknown queue store "kafka"`},
		{"bad rate window", "provider: postgres\npostgres: {dsn: x}\nqueue: {rateLimit: {max: 5, duration: soon}}\nprojectDirs: [p]\n", "queue.rateLimit.duration"},
		{"zero rate max", "provider: postgres\npostgres: {dsn: x}\nqueue: {rateLimit: {max: 0, duration: 1s}}\nprojectDirs: [p]\n", "queue.rateLimit.max must be positive"},
		{"bucketless object store", "provider: postgres\npostgres: {dsn: x}\nobjectStore: {region: us-east-1}\nprojectDirs: [p]\n", "objectStore.bucket is required"},
		{"no project dirs", "provider: postgres\npostgres: {dsn: x}\n", "at least one projectDir is required"},
		{"webhook without url", "provider: postgres\npostgres: {dsn: x}\nprojectDirs: [p]\nalerts: [{type: webhook}]\n", "webhook url is required"},
		{"file without path", "provider: postgres\npostgres: {dsn: x}\nprojectDirs: [p]\nalerts: [{type: file}]\n", "file path is required"},
		{"s3 without object store", "provider: postgres\npostgres: {dsn: x}\nprojectDirs: [p]\nalerts: [{type: s3}]\n", "s3 alerts need objectStore"},
		{"unknown alert", "provider: postgres\npostgres: {dsn: x}\nprojectDirs: [p]\nalerts: [{type: pager}]\n", `unknown type "pager"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, FileName, tt.content)
			_, err := Load(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

const crmProject = `id: crm
name: CRM
source:
  engine: postgres
  host: legacy-db
  password: ${FERRY_TEST_SOURCE_PASSWORD}
  database: crm
target:
  database: warehouse
tables:
  - sourceTable: customers
    targetTable: dim_customer
    kind: dimension
    columns:
      - sourceColumn: name
        targetColumn: customer_name
        transformation: trim
        required: true
  - sourceTable: orders
    targetTable: fact_order
    kind: fact
    mergeKeys: [order_no]
    columns:
      - sourceColumn: total
        targetColumn: total
        targetType: numeric(12,2)
        transformation: default
        transformationConfig:
          value: "0"
pipeline:
  errorHandling: continue-on-error
  loadStrategy: merge
  staging:
    cleanupAfterMigration: false
`

func TestLoadProjects(t *testing.T) {
	t.Setenv("FERRY_TEST_SOURCE_PASSWORD", "hunter2")
	dir := t.TempDir()
	writeFile(t, dir, "crm.yaml", crmProject)
	writeFile(t, dir, "archive.yml", `id: archive
source: {engine: couchdb, url: "http://couch:5984", database: archive}
tables:
  - {sourceTable: invoice, targetTable: fact_invoice, kind: fact, documentType: invoice, columns: [{sourceColumn: amount, targetColumn: amount}]}
`)
	writeFile(t, dir, "README.md", "not a project")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "drafts"), 0o755))

	projects, err := LoadProjects([]string{dir})
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "archive", projects[0].ID)
	assert.Equal(t, types.EngineCouchDB, projects[0].Source.Engine)
	assert.Equal(t, "invoice", projects[0].Tables[0].DocumentType)

	crm := projects[1]
	assert.Equal(t, "hunter2", crm.Source.Password)
	assert.Equal(t, types.EnginePostgres, crm.Target.Engine)
	require.Len(t, crm.Tables, 2)
	assert.Equal(t, types.TableFact, crm.Tables[1].Kind)
	assert.Equal(t, []string{"order_no"}, crm.Tables[1].MergeKeys)
	assert.Equal(t, "0", crm.Tables[1].Columns[0].TransformationConfig["value"])
	assert.True(t, crm.Tables[0].Columns[0].Required)
	assert.Equal(t, types.ContinueOnError, crm.Pipeline.ErrorHandling)
	assert.Equal(t, types.Merge, crm.Pipeline.LoadStrategy)
	assert.False(t, crm.Pipeline.Staging.CleanupAfterMigration)
}

func TestLoadProjects_DuplicateID(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	writeFile(t, a, "crm.yaml", crmProject)
	writeFile(t, b, "crm-copy.yaml", crmProject)

	_, err := LoadProjects([]string{a, b})
	assert.ErrorContains(t, err, `project "crm" defined in both`)
}

func TestLoadProject_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"no id", "source: {engine: postgres}\n", "project id is required"},
		{"no engine", "id: x\ntables: [{sourceTable: a, targetTable: b, kind: fact}]\n", "source.engine is required"},
		{"no tables", "id: x\nsource: {engine: postgres}\n", "at least one table mapping"},
		{"bad yaml", "id: [x", "parsing YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "p.yaml", tt.content)
			_, err := LoadProject(filepath.Join(dir, "p.yaml"))
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestLoadProjects_MissingDir(t *testing.T) {
	_, err := LoadProjects([]string{"/nonexistent"})
	assert.ErrorContains(t, err, "reading project dir")
}
