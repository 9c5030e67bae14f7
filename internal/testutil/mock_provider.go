// Package testutil provides shared test utilities for ferry.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dwsmith1983/ferry/internal/provider"
	"github.com/dwsmith1983/ferry/pkg/types"
)

// Compile-time interface satisfaction check.
var _ provider.Provider = (*MockProvider)(nil)

// MockProvider is an in-memory Provider implementation for testing.
type MockProvider struct {
	mu          sync.Mutex
	projects    map[string]types.Project
	stages      map[string]types.ExecutionStage // key: "executionID:stageID"
	attachments map[string]types.AttachmentMigration
	mappings    map[string]types.RecordIdentityMapping
	validations []types.DataValidation
	reports     map[string]types.MigrationReport

	// StageWrites counts every UpdateStage call.
	StageWrites atomic.Int64
	// FailUpdates makes UpdateStage return this error when set.
	FailUpdates error
}

// NewMockProvider creates a new in-memory mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		projects:    make(map[string]types.Project),
		stages:      make(map[string]types.ExecutionStage),
		attachments: make(map[string]types.AttachmentMigration),
		mappings:    make(map[string]types.RecordIdentityMapping),
		reports:     make(map[string]types.MigrationReport),
	}
}

func stageKey(executionID string, stageID types.StageID) string {
	return executionID + ":" + string(stageID)
}

func (m *MockProvider) RegisterProject(_ context.Context, project types.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[project.ID] = project
	return nil
}

func (m *MockProvider) GetProject(_ context.Context, id string) (*types.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %q: %w", id, provider.ErrNotFound)
	}
	return &p, nil
}

func (m *MockProvider) ListProjects(_ context.Context) ([]types.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockProvider) CreateStage(_ context.Context, stage types.ExecutionStage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := stageKey(stage.ExecutionID, stage.StageID)
	if _, ok := m.stages[k]; ok {
		return false, nil
	}
	m.stages[k] = stage
	return true, nil
}

func (m *MockProvider) GetStage(_ context.Context, executionID string, stageID types.StageID) (*types.ExecutionStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stages[stageKey(executionID, stageID)]
	if !ok {
		return nil, fmt.Errorf("stage %s/%s: %w", executionID, stageID, provider.ErrNotFound)
	}
	return &s, nil
}

func (m *MockProvider) UpdateStage(_ context.Context, stage types.ExecutionStage) error {
	m.StageWrites.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpdates != nil {
		return m.FailUpdates
	}
	k := stageKey(stage.ExecutionID, stage.StageID)
	if _, ok := m.stages[k]; !ok {
		return fmt.Errorf("stage %s/%s: %w", stage.ExecutionID, stage.StageID, provider.ErrNotFound)
	}
	stage.UpdatedAt = time.Now()
	m.stages[k] = stage
	return nil
}

func (m *MockProvider) ListStages(_ context.Context, executionID string) ([]types.ExecutionStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ExecutionStage
	for _, id := range types.Stages {
		if s, ok := m.stages[stageKey(executionID, id)]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MockProvider) PutAttachmentMigration(_ context.Context, a types.AttachmentMigration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[a.ExecutionID+":"+a.TableName+":"+a.DocumentID+":"+a.AttachmentName] = a
	return nil
}

func (m *MockProvider) ListAttachmentMigrations(_ context.Context, executionID string) ([]types.AttachmentMigration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.AttachmentMigration
	for _, a := range m.attachments {
		if a.ExecutionID == executionID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].AttachmentName < out[j].AttachmentName
	})
	return out, nil
}

func (m *MockProvider) PutIdentityMappings(_ context.Context, mappings []types.RecordIdentityMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, im := range mappings {
		m.mappings[im.ExecutionID+":"+im.TableName+":"+im.SourceID] = im
	}
	return nil
}

func (m *MockProvider) FindIdentityMapping(_ context.Context, executionID, tableName, documentKey string) (*types.RecordIdentityMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, im := range m.mappings {
		if im.ExecutionID != executionID || im.TableName != tableName {
			continue
		}
		if im.SourceDocumentKey == documentKey || im.SourceID == documentKey {
			found := im
			return &found, nil
		}
	}
	return nil, fmt.Errorf("identity %s/%s/%s: %w", executionID, tableName, documentKey, provider.ErrNotFound)
}

func (m *MockProvider) ListIdentityMappings(_ context.Context, executionID string) ([]types.RecordIdentityMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.RecordIdentityMapping
	for _, im := range m.mappings {
		if im.ExecutionID == executionID {
			out = append(out, im)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TableName != out[j].TableName {
			return out[i].TableName < out[j].TableName
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out, nil
}

func (m *MockProvider) ReplaceValidations(_ context.Context, executionID, tableName string, checks []types.DataValidation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.validations[:0]
	for _, v := range m.validations {
		if v.ExecutionID != executionID || v.TableName != tableName {
			kept = append(kept, v)
		}
	}
	for _, v := range checks {
		v.ExecutionID, v.TableName = executionID, tableName
		kept = append(kept, v)
	}
	m.validations = kept
	return nil
}

func (m *MockProvider) ListValidations(_ context.Context, executionID string) ([]types.DataValidation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.DataValidation
	for _, v := range m.validations {
		if v.ExecutionID == executionID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *MockProvider) PutReport(_ context.Context, report types.MigrationReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[report.ExecutionID]; ok {
		return nil
	}
	m.reports[report.ExecutionID] = report
	return nil
}

func (m *MockProvider) GetReport(_ context.Context, executionID string) (*types.MigrationReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[executionID]
	if !ok {
		return nil, fmt.Errorf("report %s: %w", executionID, provider.ErrNotFound)
	}
	return &r, nil
}

func (m *MockProvider) Start(_ context.Context) error { return nil }
func (m *MockProvider) Stop(_ context.Context) error  { return nil }
func (m *MockProvider) Ping(_ context.Context) error  { return nil }
