// Package identity records and resolves source-to-target record identities
// so later steps can find the target row produced from a source document.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bluele/gcache"

	"github.com/dwsmith1983/ferry/internal/metrics"
	"github.com/dwsmith1983/ferry/internal/provider"
	"github.com/dwsmith1983/ferry/pkg/types"
)

const (
	defaultBatchSize = 500
	defaultCacheSize = 4096
)

// Store is the subset of the state store the mapper needs.
type Store interface {
	PutIdentityMappings(ctx context.Context, mappings []types.RecordIdentityMapping) error
	FindIdentityMapping(ctx context.Context, executionID, tableName, documentKey string) (*types.RecordIdentityMapping, error)
	ListIdentityMappings(ctx context.Context, executionID string) ([]types.RecordIdentityMapping, error)
}

// Resolver maps a source document key to the target id of the row it
// produced in table. ok is false when no mapping exists.
type Resolver func(ctx context.Context, table, documentKey string) (targetID string, ok bool, err error)

// Mapper persists identity mappings in batches and resolves them through
// an LRU cache in front of the store.
type Mapper struct {
	store     Store
	cache     gcache.Cache
	batchSize int
	logger    *slog.Logger
}

// Option configures a Mapper.
type Option func(*Mapper)

// WithBatchSize sets how many mappings are written per store call.
func WithBatchSize(n int) Option {
	return func(m *Mapper) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithCacheSize sets the LRU capacity.
func WithCacheSize(n int) Option {
	return func(m *Mapper) {
		if n > 0 {
			m.cache = gcache.New(n).LRU().Build()
		}
	}
}

// WithLogger sets the mapper logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mapper) { m.logger = l }
}

// New creates a Mapper over store.
func New(store Store, opts ...Option) *Mapper {
	m := &Mapper{
		store:     store,
		cache:     gcache.New(defaultCacheSize).LRU().Build(),
		batchSize: defaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func cacheKey(executionID, table, key string) string {
	return executionID + "\x00" + table + "\x00" + key
}

// Record persists mappings in batches and returns how many were written.
// On a failed batch the count covers the batches already stored.
func (m *Mapper) Record(ctx context.Context, mappings []types.RecordIdentityMapping) (int, error) {
	written := 0
	for start := 0; start < len(mappings); start += m.batchSize {
		end := start + m.batchSize
		if end > len(mappings) {
			end = len(mappings)
		}
		batch := mappings[start:end]
		if err := m.store.PutIdentityMappings(ctx, batch); err != nil {
			return written, fmt.Errorf("recording identity mappings %d-%d: %w", start, end, err)
		}
		for _, im := range batch {
			m.remember(im)
		}
		written += len(batch)
	}
	metrics.IdentityMappings.Add(int64(written))
	return written, nil
}

func (m *Mapper) remember(im types.RecordIdentityMapping) {
	_ = m.cache.Set(cacheKey(im.ExecutionID, im.TableName, im.SourceID), im.TargetID)
	if im.SourceDocumentKey != "" && im.SourceDocumentKey != im.SourceID {
		_ = m.cache.Set(cacheKey(im.ExecutionID, im.TableName, im.SourceDocumentKey), im.TargetID)
	}
}

// Resolve looks up the target id a document key produced in table.
func (m *Mapper) Resolve(ctx context.Context, executionID, table, documentKey string) (string, bool, error) {
	if v, err := m.cache.Get(cacheKey(executionID, table, documentKey)); err == nil {
		return v.(string), true, nil
	}
	im, err := m.store.FindIdentityMapping(ctx, executionID, table, documentKey)
	if errors.Is(err, provider.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolving %s in %s: %w", documentKey, table, err)
	}
	m.remember(*im)
	return im.TargetID, true, nil
}

// Resolver binds Resolve to one execution.
func (m *Mapper) Resolver(executionID string) Resolver {
	return func(ctx context.Context, table, documentKey string) (string, bool, error) {
		return m.Resolve(ctx, executionID, table, documentKey)
	}
}

// Warm loads every mapping of an execution into the cache.
func (m *Mapper) Warm(ctx context.Context, executionID string) (int, error) {
	all, err := m.store.ListIdentityMappings(ctx, executionID)
	if err != nil {
		return 0, fmt.Errorf("warming identity cache: %w", err)
	}
	for _, im := range all {
		m.remember(im)
	}
	m.logger.Debug("identity cache warmed", "execution", executionID, "mappings", len(all))
	return len(all), nil
}
