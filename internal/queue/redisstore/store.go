// Package redisstore persists queue job records in Redis/Valkey so a
// restarted ferry process can resume its queue.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dwsmith1983/ferry/internal/queue"
	"github.com/dwsmith1983/ferry/pkg/types"
)

var _ queue.JobStore = (*Store)(nil)

// Store keeps job records in a single Redis hash keyed by job id.
type Store struct {
	client *goredis.Client
	prefix string
}

// New creates a new Store from connection settings.
func New(cfg *types.RedisConfig) *Store {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewFromClient(client, cfg.KeyPrefix)
}

// NewFromClient creates a Store from an existing client (useful for testing).
func NewFromClient(client *goredis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "ferry:"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) jobsKey() string { return s.prefix + "jobs" }

// Save writes the job record.
func (s *Store) Save(ctx context.Context, job queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return s.client.HSet(ctx, s.jobsKey(), job.ID, data).Err()
}

// Delete removes job records.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.client.HDel(ctx, s.jobsKey(), ids...).Err()
}

// Load returns every stored job ordered by creation time.
func (s *Store) Load(ctx context.Context) ([]queue.Job, error) {
	raw, err := s.client.HGetAll(ctx, s.jobsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	jobs := make([]queue.Job, 0, len(raw))
	for id, data := range raw {
		var job queue.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// Ping checks connectivity to the Redis server.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the client connection.
func (s *Store) Close() error { return s.client.Close() }
