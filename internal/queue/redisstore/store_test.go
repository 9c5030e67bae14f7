//go:build integration

package redisstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/ferry/internal/queue"
	"github.com/dwsmith1983/ferry/pkg/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
	ctx := context.Background()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	prefix := fmt.Sprintf("ferry-test-%d:", time.Now().UnixNano())
	store := NewFromClient(client, prefix)

	t.Cleanup(func() {
		client.Del(ctx, store.jobsKey())
		client.Close()
	})
	return store
}

func TestStore_SaveLoadDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.Save(ctx, queue.Job{ID: "e1-extract", StageID: types.StageExtract, State: types.JobActive, CreatedAt: now}))
	require.NoError(t, store.Save(ctx, queue.Job{ID: "e1-transform", StageID: types.StageTransform, State: types.JobWaiting, CreatedAt: now.Add(time.Millisecond), DependsOn: "e1-extract"}))

	jobs, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "e1-extract", jobs[0].ID)
	assert.Equal(t, "e1-extract", jobs[1].DependsOn)

	require.NoError(t, store.Delete(ctx, "e1-extract"))
	jobs, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestStore_QueueRestoresActiveJobs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, queue.Job{ID: "e2-extract", ExecutionID: "e2", StageID: types.StageExtract,
		Priority: 1, State: types.JobActive, AttemptsMade: 1, MaxAttempts: 3, CreatedAt: time.Now()}))

	ran := make(chan string, 1)
	q := queue.New(func(_ context.Context, job queue.Job) error {
		ran <- job.ID
		return nil
	}, queue.WithStore(store), queue.WithPollInterval(10*time.Millisecond))
	require.NoError(t, q.Start(ctx))
	defer q.Stop(ctx)

	select {
	case id := <-ran:
		assert.Equal(t, "e2-extract", id)
	case <-time.After(2 * time.Second):
		t.Fatal("restored job was not run")
	}
}
