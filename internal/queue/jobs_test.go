package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/membership-intake/internal/domain"
	"github.com/iago/membership-intake/internal/kv"
)

func backends(t *testing.T) map[string]kv.Store {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]kv.Store{
		"local": kv.NewLocalStore(),
		"redis": kv.NewRedisStoreFromClient(client),
	}
}

func job(id string) *domain.Job {
	return &domain.Job{ID: id, FileName: id + ".csv", Status: domain.JobStatusQueued, Priority: domain.DefaultPriority}
}

func TestJobQueueIsFIFO(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := NewJobQueue(store, "uploads")
			for _, id := range []string{"a", "b", "c"} {
				require.NoError(t, q.Push(ctx, job(id)))
			}

			length, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), length)

			listed, err := q.List(ctx)
			require.NoError(t, err)
			require.Len(t, listed, 3)
			assert.Equal(t, "a", listed[0].ID)

			for _, want := range []string{"a", "b", "c"} {
				popped, err := q.Pop(ctx, time.Second)
				require.NoError(t, err)
				assert.Equal(t, want, popped.ID)
				assert.Equal(t, domain.JobStatusQueued, popped.Status)
			}
		})
	}
}

func TestCancelledEntryIsNeverPopped(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := NewJobQueue(store, "uploads")
			for _, id := range []string{"a", "b", "c"} {
				require.NoError(t, q.Push(ctx, job(id)))
			}

			removed, err := q.Remove(ctx, "b")
			require.NoError(t, err)
			assert.True(t, removed)

			contains, err := q.Contains(ctx, "b")
			require.NoError(t, err)
			assert.False(t, contains)

			drained, err := q.Drain(ctx)
			require.NoError(t, err)
			require.Len(t, drained, 2)
			assert.Equal(t, "a", drained[0].ID)
			assert.Equal(t, "c", drained[1].ID)

			removed, err = q.Remove(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, removed)
		})
	}
}

func TestPopTimesOutOnEmptyQueue(t *testing.T) {
	q := NewJobQueue(kv.NewLocalStore(), "uploads")
	_, err := q.Pop(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestQueuesWithDifferentNamesAreIsolated(t *testing.T) {
	store := kv.NewLocalStore()
	ctx := context.Background()
	first := NewJobQueue(store, "first")
	second := NewJobQueue(store, "second")

	require.NoError(t, first.Push(ctx, job("a")))
	length, err := second.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, length)
}
