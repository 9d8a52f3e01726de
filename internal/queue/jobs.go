// Package queue is the transient FIFO hand-off between producers (watcher,
// API) and the single job consumer.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iago/membership-intake/internal/domain"
	"github.com/iago/membership-intake/internal/kv"
)

// ErrEmpty is returned by Pop when no entry arrived within the timeout.
var ErrEmpty = errors.New("queue is empty")

// JobQueue stores serialized job snapshots on a kv list. Push adds at the
// head, Pop takes from the tail.
type JobQueue struct {
	store kv.Store
	name  string
	key   string
}

func NewJobQueue(store kv.Store, name string) *JobQueue {
	if name == "" {
		name = "bulk_uploads"
	}
	return &JobQueue{store: store, name: name, key: kv.Key(kv.KeyJobQueue, name)}
}

func (q *JobQueue) Name() string { return q.name }

func (q *JobQueue) Push(ctx context.Context, job *domain.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}
	if err := q.store.LPush(ctx, q.key, string(payload)); err != nil {
		return fmt.Errorf("push job %s: %w", job.ID, err)
	}
	return nil
}

func (q *JobQueue) Pop(ctx context.Context, timeout time.Duration) (*domain.Job, error) {
	payload, err := q.store.BRPop(ctx, timeout, q.key)
	if err != nil {
		if errors.Is(err, kv.ErrNil) {
			return nil, ErrEmpty
		}
		return nil, err
	}
	return decode(payload)
}

// Remove deletes every entry for jobID and reports whether any was found.
func (q *JobQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	entries, err := q.store.LRange(ctx, q.key)
	if err != nil {
		return false, err
	}
	removed := false
	for _, payload := range entries {
		job, err := decode(payload)
		if err != nil || job.ID != jobID {
			continue
		}
		count, err := q.store.LRem(ctx, q.key, payload)
		if err != nil {
			return removed, err
		}
		removed = removed || count > 0
	}
	return removed, nil
}

// Drain pops every entry in FIFO order. Undecodable entries are dropped.
func (q *JobQueue) Drain(ctx context.Context) ([]*domain.Job, error) {
	drained := make([]*domain.Job, 0)
	for {
		payload, err := q.store.RPop(ctx, q.key)
		if err != nil {
			if errors.Is(err, kv.ErrNil) {
				return drained, nil
			}
			return drained, err
		}
		if job, err := decode(payload); err == nil {
			drained = append(drained, job)
		}
	}
}

func (q *JobQueue) Len(ctx context.Context) (int64, error) {
	return q.store.LLen(ctx, q.key)
}

// List returns queued jobs in the order they will be popped.
func (q *JobQueue) List(ctx context.Context) ([]*domain.Job, error) {
	entries, err := q.store.LRange(ctx, q.key)
	if err != nil {
		return nil, err
	}
	jobs := make([]*domain.Job, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if job, err := decode(entries[i]); err == nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// Contains reports whether jobID is still waiting in the queue.
func (q *JobQueue) Contains(ctx context.Context, jobID string) (bool, error) {
	jobs, err := q.List(ctx)
	if err != nil {
		return false, err
	}
	for _, job := range jobs {
		if job.ID == jobID {
			return true, nil
		}
	}
	return false, nil
}

func decode(payload string) (*domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("decode queue entry: %w", err)
	}
	return &job, nil
}

var (
	_ Producer = (*JobQueue)(nil)
	_ Consumer = (*JobQueue)(nil)
)
