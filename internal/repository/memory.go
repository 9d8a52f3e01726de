package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/iago/membership-intake/internal/domain"
)

// MemoryStore keeps jobs, records and members in memory for local development
// and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*domain.Job
	records map[string][]domain.ProcessedRecord
	members map[string]domain.MemberSnapshot

	// InsertHook, when set, runs before each InsertRecords call and can fail it.
	InsertHook func(jobID string, records []domain.ProcessedRecord) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*domain.Job),
		records: make(map[string][]domain.ProcessedRecord),
		members: make(map[string]domain.MemberSnapshot),
	}
}

func (r *MemoryStore) Close() error { return nil }

func (r *MemoryStore) CreateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !job.Status.IsTerminal() {
		for _, existing := range r.jobs {
			if existing.FileName == job.FileName && !existing.Status.IsTerminal() {
				return ErrActiveJobExists
			}
		}
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryStore) UpdateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if err := checkUpdate(current.Status, job.Status); err != nil {
		return err
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryStore) UpdateJobProgress(_ context.Context, jobID string, progress int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if current.Status.IsTerminal() {
		return ErrJobTerminal
	}
	if current.Status != domain.JobStatusProcessing {
		return ErrInvalidTransition
	}
	if progress > current.Progress {
		current.Progress = progress
	}
	current.ProgressMessage = message
	return nil
}

func (r *MemoryStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryStore) FindActiveJobByFileName(_ context.Context, fileName string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *domain.Job
	for _, job := range r.jobs {
		if job.FileName != fileName || job.Status.IsTerminal() {
			continue
		}
		if found == nil || job.CreatedAt.After(found.CreatedAt) {
			found = job
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found.Clone(), nil
}

func (r *MemoryStore) ListJobs(_ context.Context, limit int) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := r.sortedLocked(func(*domain.Job) bool { return true })
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit = normalizeLimit(limit); len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r *MemoryStore) ListJobsByStatus(_ context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sortedLocked(func(job *domain.Job) bool { return job.Status == status }), nil
}

// sortedLocked returns matching clones in creation order.
func (r *MemoryStore) sortedLocked(match func(*domain.Job) bool) []*domain.Job {
	jobs := make([]*domain.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if match(job) {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

func (r *MemoryStore) InsertRecords(ctx context.Context, jobID string, records []domain.ProcessedRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.InsertHook != nil {
		if err := r.InsertHook(jobID, records); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(records))
	for _, existing := range r.records {
		for _, record := range existing {
			seen[record.Reference] = true
		}
	}
	for _, record := range records {
		if seen[record.Reference] {
			return fmt.Errorf("insert records: duplicate reference %s", record.Reference)
		}
		seen[record.Reference] = true
	}
	r.records[jobID] = append(r.records[jobID], records...)
	return nil
}

// Records returns what was inserted for a job.
func (r *MemoryStore) Records(jobID string) []domain.ProcessedRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.ProcessedRecord(nil), r.records[jobID]...)
}

func (r *MemoryStore) FindMemberByIDNumber(_ context.Context, idNumber string) (*domain.MemberSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	member, ok := r.members[idNumber]
	if !ok {
		return nil, ErrNotFound
	}
	return &member, nil
}

func (r *MemoryStore) UpsertMember(_ context.Context, member domain.MemberSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[member.IDNumber] = member
	return nil
}

var _ Store = (*MemoryStore)(nil)
