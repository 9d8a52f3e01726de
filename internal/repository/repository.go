package repository

import (
	"context"
	"errors"

	"github.com/iago/membership-intake/internal/domain"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrJobTerminal       = errors.New("job already in a terminal state")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrActiveJobExists   = errors.New("an active job already exists for this file")
)

// JobsRepository is the durable system of record for ingestion jobs.
// Status writes are checked against the lifecycle graph: a write to a job
// whose stored status is terminal fails with ErrJobTerminal.
type JobsRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	UpdateJob(ctx context.Context, job *domain.Job) error
	UpdateJobProgress(ctx context.Context, jobID string, progress int, message string) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	FindActiveJobByFileName(ctx context.Context, fileName string) (*domain.Job, error)
	ListJobs(ctx context.Context, limit int) ([]*domain.Job, error)
	ListJobsByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error)
}

// RecordsRepository persists one chunk of records with a single statement.
type RecordsRepository interface {
	InsertRecords(ctx context.Context, jobID string, records []domain.ProcessedRecord) error
}

type MembersRepository interface {
	FindMemberByIDNumber(ctx context.Context, idNumber string) (*domain.MemberSnapshot, error)
	UpsertMember(ctx context.Context, member domain.MemberSnapshot) error
}

// Store bundles the three repositories behind one backend.
type Store interface {
	JobsRepository
	RecordsRepository
	MembersRepository
	Close() error
}

const DefaultListLimit = 50

func checkUpdate(current, next domain.JobStatus) error {
	if current.IsTerminal() {
		return ErrJobTerminal
	}
	if current == next || domain.CanTransition(current, next) {
		return nil
	}
	return ErrInvalidTransition
}

// updatableFrom lists the stored statuses a write of next may overwrite.
func updatableFrom(next domain.JobStatus) []string {
	statuses := make([]string, 0, 3)
	seen := make(map[domain.JobStatus]bool)
	add := func(status domain.JobStatus) {
		if !seen[status] {
			seen[status] = true
			statuses = append(statuses, string(status))
		}
	}
	for _, from := range domain.AllowedFrom(next) {
		add(from)
	}
	if !next.IsTerminal() {
		add(next)
	}
	return statuses
}

func activeStatuses() []string {
	return []string{string(domain.JobStatusQueued), string(domain.JobStatusProcessing)}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
