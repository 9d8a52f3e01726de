// Package service is the operator-facing facade over the intake pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iago/membership-intake/internal/domain"
	"github.com/iago/membership-intake/internal/notify"
	"github.com/iago/membership-intake/internal/queue"
	"github.com/iago/membership-intake/internal/ratelimit"
	"github.com/iago/membership-intake/internal/repository"
	"github.com/iago/membership-intake/internal/spreadsheet"
)

var (
	ErrDuplicateJob     = errors.New("file is already queued or processing")
	ErrInvalidUpload    = errors.New("invalid upload")
	ErrDeliveryDisabled = errors.New("message delivery is not configured")
	ErrWorkerDisabled   = errors.New("queue manager is not available")
)

// QueueController is satisfied by *worker.QueueManager.
type QueueController interface {
	Status(ctx context.Context) (domain.QueueStatus, error)
	CancelJob(ctx context.Context, jobID string) (bool, error)
	ClearQueue(ctx context.Context) (int, error)
}

// RateLimitReader is satisfied by *ratelimit.Limiter.
type RateLimitReader interface {
	GetStatus(ctx context.Context) ratelimit.Status
}

// MessageScheduler is satisfied by *scheduler.Scheduler.
type MessageScheduler interface {
	Enqueue(ctx context.Context, message domain.Message) (*domain.Message, error)
	Get(ctx context.Context, id string) (*domain.Message, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

type Config struct {
	Jobs       repository.JobsRepository
	Producer   queue.Producer
	Queue      QueueController
	RateLimit  RateLimitReader
	Messages   MessageScheduler
	Events     notify.Broadcaster
	UploadDir  string
	DefaultTag string
	Logger     *slog.Logger
	Now        func() time.Time
}

type JobsService struct {
	jobs       repository.JobsRepository
	producer   queue.Producer
	queue      QueueController
	rateLimit  RateLimitReader
	messages   MessageScheduler
	events     notify.Broadcaster
	uploadDir  string
	defaultTag string
	logger     *slog.Logger
	now        func() time.Time
}

func NewJobsService(cfg Config) *JobsService {
	if cfg.Events == nil {
		cfg.Events = notify.Nop{}
	}
	if cfg.DefaultTag == "" {
		cfg.DefaultTag = "unassigned"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &JobsService{
		jobs:       cfg.Jobs,
		producer:   cfg.Producer,
		queue:      cfg.Queue,
		rateLimit:  cfg.RateLimit,
		messages:   cfg.Messages,
		events:     cfg.Events,
		uploadDir:  cfg.UploadDir,
		defaultTag: cfg.DefaultTag,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}

// EnqueueFile registers the file at path as a queued job. A file name that
// already has a queued or processing job yields ErrDuplicateJob.
func (s *JobsService) EnqueueFile(ctx context.Context, path string, ownerID *string) (*domain.Job, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(absolute)
	if err != nil {
		return nil, fmt.Errorf("stat upload: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidUpload, path)
	}
	name := filepath.Base(absolute)
	if !supported(name) {
		return nil, fmt.Errorf("%w: %s", spreadsheet.ErrUnsupportedFormat, name)
	}

	existing, err := s.jobs.FindActiveJobByFileName(ctx, name)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s (job %s)", ErrDuplicateJob, name, existing.ID)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("check active jobs: %w", err)
	}

	now := s.now().UTC()
	job := &domain.Job{
		ID:        uuid.NewString(),
		FileName:  name,
		FilePath:  absolute,
		FileSize:  info.Size(),
		Tag:       domain.TagFromFileName(name, s.defaultTag),
		Status:    domain.JobStatusQueued,
		Priority:  domain.DefaultPriority,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.jobs.CreateJob(ctx, job); err != nil {
		if errors.Is(err, repository.ErrActiveJobExists) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, name)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.producer.Push(ctx, job); err != nil {
		// queued -> failed is not a lifecycle edge; the job never reached the
		// queue, so it is withdrawn instead.
		now := s.now().UTC()
		job.Status = domain.JobStatusCancelled
		job.ErrorMessage = fmt.Sprintf("enqueue failed: %v", err)
		job.CompletedAt = &now
		job.UpdatedAt = now
		if updateErr := s.jobs.UpdateJob(ctx, job); updateErr != nil && s.logger != nil {
			s.logger.Error("withdraw unqueued job failed", "job_id", job.ID, "error", updateErr)
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("job queued", "job_id", job.ID, "file", job.FileName, "tag", job.Tag, "size", job.FileSize)
	}
	s.events.Broadcast(ctx, domain.EventJobQueued, map[string]any{
		"job_id":    job.ID,
		"file_name": job.FileName,
		"tag":       job.Tag,
		"status":    job.Status,
	})
	return job, nil
}

// SaveUpload writes an uploaded spreadsheet into the intake directory and
// enqueues it. Uploads never overwrite an existing file.
func (s *JobsService) SaveUpload(ctx context.Context, fileName string, body io.Reader, ownerID *string) (*domain.Job, error) {
	name := filepath.Base(strings.TrimSpace(fileName))
	if name == "." || name == string(filepath.Separator) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("%w: file name %q", ErrInvalidUpload, fileName)
	}
	if !supported(name) {
		return nil, fmt.Errorf("%w: %s", spreadsheet.ErrUnsupportedFormat, name)
	}
	if s.uploadDir == "" {
		return nil, fmt.Errorf("%w: no upload directory configured", ErrInvalidUpload)
	}
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	target := filepath.Join(s.uploadDir, name)
	if _, err := os.Stat(target); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}

	partial, err := os.CreateTemp(s.uploadDir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	_, copyErr := io.Copy(partial, body)
	closeErr := partial.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(partial.Name())
		return nil, fmt.Errorf("write upload: %w", err)
	}
	if err := os.Rename(partial.Name(), target); err != nil {
		_ = os.Remove(partial.Name())
		return nil, fmt.Errorf("store upload: %w", err)
	}

	job, err := s.EnqueueFile(ctx, target, ownerID)
	if err != nil && !errors.Is(err, ErrDuplicateJob) {
		_ = os.Remove(target)
	}
	return job, err
}

func (s *JobsService) GetQueueStatus(ctx context.Context) (domain.QueueStatus, error) {
	if s.queue == nil {
		return domain.QueueStatus{}, ErrWorkerDisabled
	}
	return s.queue.Status(ctx)
}

func (s *JobsService) GetJobHistory(ctx context.Context, limit int) ([]*domain.Job, error) {
	return s.jobs.ListJobs(ctx, limit)
}

func (s *JobsService) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.jobs.GetJob(ctx, jobID)
}

func (s *JobsService) CancelJob(ctx context.Context, jobID string) (bool, error) {
	if s.queue == nil {
		return false, ErrWorkerDisabled
	}
	return s.queue.CancelJob(ctx, jobID)
}

func (s *JobsService) ClearQueue(ctx context.Context) (int, error) {
	if s.queue == nil {
		return 0, ErrWorkerDisabled
	}
	return s.queue.ClearQueue(ctx)
}

func (s *JobsService) RateLimitStatus(ctx context.Context) (ratelimit.Status, error) {
	if s.rateLimit == nil {
		return ratelimit.Status{}, ErrWorkerDisabled
	}
	return s.rateLimit.GetStatus(ctx), nil
}

func (s *JobsService) ScheduleMessage(ctx context.Context, message domain.Message) (*domain.Message, error) {
	if s.messages == nil {
		return nil, ErrDeliveryDisabled
	}
	return s.messages.Enqueue(ctx, message)
}

func (s *JobsService) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	if s.messages == nil {
		return nil, ErrDeliveryDisabled
	}
	return s.messages.Get(ctx, id)
}

func (s *JobsService) CancelMessage(ctx context.Context, id string) (bool, error) {
	if s.messages == nil {
		return false, ErrDeliveryDisabled
	}
	return s.messages.Cancel(ctx, id)
}

func supported(name string) bool {
	return slices.Contains(spreadsheet.SupportedExtensions, strings.ToLower(filepath.Ext(name)))
}
