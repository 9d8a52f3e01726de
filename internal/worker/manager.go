// Package worker runs queued ingestion jobs one at a time under a watchdog.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iago/membership-intake/internal/domain"
	"github.com/iago/membership-intake/internal/kv"
	"github.com/iago/membership-intake/internal/notify"
	"github.com/iago/membership-intake/internal/policy"
	"github.com/iago/membership-intake/internal/queue"
	"github.com/iago/membership-intake/internal/repository"
)

const (
	DefaultJobTimeout  = 15 * time.Minute
	DefaultPollTimeout = 5 * time.Second

	stateField        = "current"
	maxActiveProgress = 99
	interruptedReason = "job interrupted before completion"
)

// ErrJobTimeout is the cause recorded when the watchdog fires.
var ErrJobTimeout = errors.New("job timed out")

// ProgressFunc reports percent complete with a short description.
type ProgressFunc func(percent int, message string)

// Handler performs the work for one job.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job, progress ProgressFunc) (*domain.JobResult, error)
}

// JobQueue is satisfied by *queue.JobQueue.
type JobQueue interface {
	Name() string
	Push(ctx context.Context, job *domain.Job) error
	Pop(ctx context.Context, timeout time.Duration) (*domain.Job, error)
	Remove(ctx context.Context, jobID string) (bool, error)
	Drain(ctx context.Context) ([]*domain.Job, error)
	Len(ctx context.Context) (int64, error)
	Contains(ctx context.Context, jobID string) (bool, error)
}

type Config struct {
	Queue       JobQueue
	Jobs        repository.JobsRepository
	State       kv.Store
	Handler     Handler
	Events      notify.Broadcaster
	Logger      *slog.Logger
	JobTimeout  time.Duration
	PollTimeout time.Duration
	Now         func() time.Time
}

// activeJob is the single processing slot.
type activeJob struct {
	job      *domain.Job
	progress int
	cancel   context.CancelFunc
	released chan struct{}
	once     sync.Once
}

func (a *activeJob) release() {
	a.once.Do(func() {
		a.cancel()
		close(a.released)
	})
}

type handlerOutcome struct {
	result *domain.JobResult
	err    error
}

// QueueManager is the single consumer of a job queue.
type QueueManager struct {
	queue       JobQueue
	jobs        repository.JobsRepository
	state       kv.Store
	stateKey    string
	handler     Handler
	events      notify.Broadcaster
	logger      *slog.Logger
	jobTimeout  time.Duration
	pollTimeout time.Duration
	now         func() time.Time
	tracer      trace.Tracer

	mu     sync.Mutex
	active *activeJob
}

func NewQueueManager(cfg Config) *QueueManager {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Events == nil {
		cfg.Events = notify.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &QueueManager{
		queue:       cfg.Queue,
		jobs:        cfg.Jobs,
		state:       cfg.State,
		stateKey:    kv.Key(kv.KeyQueueState, cfg.Queue.Name()),
		handler:     cfg.Handler,
		events:      cfg.Events,
		logger:      cfg.Logger,
		jobTimeout:  cfg.JobTimeout,
		pollTimeout: cfg.PollTimeout,
		now:         cfg.Now,
		tracer:      otel.Tracer("github.com/iago/membership-intake/internal/worker"),
	}
}

// Run pops and processes jobs until ctx is cancelled. Job failures never stop
// the loop.
func (m *QueueManager) Run(ctx context.Context) error {
	m.logInfo("queue manager started", "queue", m.queue.Name(), "job_timeout", m.jobTimeout)
	for {
		if ctx.Err() != nil {
			m.logInfo("queue manager stopped", "queue", m.queue.Name())
			return nil
		}

		entry, err := m.queue.Pop(ctx, m.pollTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) || ctx.Err() != nil {
				continue
			}
			m.logWarn("queue pop failed", "error", err)
			sleep(ctx, 2*time.Second)
			continue
		}
		m.process(ctx, entry)
	}
}

func (m *QueueManager) process(ctx context.Context, entry *domain.Job) {
	job, err := m.jobs.GetJob(ctx, entry.ID)
	if err != nil {
		m.logWarn("load popped job failed", "job_id", entry.ID, "error", err)
		return
	}
	if job.Status != domain.JobStatusQueued {
		m.logInfo("discarding popped job", "job_id", job.ID, "status", job.Status)
		return
	}

	now := m.now().UTC()
	job.Status = domain.JobStatusProcessing
	job.Progress = 0
	job.ProgressMessage = "started"
	job.StartedAt = &now
	job.UpdatedAt = now
	if err := m.jobs.UpdateJob(ctx, job); err != nil {
		m.logWarn("mark processing failed", "job_id", job.ID, "error", err)
		return
	}

	ctx, span := m.tracer.Start(ctx, "worker.process_job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.file", job.FileName),
	))
	defer span.End()

	workCtx, cancel := context.WithCancel(ctx)
	slot := &activeJob{job: job.Clone(), cancel: cancel, released: make(chan struct{})}
	m.setActive(slot)
	defer m.clearActive(slot)

	m.logInfo("job started", "job_id", job.ID, "file", job.FileName)
	m.events.Broadcast(ctx, domain.EventJobStarted, jobPayload(job))

	outcomes := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				outcomes <- handlerOutcome{err: fmt.Errorf("job handler panic: %v", recovered)}
			}
		}()
		result, err := m.handler.Handle(workCtx, job.Clone(), m.progressFunc(slot))
		outcomes <- handlerOutcome{result: result, err: err}
	}()

	watchdog := time.NewTimer(m.jobTimeout)
	defer watchdog.Stop()

	select {
	case outcome := <-outcomes:
		watchdog.Stop()
		if outcome.err != nil {
			m.keepProgress(job, slot)
			span.RecordError(outcome.err)
			span.SetStatus(codes.Error, outcome.err.Error())
			m.finishFailed(ctx, job, outcome.err.Error())
		} else {
			m.finishCompleted(ctx, job, outcome.result)
		}
		m.removeSource(job)
	case <-watchdog.C:
		slot.release()
		m.keepProgress(job, slot)
		err := fmt.Errorf("%w after %s", ErrJobTimeout, m.jobTimeout)
		span.SetStatus(codes.Error, err.Error())
		m.finishFailed(ctx, job, err.Error())
		m.removeSource(job)
	case <-slot.released:
		span.SetStatus(codes.Error, "cancelled")
		m.logInfo("job slot released after cancellation", "job_id", job.ID)
	case <-ctx.Done():
		slot.release()
		m.logWarn("shutdown while job in progress", "job_id", job.ID)
	}
}

func (m *QueueManager) finishCompleted(ctx context.Context, job *domain.Job, result *domain.JobResult) {
	now := m.now().UTC()
	job.Status = domain.JobStatusCompleted
	job.Progress = 100
	job.ProgressMessage = "completed"
	job.Result = result
	job.ErrorMessage = ""
	job.CompletedAt = &now
	job.UpdatedAt = now
	if !m.writeFinal(ctx, job) {
		return
	}
	m.logInfo("job completed", "job_id", job.ID, "file", job.FileName)
	m.events.Broadcast(ctx, domain.EventJobCompleted, jobPayload(job))
}

func (m *QueueManager) finishFailed(ctx context.Context, job *domain.Job, message string) {
	now := m.now().UTC()
	job.Status = domain.JobStatusFailed
	job.ErrorMessage = policy.MaskPIIString(message)
	job.CompletedAt = &now
	job.UpdatedAt = now
	if !m.writeFinal(ctx, job) {
		return
	}
	m.logWarn("job failed", "job_id", job.ID, "file", job.FileName, "error", job.ErrorMessage)
	m.events.Broadcast(ctx, domain.EventJobFailed, jobPayload(job))
}

// keepProgress copies the last reported progress into job so a failure does
// not reset it.
func (m *QueueManager) keepProgress(job *domain.Job, slot *activeJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot.progress > job.Progress {
		job.Progress = slot.progress
		job.ProgressMessage = slot.job.ProgressMessage
	}
}

// writeFinal reports false when the stored job was already terminal.
func (m *QueueManager) writeFinal(ctx context.Context, job *domain.Job) bool {
	err := m.jobs.UpdateJob(context.WithoutCancel(ctx), job)
	switch {
	case err == nil:
		return true
	case errors.Is(err, repository.ErrJobTerminal):
		m.logInfo("skipping final write for terminal job", "job_id", job.ID, "status", job.Status)
	default:
		m.logWarn("final status write failed", "job_id", job.ID, "status", job.Status, "error", err)
	}
	return false
}

func (m *QueueManager) progressFunc(slot *activeJob) ProgressFunc {
	return func(percent int, message string) {
		percent = min(max(percent, 0), maxActiveProgress)

		m.mu.Lock()
		if m.active != slot || percent <= slot.progress {
			m.mu.Unlock()
			return
		}
		slot.progress = percent
		slot.job.Progress = percent
		slot.job.ProgressMessage = message
		m.mu.Unlock()

		ctx := context.Background()
		err := m.jobs.UpdateJobProgress(ctx, slot.job.ID, percent, message)
		if errors.Is(err, repository.ErrJobTerminal) {
			m.logInfo("job became terminal during processing", "job_id", slot.job.ID)
			slot.release()
			return
		}
		if err != nil {
			m.logWarn("progress write failed", "job_id", slot.job.ID, "error", err)
		}
		m.events.Broadcast(ctx, domain.EventJobProgress, map[string]any{
			"job_id":   slot.job.ID,
			"progress": percent,
			"message":  message,
		})
	}
}

// CancelJob cancels a queued or processing job. It reports false when the job
// is already terminal.
func (m *QueueManager) CancelJob(ctx context.Context, jobID string) (bool, error) {
	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status.IsTerminal() {
		return false, nil
	}

	wasQueued := job.Status == domain.JobStatusQueued
	now := m.now().UTC()
	job.Status = domain.JobStatusCancelled
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := m.jobs.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, repository.ErrJobTerminal) {
			return false, nil
		}
		return false, fmt.Errorf("cancel job %s: %w", jobID, err)
	}

	if wasQueued {
		if _, err := m.queue.Remove(ctx, jobID); err != nil {
			m.logWarn("remove cancelled job from queue failed", "job_id", jobID, "error", err)
		}
	}

	m.mu.Lock()
	slot := m.active
	m.mu.Unlock()
	if slot != nil && slot.job.ID == jobID {
		slot.release()
	}

	m.logInfo("job cancelled", "job_id", jobID)
	m.events.Broadcast(ctx, domain.EventJobCancelled, jobPayload(job))
	return true, nil
}

// ClearQueue cancels every queued job and returns how many were removed. The
// active job is left alone.
func (m *QueueManager) ClearQueue(ctx context.Context) (int, error) {
	entries, err := m.queue.Drain(ctx)
	if err != nil {
		return 0, fmt.Errorf("drain queue: %w", err)
	}

	cleared := 0
	for _, entry := range entries {
		job, err := m.jobs.GetJob(ctx, entry.ID)
		if err != nil {
			m.logWarn("load drained job failed", "job_id", entry.ID, "error", err)
			continue
		}
		if job.Status != domain.JobStatusQueued {
			continue
		}
		now := m.now().UTC()
		job.Status = domain.JobStatusCancelled
		job.ErrorMessage = "queue cleared"
		job.CompletedAt = &now
		job.UpdatedAt = now
		if err := m.jobs.UpdateJob(ctx, job); err != nil {
			m.logWarn("cancel drained job failed", "job_id", job.ID, "error", err)
			continue
		}
		cleared++
	}
	m.logInfo("queue cleared", "queue", m.queue.Name(), "cleared", cleared)
	return cleared, nil
}

// Status reports the queue length and the job currently being processed. When
// this process is not the consumer, the current job comes from the shared
// state hash.
func (m *QueueManager) Status(ctx context.Context) (domain.QueueStatus, error) {
	length, err := m.queue.Len(ctx)
	if err != nil {
		return domain.QueueStatus{}, fmt.Errorf("queue length: %w", err)
	}
	status := domain.QueueStatus{QueueLength: length}

	m.mu.Lock()
	if m.active != nil {
		status.IsProcessing = true
		status.CurrentJob = m.active.job.Clone()
	}
	m.mu.Unlock()
	if status.IsProcessing || m.state == nil {
		return status, nil
	}

	payload, err := m.state.HGet(ctx, m.stateKey, stateField)
	if errors.Is(err, kv.ErrNil) {
		return status, nil
	}
	if err != nil {
		return status, fmt.Errorf("read queue state: %w", err)
	}
	var current domain.Job
	if err := json.Unmarshal([]byte(payload), &current); err != nil {
		return status, fmt.Errorf("decode queue state: %w", err)
	}
	if latest, err := m.jobs.GetJob(ctx, current.ID); err == nil {
		current = *latest
	}
	if current.Status == domain.JobStatusProcessing {
		status.IsProcessing = true
		status.CurrentJob = &current
	}
	return status, nil
}

// ReconcileReport counts what Reconcile changed. Active counts processing
// jobs still inside the timeout window, which were left alone.
type ReconcileReport struct {
	Interrupted int `json:"interrupted"`
	Requeued    int `json:"requeued"`
	Active      int `json:"active"`
}

// Reconcile repairs state left by a crash. Processing jobs that started longer
// ago than the job timeout (or never recorded a start) are failed and their
// source removed; queued jobs missing from the list are pushed again in
// creation order.
func (m *QueueManager) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	processing, err := m.jobs.ListJobsByStatus(ctx, domain.JobStatusProcessing)
	if err != nil {
		return report, fmt.Errorf("list processing jobs: %w", err)
	}
	now := m.now().UTC()
	for _, job := range processing {
		if job.StartedAt != nil && now.Sub(*job.StartedAt) <= m.jobTimeout {
			m.logInfo("leaving recent processing job", "job_id", job.ID, "started_at", job.StartedAt)
			report.Active++
			continue
		}
		m.finishFailed(ctx, job, interruptedReason)
		m.removeSource(job)
		report.Interrupted++
	}

	queued, err := m.jobs.ListJobsByStatus(ctx, domain.JobStatusQueued)
	if err != nil {
		return report, fmt.Errorf("list queued jobs: %w", err)
	}
	for _, job := range queued {
		present, err := m.queue.Contains(ctx, job.ID)
		if err != nil {
			return report, fmt.Errorf("check queue entry %s: %w", job.ID, err)
		}
		if present {
			continue
		}
		if err := m.queue.Push(ctx, job); err != nil {
			return report, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		report.Requeued++
	}

	if m.state != nil && report.Active == 0 {
		if err := m.state.HDel(ctx, m.stateKey, stateField); err != nil {
			m.logWarn("clear queue state failed", "error", err)
		}
	}
	m.logInfo("queue reconciled", "interrupted", report.Interrupted, "requeued", report.Requeued, "active", report.Active)
	return report, nil
}

func (m *QueueManager) setActive(slot *activeJob) {
	m.mu.Lock()
	m.active = slot
	m.mu.Unlock()

	if m.state == nil {
		return
	}
	payload, err := json.Marshal(slot.job)
	if err == nil {
		err = m.state.HSet(context.Background(), m.stateKey, stateField, string(payload))
	}
	if err != nil {
		m.logWarn("publish queue state failed", "job_id", slot.job.ID, "error", err)
	}
}

func (m *QueueManager) clearActive(slot *activeJob) {
	slot.release()

	m.mu.Lock()
	if m.active == slot {
		m.active = nil
	}
	m.mu.Unlock()

	if m.state == nil {
		return
	}
	if err := m.state.HDel(context.Background(), m.stateKey, stateField); err != nil {
		m.logWarn("clear queue state failed", "job_id", slot.job.ID, "error", err)
	}
}

func (m *QueueManager) removeSource(job *domain.Job) {
	if job.FilePath == "" {
		return
	}
	if err := os.Remove(job.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logWarn("remove source file failed", "job_id", job.ID, "file", job.FilePath, "error", err)
	}
}

func (m *QueueManager) logInfo(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Info(msg, args...)
	}
}

func (m *QueueManager) logWarn(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Warn(msg, args...)
	}
}

func jobPayload(job *domain.Job) map[string]any {
	payload := map[string]any{
		"job_id":    job.ID,
		"file_name": job.FileName,
		"tag":       job.Tag,
		"status":    job.Status,
		"progress":  job.Progress,
	}
	if job.ErrorMessage != "" {
		payload["error"] = job.ErrorMessage
	}
	if job.Result != nil {
		payload["result"] = job.Result
	}
	return payload
}

// sleep reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var _ JobQueue = (*queue.JobQueue)(nil)
