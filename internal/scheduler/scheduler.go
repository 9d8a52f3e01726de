// Package scheduler delivers outbound messages with priority ordering and
// exponential-backoff retries, keeping its state in the transient store.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iago/membership-intake/internal/domain"
	"github.com/iago/membership-intake/internal/kv"
	"github.com/iago/membership-intake/internal/policy"
	"github.com/iago/membership-intake/internal/retry"
)

const (
	DefaultName         = "deliveries"
	DefaultPollInterval = 15 * time.Second
	DefaultRetryBase    = time.Minute
	DefaultMaxRetries   = 3
	DefaultStaleAfter   = 10 * time.Minute
	defaultBatchSize    = 100

	interruptedDelivery = "delivery interrupted before completion"
)

var (
	ErrNotFound       = errors.New("message not found")
	ErrInvalidMessage = errors.New("invalid message")
)

// Sender delivers one message. Errors wrapped with retry.Permanent are not
// retried.
type Sender interface {
	Send(ctx context.Context, message *domain.Message) error
}

// Config tunes a Scheduler. BatchSize caps dispatches per tick after ordering
// by priority. StaleAfter is how long a message may stay processing before
// Recover treats its sender as gone.
type Config struct {
	Name         string
	PollInterval time.Duration
	Retry        retry.Policy
	BatchSize    int64
	StaleAfter   time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

type Scheduler struct {
	store        kv.Store
	sender       Sender
	messagesKey  string
	dueKey       string
	pollInterval time.Duration
	retry        retry.Policy
	batchSize    int64
	staleAfter   time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func New(store kv.Store, sender Sender, cfg Config) *Scheduler {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry.Base = DefaultRetryBase
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = DefaultMaxRetries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		store:        store,
		sender:       sender,
		messagesKey:  kv.Key(kv.KeyDeliveryMessages, cfg.Name),
		dueKey:       kv.Key(kv.KeyDeliveryDue, cfg.Name),
		pollInterval: cfg.PollInterval,
		retry:        cfg.Retry,
		batchSize:    cfg.BatchSize,
		staleAfter:   cfg.StaleAfter,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
}

// Enqueue stores a new message and schedules it for its not-before time, or
// immediately when none is set.
func (s *Scheduler) Enqueue(ctx context.Context, message domain.Message) (*domain.Message, error) {
	message.Recipient = strings.TrimSpace(message.Recipient)
	if message.Recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	}
	if message.Channel == "" {
		message.Channel = domain.ChannelEmail
	}
	if message.Channel != domain.ChannelEmail {
		return nil, fmt.Errorf("%w: unsupported channel %q", ErrInvalidMessage, message.Channel)
	}

	now := s.now().UTC()
	message.ID = uuid.NewString()
	message.Status = domain.JobStatusQueued
	message.RetryCount = 0
	message.LastError = ""
	if message.Priority == 0 {
		message.Priority = domain.DefaultPriority
	}
	if message.MaxRetries <= 0 {
		message.MaxRetries = s.retry.MaxRetries
	}
	if message.NotBefore.IsZero() || message.NotBefore.Before(now) {
		message.NotBefore = now
	}
	message.CreatedAt = now
	message.UpdatedAt = now

	if err := s.save(ctx, &message); err != nil {
		return nil, err
	}
	if err := s.schedule(ctx, &message); err != nil {
		return nil, err
	}
	s.logInfo("message scheduled", "message_id", message.ID, "channel", message.Channel, "priority", message.Priority)
	return &message, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (*domain.Message, error) {
	payload, err := s.store.HGet(ctx, s.messagesKey, id)
	if errors.Is(err, kv.ErrNil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", id, err)
	}
	var message domain.Message
	if err := json.Unmarshal([]byte(payload), &message); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &message, nil
}

// Cancel stops a message from being delivered. A message cancelled while its
// send is in flight keeps the cancelled status. It reports false when the
// message already reached a terminal state.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	message, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if message.Status.IsTerminal() {
		return false, nil
	}
	if err := s.store.ZRem(ctx, s.dueKey, id); err != nil {
		return false, fmt.Errorf("unschedule message %s: %w", id, err)
	}
	message.Status = domain.JobStatusCancelled
	message.UpdatedAt = s.now().UTC()
	if err := s.save(ctx, message); err != nil {
		return false, err
	}
	return true, nil
}

// Run recovers interrupted deliveries, then polls for due messages until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.Recover(ctx); err != nil && ctx.Err() == nil {
		s.logWarn("delivery recovery failed", "error", err)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logWarn("delivery tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Recover puts messages left processing for longer than StaleAfter back in
// the due set. Their retry count is unchanged.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	all, err := s.store.HGetAll(ctx, s.messagesKey)
	if err != nil {
		return 0, fmt.Errorf("load messages: %w", err)
	}

	now := s.now().UTC()
	recovered := 0
	for id, payload := range all {
		var message domain.Message
		if err := json.Unmarshal([]byte(payload), &message); err != nil {
			s.logWarn("skipping undecodable message", "message_id", id, "error", err)
			continue
		}
		if message.Status != domain.JobStatusProcessing || now.Sub(message.UpdatedAt) <= s.staleAfter {
			continue
		}
		message.Status = domain.JobStatusQueued
		message.LastError = interruptedDelivery
		message.NotBefore = now
		message.UpdatedAt = now
		if err := s.save(ctx, &message); err != nil {
			return recovered, err
		}
		if err := s.schedule(ctx, &message); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		s.logInfo("recovered interrupted deliveries", "count", recovered)
	}
	return recovered, nil
}

// Tick dispatches due messages, most urgent first, and returns how many were
// attempted. At most BatchSize are attempted per tick.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now().UTC()
	ids, err := s.store.ZRangeByScore(ctx, s.dueKey, float64(now.UnixMilli()), 0)
	if err != nil {
		return 0, fmt.Errorf("load due messages: %w", err)
	}

	due := make([]*domain.Message, 0, len(ids))
	for _, id := range ids {
		message, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			_ = s.store.ZRem(ctx, s.dueKey, id)
			continue
		}
		if err != nil {
			return 0, err
		}
		if message.Status != domain.JobStatusQueued {
			_ = s.store.ZRem(ctx, s.dueKey, id)
			continue
		}
		due = append(due, message)
	}

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if int64(len(due)) > s.batchSize {
		due = due[:s.batchSize]
	}

	attempted := 0
	for _, message := range due {
		if ctx.Err() != nil {
			return attempted, ctx.Err()
		}
		if err := s.dispatch(ctx, message); err != nil {
			return attempted, err
		}
		attempted++
	}
	return attempted, nil
}

func (s *Scheduler) dispatch(ctx context.Context, message *domain.Message) error {
	if err := s.store.ZRem(ctx, s.dueKey, message.ID); err != nil {
		return fmt.Errorf("claim message %s: %w", message.ID, err)
	}
	message.Status = domain.JobStatusProcessing
	message.UpdatedAt = s.now().UTC()
	if err := s.save(ctx, message); err != nil {
		return err
	}

	sendErr := s.sender.Send(ctx, message)

	stillOwned, err := s.owned(ctx, message.ID)
	if err != nil || !stillOwned {
		return err
	}

	message.UpdatedAt = s.now().UTC()
	if sendErr == nil {
		message.Status = domain.JobStatusCompleted
		message.LastError = ""
		s.logInfo("message delivered", "message_id", message.ID, "attempt", message.RetryCount+1)
		return s.save(ctx, message)
	}

	message.LastError = policy.MaskPIIString(sendErr.Error())
	limit := retry.Policy{Base: s.retry.Base, MaxRetries: message.MaxRetries}
	if retry.IsPermanent(sendErr) || limit.Exhausted(message.RetryCount) {
		message.Status = domain.JobStatusFailed
		s.logWarn("message delivery failed", "message_id", message.ID, "retries", message.RetryCount, "error", message.LastError)
		return s.save(ctx, message)
	}

	delay := limit.Delay(message.RetryCount)
	message.RetryCount++
	message.Status = domain.JobStatusQueued
	message.NotBefore = message.UpdatedAt.Add(delay)
	s.logInfo("message delivery will be retried", "message_id", message.ID, "retry", message.RetryCount, "delay", delay)
	if err := s.save(ctx, message); err != nil {
		return err
	}
	return s.schedule(ctx, message)
}

// owned reports whether a dispatched message is still processing. A message
// cancelled during its send keeps the cancelled status.
func (s *Scheduler) owned(ctx context.Context, id string) (bool, error) {
	stored, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if stored.Status != domain.JobStatusProcessing {
		s.logInfo("skipping delivery outcome", "message_id", id, "status", stored.Status)
		return false, nil
	}
	return true, nil
}

func (s *Scheduler) save(ctx context.Context, message *domain.Message) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := s.store.HSet(ctx, s.messagesKey, message.ID, string(payload)); err != nil {
		return fmt.Errorf("save message %s: %w", message.ID, err)
	}
	return nil
}

func (s *Scheduler) schedule(ctx context.Context, message *domain.Message) error {
	if err := s.store.ZAdd(ctx, s.dueKey, float64(message.NotBefore.UnixMilli()), message.ID); err != nil {
		return fmt.Errorf("schedule message %s: %w", message.ID, err)
	}
	return nil
}

func (s *Scheduler) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Scheduler) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
