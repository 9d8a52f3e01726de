package scheduler

import (
	"bytes"
	"context"
	"errors"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/membership-intake/internal/domain"
	"github.com/iago/membership-intake/internal/kv"
	"github.com/iago/membership-intake/internal/retry"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	errs  []error
	calls int
}

func (f *fakeSender) Send(_ context.Context, message *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, message.Subject)
	return nil
}

func backends(t *testing.T) map[string]kv.Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]kv.Store{
		"local": kv.NewLocalStore(),
		"redis": kv.NewRedisStoreFromClient(client),
	}
}

func newScheduler(store kv.Store, sender Sender, now *clock) *Scheduler {
	return New(store, sender, Config{
		Name:  "test_deliveries",
		Retry: retry.Policy{Base: time.Minute, MaxRetries: 3},
		Now:   now.Now,
	})
}

func TestTickOrdersByPriorityThenCreation(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := &clock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
			sender := &fakeSender{}
			s := newScheduler(store, sender, now)

			for _, message := range []domain.Message{
				{Recipient: "a@example.org", Subject: "routine-1", Priority: 5},
				{Recipient: "b@example.org", Subject: "urgent", Priority: 1},
				{Recipient: "c@example.org", Subject: "routine-2", Priority: 5},
				{Recipient: "d@example.org", Subject: "later", NotBefore: now.Now().Add(time.Hour)},
			} {
				_, err := s.Enqueue(ctx, message)
				require.NoError(t, err)
				now.Advance(time.Millisecond)
			}

			attempted, err := s.Tick(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, attempted)
			assert.Equal(t, []string{"urgent", "routine-1", "routine-2"}, sender.sent)

			now.Advance(time.Hour)
			attempted, err = s.Tick(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, attempted)
			assert.Equal(t, "later", sender.sent[3])
		})
	}
}

func TestFailedDeliveryBacksOffExponentially(t *testing.T) {
	ctx := context.Background()
	now := &clock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	transient := errors.New("dial tcp: connection refused")
	sender := &fakeSender{errs: []error{transient, transient, transient, transient}}
	s := newScheduler(kv.NewLocalStore(), sender, now)

	message, err := s.Enqueue(ctx, domain.Message{Recipient: "member@example.org", Subject: "renewal"})
	require.NoError(t, err)

	for i, delay := range []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute} {
		attempted, err := s.Tick(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, attempted, "attempt %d", i)

		stored, err := s.Get(ctx, message.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusQueued, stored.Status)
		assert.Equal(t, i+1, stored.RetryCount)
		assert.True(t, now.Now().Add(delay).Equal(stored.NotBefore))

		attempted, err = s.Tick(ctx)
		require.NoError(t, err)
		assert.Zero(t, attempted, "not due before the backoff elapses")
		now.Advance(delay)
	}

	_, err = s.Tick(ctx)
	require.NoError(t, err)
	stored, err := s.Get(ctx, message.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Contains(t, stored.LastError, "connection refused")
	assert.Equal(t, 4, sender.calls)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	now := &clock{now: time.Now().UTC()}
	sender := &fakeSender{errs: []error{retry.Permanent(errors.New("mailbox unavailable"))}}
	s := newScheduler(kv.NewLocalStore(), sender, now)

	message, err := s.Enqueue(ctx, domain.Message{Recipient: "member@example.org"})
	require.NoError(t, err)
	_, err = s.Tick(ctx)
	require.NoError(t, err)

	stored, err := s.Get(ctx, message.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Zero(t, stored.RetryCount)
}

func TestRecoveryAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	now := &clock{now: time.Now().UTC()}
	sender := &fakeSender{errs: []error{errors.New("421 service not available")}}
	s := newScheduler(kv.NewLocalStore(), sender, now)

	message, err := s.Enqueue(ctx, domain.Message{Recipient: "member@example.org", Subject: "welcome"})
	require.NoError(t, err)
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	now.Advance(time.Minute)
	_, err = s.Tick(ctx)
	require.NoError(t, err)

	stored, err := s.Get(ctx, message.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Empty(t, stored.LastError)
}

func TestCancelQueuedMessage(t *testing.T) {
	ctx := context.Background()
	now := &clock{now: time.Now().UTC()}
	sender := &fakeSender{}
	s := newScheduler(kv.NewLocalStore(), sender, now)

	message, err := s.Enqueue(ctx, domain.Message{Recipient: "member@example.org"})
	require.NoError(t, err)

	ok, err := s.Cancel(ctx, message.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	attempted, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, attempted)
	assert.Zero(t, sender.calls)

	ok, err = s.Cancel(ctx, message.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnqueueRejectsInvalidMessages(t *testing.T) {
	s := newScheduler(kv.NewLocalStore(), &fakeSender{}, &clock{now: time.Now()})

	_, err := s.Enqueue(context.Background(), domain.Message{Recipient: "  "})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = s.Enqueue(context.Background(), domain.Message{Recipient: "0821234567", Channel: "sms"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestRunStopsWithContext(t *testing.T) {
	sender := &fakeSender{}
	s := New(kv.NewLocalStore(), sender, Config{PollInterval: 10 * time.Millisecond})
	_, err := s.Enqueue(context.Background(), domain.Message{Recipient: "member@example.org", Subject: "hello"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.sent) == 1
	}, time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestClassifySMTPError(t *testing.T) {
	rejected := classifySMTPError(&textproto.Error{Code: 550, Msg: "mailbox unavailable"})
	assert.True(t, retry.IsPermanent(rejected))

	busy := classifySMTPError(&textproto.Error{Code: 421, Msg: "try again later"})
	assert.False(t, retry.IsPermanent(busy))

	assert.False(t, retry.IsPermanent(classifySMTPError(errors.New("dial tcp: i/o timeout"))))
}

func TestEmailSenderRejectsOtherChannels(t *testing.T) {
	err := NewEmailSender(SMTPConfig{Host: "localhost"}).Send(context.Background(), &domain.Message{Channel: "sms"})
	assert.True(t, retry.IsPermanent(err))
}

func TestBuildEmail(t *testing.T) {
	msg := buildEmail("office@example.org", &domain.Message{
		Recipient: "member@example.org",
		Subject:   "Membership renewed",
		Body:      "Thank you.",
	})

	var out bytes.Buffer
	_, err := msg.WriteTo(&out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "To: member@example.org")
	assert.Contains(t, out.String(), "Subject: Membership renewed")
	assert.Contains(t, out.String(), "Thank you.")
}

type hookSender struct {
	onSend func(message *domain.Message)
}

func (h hookSender) Send(_ context.Context, message *domain.Message) error {
	h.onSend(message)
	return nil
}

func TestCancelDuringSendKeepsCancelledStatus(t *testing.T) {
	ctx := context.Background()
	now := &clock{now: time.Now().UTC()}
	var s *Scheduler
	sender := hookSender{onSend: func(message *domain.Message) {
		ok, err := s.Cancel(ctx, message.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}}
	s = newScheduler(kv.NewLocalStore(), sender, now)

	message, err := s.Enqueue(ctx, domain.Message{Recipient: "member@example.org"})
	require.NoError(t, err)
	attempted, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)

	stored, err := s.Get(ctx, message.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, stored.Status)
}

func TestTickPrefersUrgentMessagesBeyondOneBatch(t *testing.T) {
	ctx := context.Background()
	now := &clock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	sender := &fakeSender{}
	s := New(kv.NewLocalStore(), sender, Config{
		BatchSize: 2,
		Retry:     retry.Policy{Base: time.Minute, MaxRetries: 3},
		Now:       now.Now,
	})

	for _, message := range []domain.Message{
		{Recipient: "a@example.org", Subject: "routine-1", Priority: 5},
		{Recipient: "b@example.org", Subject: "routine-2", Priority: 5},
		{Recipient: "c@example.org", Subject: "routine-3", Priority: 5},
		{Recipient: "d@example.org", Subject: "urgent", Priority: 1},
	} {
		_, err := s.Enqueue(ctx, message)
		require.NoError(t, err)
		now.Advance(time.Millisecond)
	}

	attempted, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, attempted)
	assert.Equal(t, []string{"urgent", "routine-1"}, sender.sent)

	_, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"urgent", "routine-1", "routine-2", "routine-3"}, sender.sent)
}

func TestRecoverRequeuesStaleDeliveries(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := &clock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
			sender := &fakeSender{}
			s := newScheduler(store, sender, now)

			message, err := s.Enqueue(ctx, domain.Message{Recipient: "member@example.org", Subject: "renewal"})
			require.NoError(t, err)

			// Left processing by a sender that never came back.
			require.NoError(t, store.ZRem(ctx, s.dueKey, message.ID))
			message.Status = domain.JobStatusProcessing
			message.UpdatedAt = now.Now()
			require.NoError(t, s.save(ctx, message))

			now.Advance(time.Minute)
			recovered, err := s.Recover(ctx)
			require.NoError(t, err)
			assert.Zero(t, recovered, "recent processing messages are left alone")

			now.Advance(DefaultStaleAfter)
			recovered, err = s.Recover(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, recovered)

			stored, err := s.Get(ctx, message.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusQueued, stored.Status)
			assert.Zero(t, stored.RetryCount)

			attempted, err := s.Tick(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, attempted)
			assert.Equal(t, []string{"renewal"}, sender.sent)
		})
	}
}
