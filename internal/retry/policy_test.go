package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDelayDoubles(t *testing.T) {
	policy := Policy{Base: time.Minute, MaxRetries: 3}

	assert.Equal(t, time.Minute, policy.Delay(0))
	assert.Equal(t, 2*time.Minute, policy.Delay(1))
	assert.Equal(t, 4*time.Minute, policy.Delay(2))
	assert.Equal(t, time.Minute, policy.Delay(-1))
}

func TestPolicyExhausted(t *testing.T) {
	policy := Policy{Base: time.Second, MaxRetries: 3}

	assert.False(t, policy.Exhausted(2))
	assert.True(t, policy.Exhausted(3))
	assert.True(t, Policy{}.Exhausted(0))
}

func TestPermanentSurvivesWrapping(t *testing.T) {
	base := errors.New("mailbox does not exist")
	wrapped := fmt.Errorf("send: %w", Permanent(base))

	assert.True(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
