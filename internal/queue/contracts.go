package queue

import (
	"context"
	"time"

	"github.com/iago/membership-intake/internal/domain"
)

// Producer hands jobs to the single consumer.
type Producer interface {
	Push(ctx context.Context, job *domain.Job) error
}

// Consumer receives jobs in FIFO order.
type Consumer interface {
	Pop(ctx context.Context, timeout time.Duration) (*domain.Job, error)
}
