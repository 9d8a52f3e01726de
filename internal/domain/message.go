package domain

import "time"

type MessageChannel string

const (
	ChannelEmail MessageChannel = "email"
)

// Message is an outbound delivery tracked by the retry scheduler.
// It shares the job lifecycle statuses.
type Message struct {
	ID         string         `json:"id"`
	Channel    MessageChannel `json:"channel"`
	Recipient  string         `json:"recipient"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	Priority   int            `json:"priority"`
	Status     JobStatus      `json:"status"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	NotBefore  time.Time      `json:"not_before"`
	LastError  string         `json:"last_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
