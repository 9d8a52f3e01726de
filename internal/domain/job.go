package domain

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// DefaultPriority sits mid-range; lower values are more urgent.
const DefaultPriority = 5

// IsTerminal reports whether no further transition may leave the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusQueued},
}

// CanTransition encodes the lifecycle graph. processing -> processing is the
// progress self-transition; processing -> queued is only used by retry returns.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedFrom lists the statuses that may move to the target status.
func AllowedFrom(to JobStatus) []JobStatus {
	allowed := make([]JobStatus, 0, 2)
	for _, from := range []JobStatus{JobStatusQueued, JobStatusProcessing} {
		if CanTransition(from, to) {
			allowed = append(allowed, from)
		}
	}
	return allowed
}

// Job is one durable unit of bulk-file ingestion work.
type Job struct {
	ID              string     `json:"id"`
	FileName        string     `json:"file_name"`
	FilePath        string     `json:"file_path"`
	FileSize        int64      `json:"file_size"`
	Tag             string     `json:"tag"`
	Status          JobStatus  `json:"status"`
	Progress        int        `json:"progress"`
	ProgressMessage string     `json:"progress_message,omitempty"`
	Priority        int        `json:"priority"`
	ErrorMessage    string     `json:"error,omitempty"`
	Result          *JobResult `json:"result,omitempty"`
	OwnerID         *string    `json:"owner_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.OwnerID != nil {
		owner := *j.OwnerID
		clone.OwnerID = &owner
	}
	if j.StartedAt != nil {
		started := *j.StartedAt
		clone.StartedAt = &started
	}
	if j.CompletedAt != nil {
		completed := *j.CompletedAt
		clone.CompletedAt = &completed
	}
	clone.Result = j.Result.Clone()
	return &clone
}

// ResultSchemaVersion is bumped whenever JobResult changes shape.
const ResultSchemaVersion = 1

// JobResult is the structured outcome stored with a finished job.
type JobResult struct {
	SchemaVersion int               `json:"schema_version"`
	TotalRows     int               `json:"total_rows"`
	ValidRows     int               `json:"valid_rows"`
	InvalidRows   int               `json:"invalid_rows"`
	FraudFlagged  int               `json:"fraud_flagged"`
	Unregistered  int               `json:"unregistered"`
	Inserted      int               `json:"inserted"`
	InsertFailed  int               `json:"insert_failed"`
	Renewals      map[string]int    `json:"renewals,omitempty"`
	Errors        []RowError        `json:"errors,omitempty"`
	Fraud         []RowFraud        `json:"fraud,omitempty"`
	RateLimit     *RateLimitSummary `json:"rate_limit,omitempty"`
	DurationMS    int64             `json:"duration_ms"`
}

func (r *JobResult) Clone() *JobResult {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Errors = append([]RowError(nil), r.Errors...)
	clone.Fraud = append([]RowFraud(nil), r.Fraud...)
	if r.Renewals != nil {
		clone.Renewals = make(map[string]int, len(r.Renewals))
		for key, value := range r.Renewals {
			clone.Renewals[key] = value
		}
	}
	if r.RateLimit != nil {
		limit := *r.RateLimit
		clone.RateLimit = &limit
	}
	return &clone
}

type RowFraud struct {
	Row         int       `json:"row"`
	Kind        FraudKind `json:"kind"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
}

type RateLimitSummary struct {
	CurrentCount int64     `json:"current_count"`
	Remaining    int64     `json:"remaining"`
	IsWarning    bool      `json:"is_warning"`
	ResetTime    time.Time `json:"reset_time"`
}

// QueueStatus is the snapshot exposed to operators.
type QueueStatus struct {
	QueueLength  int64 `json:"queue_length"`
	IsProcessing bool  `json:"is_processing"`
	CurrentJob   *Job  `json:"current_job,omitempty"`
}

// Lifecycle events broadcast on the notification channel.
const (
	EventJobQueued    = "job_queued"
	EventJobStarted   = "job_started"
	EventJobProgress  = "job_progress"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventJobCancelled = "job_cancelled"
)

var (
	wardCodePattern  = regexp.MustCompile(`\d{8}`)
	wardLabelPattern = regexp.MustCompile(`(?i)ward[\s_\-]?(\d{1,8})`)
)

// TagFromFileName extracts a ward code from an uploaded file name.
func TagFromFileName(name, fallback string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if match := wardCodePattern.FindString(base); match != "" {
		return match
	}
	if match := wardLabelPattern.FindStringSubmatch(base); len(match) == 2 {
		return match[1]
	}
	return fallback
}
