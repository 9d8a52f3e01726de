package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStatesHaveNoOutgoingTransitions(t *testing.T) {
	all := []JobStatus{JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			assert.Falsef(t, CanTransition(from, to), "%s -> %s must be rejected", from, to)
		}
	}
}

func TestLifecycleGraph(t *testing.T) {
	assert.True(t, CanTransition(JobStatusQueued, JobStatusProcessing))
	assert.True(t, CanTransition(JobStatusQueued, JobStatusCancelled))
	assert.False(t, CanTransition(JobStatusQueued, JobStatusCompleted))
	assert.False(t, CanTransition(JobStatusQueued, JobStatusFailed))
	assert.True(t, CanTransition(JobStatusProcessing, JobStatusProcessing))
	assert.True(t, CanTransition(JobStatusProcessing, JobStatusCompleted))
	assert.True(t, CanTransition(JobStatusProcessing, JobStatusFailed))
	assert.True(t, CanTransition(JobStatusProcessing, JobStatusCancelled))

	assert.ElementsMatch(t, []JobStatus{JobStatusQueued, JobStatusProcessing}, AllowedFrom(JobStatusCancelled))
	assert.ElementsMatch(t, []JobStatus{JobStatusProcessing}, AllowedFrom(JobStatusCompleted))
}

func TestTagFromFileName(t *testing.T) {
	cases := map[string]string{
		"/uploads/members_79800123.xlsx":  "79800123",
		"Ward 12 renewals.csv":            "12",
		"ward-7_batch.xlsx":               "7",
		"january_members.csv":             "unassigned",
		"2024_01_members_ward_0045.xlsx":  "0045",
		"upload-52103001-2024-final.xlsx": "52103001",
	}
	for name, want := range cases {
		assert.Equalf(t, want, TagFromFileName(name, "unassigned"), "file %s", name)
	}
}

func TestJobCloneIsDeep(t *testing.T) {
	owner := "user-1"
	job := &Job{ID: "j1", OwnerID: &owner, Result: &JobResult{Errors: []RowError{{Row: 2, Error: "x"}}}}

	clone := job.Clone()
	*clone.OwnerID = "other"
	clone.Result.Errors[0].Error = "changed"

	assert.Equal(t, "user-1", *job.OwnerID)
	assert.Equal(t, "x", job.Result.Errors[0].Error)
}
