package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the delivery state of a queued job.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobInFlight JobStatus = "in_flight"
	JobFailed   JobStatus = "failed"
)

// IsValid reports whether s is a known job status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobPending, JobInFlight, JobFailed:
		return true
	}
	return false
}

// Job is a local mutation waiting to be pushed to the server.
type Job struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	EntityID      string          `json:"entity_id"`
	Op            Op              `json:"op"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        JobStatus       `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`

	// ChangedAt is the mutation timestamp used for last-write-wins.
	ChangedAt time.Time `json:"changed_at"`
}

// JobFromChange wraps a local change into a new pending job.
func JobFromChange(c *SyncChange, maxAttempts int, now time.Time) *Job {
	return &Job{
		ID:            c.ID,
		Kind:          c.Kind,
		EntityID:      c.EntityID,
		Op:            c.Op,
		Payload:       c.Payload,
		Status:        JobPending,
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
		NextAttemptAt: now,
		ChangedAt:     c.Timestamp,
	}
}

// Validate checks if the Job has valid field values.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !j.Kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, j.Kind)
	}
	if j.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if j.Op != OpUpsert && j.Op != OpDelete {
		return fmt.Errorf("invalid op: %q", j.Op)
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("invalid status: %q", j.Status)
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", j.MaxAttempts)
	}
	if j.ChangedAt.IsZero() {
		return fmt.Errorf("changed_at is required")
	}
	return nil
}

// Change converts the job back into the change pushed to the server.
func (j *Job) Change() SyncChange {
	return SyncChange{
		ID:        j.ID,
		Kind:      j.Kind,
		EntityID:  j.EntityID,
		Op:        j.Op,
		Payload:   j.Payload,
		Timestamp: j.ChangedAt,
		Origin:    OriginLocal,
	}
}
