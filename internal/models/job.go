package models

import (
	"time"
)

// JobState represents the lifecycle state of a dispatch job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateInFlight  JobState = "in_flight"
	JobStateDone      JobState = "done"
	JobStateAbandoned JobState = "abandoned"
)

// IsTerminal reports whether no further attempts will be made in this state.
func (s JobState) IsTerminal() bool {
	return s == JobStateDone || s == JobStateAbandoned
}

// DispatchJob represents one pending or in-flight send.
//
// Locked is true while exactly one worker owns the job; it is the only
// guard against two queue scans sending the same job concurrently.
type DispatchJob struct {
	ID            string    `json:"id"`
	Recipient     string    `json:"recipient"`
	Kind          Kind      `json:"kind"`
	Payload       Payload   `json:"payload"`
	Fingerprint   string    `json:"fingerprint"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	Locked        bool      `json:"locked"`
	State         JobState  `json:"state"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Exhausted reports whether the job has used all of its attempts.
func (j *DispatchJob) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// Outcome classifies a single delivery attempt.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeRetryable Outcome = "retryable"
	OutcomeFatal     Outcome = "fatal"
)

// AttemptRecord is the operator-facing history row for one gateway attempt.
type AttemptRecord struct {
	CorrelationID string    `json:"correlation_id"`
	JobID         string    `json:"job_id"`
	Fingerprint   string    `json:"fingerprint"`
	Recipient     string    `json:"recipient"`
	Kind          Kind      `json:"kind"`
	ContentDigest string    `json:"content_digest"`
	Encoding      string    `json:"encoding,omitempty"`
	StatusCode    int       `json:"status_code,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	Error         string    `json:"error,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	AttemptedAt   time.Time `json:"attempted_at"`
}

// Succeeded reports whether the attempt was accepted by the gateway.
func (r AttemptRecord) Succeeded() bool {
	return r.Outcome == OutcomeDelivered
}
