package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kapu/outlier-scout-go/pkg/errors"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) IsFinished() bool {
	return s == StateCompleted || s == StateFailed
}

// Options tune a single Enqueue call. Zero values fall back to the manager defaults.
type Options struct {
	// JobID is used as the job's id when set; otherwise one is generated.
	JobID       string
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Backoff     *Backoff
}

// Job is one unit of work on a named queue. Handlers receive a copy; mutating
// it has no effect on the queue.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     Backoff         `json:"backoff"`
	LastError   string          `json:"last_error,omitempty"`
	ErrorKind   errors.Kind     `json:"error_kind,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessAt   time.Time       `json:"process_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`

	seq uint64
}

// Attempt is the 1-based number of the run currently in progress.
func (j *Job) Attempt() int {
	return j.Attempts + 1
}

// WillRetry reports whether the queue schedules another run when the current
// attempt fails with err.
func (j *Job) WillRetry(err error) bool {
	return errors.IsRetryable(err) && j.Attempt() < j.MaxAttempts
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}

func (j *Job) clone() *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// Stats is a point-in-time view of one queue.
type Stats struct {
	Queue       string `json:"queue"`
	Concurrency int    `json:"concurrency"`
	Waiting     int    `json:"waiting"`
	Active      int    `json:"active"`
	Delayed     int    `json:"delayed"`
	Completed   int64  `json:"completed"`
	Failed      int64  `json:"failed"`
}
