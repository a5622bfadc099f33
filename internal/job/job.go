// Package job defines the data model shared by the generation pipeline:
// requests, job snapshots, outcomes and the error taxonomy.
package job

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies what a job generates.
type Kind string

const (
	KindAudio Kind = "audio"
	KindImage Kind = "image"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindAudio || k == KindImage
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusPolling   Status = "polling"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition enforces the job state machine edges.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusPolling || to == StatusCancelled || to == StatusTimedOut
	case StatusPolling:
		return to == StatusCompleted || to == StatusFailed || to == StatusTimedOut || to == StatusCancelled
	default:
		return false
	}
}

// Request describes one generation to dispatch to a provider.
type Request struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Voice     string `json:"voice,omitempty"`
	Size      string `json:"size,omitempty"`
}

// Validate checks the fields required for the request kind.
func (r Request) Validate() error {
	switch r.Kind {
	case KindAudio:
		if strings.TrimSpace(r.Text) == "" {
			return fmt.Errorf("%w: audio request requires text", ErrInvalidRequest)
		}
	case KindImage:
		if strings.TrimSpace(r.Prompt) == "" {
			return fmt.Errorf("%w: image request requires prompt", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, r.Kind)
	}
	return nil
}

// Snapshot is a point-in-time copy of a job, safe to hand out.
type Snapshot struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	Deadline  time.Time `json:"deadline"`
	LastError string    `json:"last_error,omitempty"`
	Payload   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Outcome is delivered exactly once when a job settles.
type Outcome struct {
	JobID    string
	Kind     Kind
	Status   Status
	Payload  []byte
	Err      error
	Attempts int
}

// OK reports whether the job completed with a payload.
func (o Outcome) OK() bool {
	return o.Status == StatusCompleted
}
