// Package provider abstracts external generation backends behind a
// submit/poll contract.
package provider

import (
	"context"
	"errors"

	"github.com/loqalabs/genpipe/internal/job"
)

// Status is the provider-side state of a submitted handle.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// ErrRejected marks a provider refusing a request outright (4xx-class).
// The coordinator treats it as invalid input and does not retry.
var ErrRejected = errors.New("provider rejected request")

// Handle identifies a provider-side job.
type Handle string

// Result is one poll response. Any status other than pending ends the attempt.
type Result struct {
	Status  Status
	Payload []byte
	Err     error
}

// Adapter is implemented by each provider integration.
type Adapter interface {
	Submit(ctx context.Context, req job.Request) (Handle, error)
	FetchResult(ctx context.Context, handle Handle) (Result, error)
}

// Canceler is implemented by adapters that can abort provider-side work.
type Canceler interface {
	Cancel(ctx context.Context, handle Handle) error
}
