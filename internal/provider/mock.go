package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/genpipe/internal/job"
)

type mockAdapter struct {
	pendingPolls int

	mu    sync.Mutex
	polls map[Handle]int
	reqs  map[Handle]job.Request
}

// NewMock returns an adapter that reports pending for pendingPolls fetches and
// then completes with a deterministic payload derived from the request.
func NewMock(pendingPolls int) Adapter {
	return &mockAdapter{
		pendingPolls: pendingPolls,
		polls:        make(map[Handle]int),
		reqs:         make(map[Handle]job.Request),
	}
}

func (m *mockAdapter) Submit(ctx context.Context, req job.Request) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := Handle(uuid.NewString())
	m.mu.Lock()
	m.reqs[h] = req
	m.mu.Unlock()
	return h, nil
}

func (m *mockAdapter) FetchResult(ctx context.Context, handle Handle) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.reqs[handle]
	if !ok {
		return Result{Status: StatusError, Err: fmt.Errorf("unknown handle %q", handle)}, nil
	}
	m.polls[handle]++
	if m.polls[handle] <= m.pendingPolls {
		return Result{Status: StatusPending}, nil
	}
	delete(m.polls, handle)
	delete(m.reqs, handle)

	var payload string
	switch req.Kind {
	case job.KindImage:
		payload = "mock-image:" + req.Prompt
	default:
		payload = "mock-audio:" + req.Text
	}
	return Result{Status: StatusDone, Payload: []byte(payload)}, nil
}

func (m *mockAdapter) Cancel(_ context.Context, handle Handle) error {
	m.mu.Lock()
	delete(m.polls, handle)
	delete(m.reqs, handle)
	m.mu.Unlock()
	return nil
}
